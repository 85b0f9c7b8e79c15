package power

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	appLog "sunrelay/internal/log"
)

// DefaultPin is the BCM pin the PowerSwitch Tail is usually wired to.
const DefaultPin = "GPIO17"

var (
	hostOnce sync.Once
	hostErr  error
)

// initHost initializes periph.io drivers once per process.
func initHost() error {
	hostOnce.Do(func() {
		_, hostErr = host.Init()
	})
	return hostErr
}

// GPIORelay switches a relay through a single GPIO output pin.
type GPIORelay struct {
	mu        sync.Mutex
	pin       gpio.PinOut
	activeLow bool
	on        bool
}

// OpenGPIO initializes periph.io, resolves cfg.Pin and drives the relay
// to its off state.
func OpenGPIO(cfg RelayConfig) (*GPIORelay, error) {
	if err := initHost(); err != nil {
		return nil, fmt.Errorf("power: periph host init failed: %w", err)
	}
	name := cfg.Pin
	if name == "" {
		name = DefaultPin
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPinNotFound, name)
	}
	return NewGPIORelay(p, cfg.ActiveLow)
}

// NewGPIORelay wraps an already resolved pin. The relay starts off.
func NewGPIORelay(pin gpio.PinOut, activeLow bool) (*GPIORelay, error) {
	r := &GPIORelay{pin: pin, activeLow: activeLow}
	if err := r.write(false); err != nil {
		return nil, err
	}
	appLog.Info("gpio relay ready", "pin", pin.String(), "active_low", activeLow)
	return r, nil
}

func (r *GPIORelay) On() error {
	return r.write(true)
}

func (r *GPIORelay) Off() error {
	return r.write(false)
}

func (r *GPIORelay) write(on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.pin.Out(r.level(on)); err != nil {
		return fmt.Errorf("power: gpio %s Out failed: %w", r.pin, err)
	}
	r.on = on
	return nil
}

// level maps the logical relay state to the pin level.
func (r *GPIORelay) level(on bool) gpio.Level {
	if r.activeLow {
		return gpio.Level(!on)
	}
	return gpio.Level(on)
}

// IsOn reports the last state successfully written to the pin.
func (r *GPIORelay) IsOn() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.on
}

func (r *GPIORelay) String() string {
	return "gpio-relay(" + r.pin.String() + ")"
}

// Close drives the relay off. periph.io pins need no explicit release.
func (r *GPIORelay) Close() error {
	return r.Off()
}
