// Package power drives the relay that switches the lights.
//
// Device abstracts how the relay is switched. A periph.io GPIO-backed
// implementation is used on the Raspberry Pi and an in-memory Mock is used
// for development on other machines and in tests.
package power

import (
	"errors"
	"runtime"
	"sync"

	appLog "sunrelay/internal/log"
)

// Device is an on/off power switch.
type Device interface {
	On() error
	Off() error
	IsOn() bool
	String() string
}

// RelayConfig describes how the relay is wired.
type RelayConfig struct {
	// Pin is the periph.io pin name, e.g. "GPIO17".
	Pin string
	// ActiveLow relays energize when the pin is driven low.
	ActiveLow bool
	// Mock forces the in-memory relay even on a Pi.
	Mock bool
}

// ErrPinNotFound is returned when the configured pin does not exist on
// this host.
var ErrPinNotFound = errors.New("power: gpio pin not found")

// Mock is an in-memory relay. Fail, when set, makes the next transitions
// return that error without changing state.
type Mock struct {
	mu          sync.Mutex
	on          bool
	fail        error
	transitions int
}

func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) On() error {
	return m.set(true)
}

func (m *Mock) Off() error {
	return m.set(false)
}

func (m *Mock) set(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.on = on
	m.transitions++
	return nil
}

func (m *Mock) IsOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.on
}

// Fail makes subsequent transitions fail with err; nil clears it.
func (m *Mock) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// Transitions counts successful On/Off calls.
func (m *Mock) Transitions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitions
}

func (m *Mock) String() string {
	return "mock-relay"
}

// Default returns the Device the main program should use.
//
// Order of preference:
//  1. the GPIO relay on linux, unless cfg.Mock is set
//  2. the in-memory mock, if the GPIO relay cannot be opened
//
// The fallback keeps the scheduler, console and HTTP API usable on a
// development machine.
func Default(cfg RelayConfig) Device {
	if cfg.Mock || runtime.GOOS != "linux" {
		appLog.Info("using mock relay", "goos", runtime.GOOS, "forced", cfg.Mock)
		return NewMock()
	}
	r, err := OpenGPIO(cfg)
	if err != nil {
		appLog.Error("gpio relay unavailable; falling back to mock relay", err, "pin", cfg.Pin)
		return NewMock()
	}
	return r
}
