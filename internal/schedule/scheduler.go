// Package schedule keeps the relay in step with the sun.
//
// A Scheduler owns a single armed timer. Each time it fires the relay is
// switched (on at sunset, off at sunrise) and the next event is computed and
// armed, so the chain runs forever without a polling loop.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	appLog "sunrelay/internal/log"
	"sunrelay/internal/model"
	"sunrelay/internal/power"
	"sunrelay/internal/solar"
)

const (
	// DefaultRetryInterval is how long to wait before trying again when no
	// solar event could be found.
	DefaultRetryInterval = time.Hour

	// horizonDays bounds the forward search. Sun events repeat yearly, so a
	// location with no sunrise in a year never has one.
	horizonDays = 366

	// longNight is the sunset-to-sunrise span beyond which firing a sunset
	// is logged as unusual.
	longNight = 24 * time.Hour
)

var (
	// ErrNoSolarEvent is returned when no qualifying sunrise exists within
	// a year of the reference time.
	ErrNoSolarEvent = errors.New("schedule: no solar event within search horizon")

	// ErrStopped is returned by operations on a stopped Scheduler.
	ErrStopped = errors.New("schedule: scheduler stopped")
)

// EventKind identifies which event the armed timer is waiting for.
type EventKind int

const (
	SunriseToday EventKind = iota
	SunsetToday
	// SunriseTomorrow is a sunrise on a later calendar day. At polar
	// latitudes that can be weeks away.
	SunriseTomorrow
)

func (k EventKind) String() string {
	switch k {
	case SunriseToday:
		return "SunriseToday"
	case SunsetToday:
		return "SunsetToday"
	case SunriseTomorrow:
		return "SunriseTomorrow"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// PowerOn reports the relay state the event switches to.
func (k EventKind) PowerOn() bool {
	return k == SunsetToday
}

// Decision is the outcome of one scheduling computation.
type Decision struct {
	Kind EventKind
	At   time.Time
	// NextSunrise and NextSunset are the first defined events strictly
	// after the reference time, or zero when none exists within a year.
	NextSunrise time.Time
	NextSunset  time.Time
	// Daylight reports whether the sun is up at the reference time.
	Daylight bool
}

// Recorder receives scheduler telemetry. metrics.Recorder implements it.
type Recorder interface {
	Transition(on bool, source string, err error)
	NextEvent(kind string, at time.Time)
}

type nopRecorder struct{}

func (nopRecorder) Transition(bool, string, error) {}
func (nopRecorder) NextEvent(string, time.Time)    {}

type Options struct {
	Coordinate model.Coordinate
	Zenith     solar.Zenith
	Location   *time.Location
	Device     power.Device

	// Clock defaults to the real clock.
	Clock clockwork.Clock
	// Recorder may be nil.
	Recorder Recorder
	// RetryInterval defaults to DefaultRetryInterval.
	RetryInterval time.Duration
}

// Status is a point-in-time snapshot for the console and HTTP API.
type Status struct {
	Decision   Decision
	Armed      bool
	PowerOn    bool
	LastFired  time.Time
	LastError  string
	Coordinate model.Coordinate
	Zenith     solar.Zenith
	Location   string
}

// Scheduler arms one timer at a time and switches Device when it fires.
// All methods are safe for concurrent use.
type Scheduler struct {
	calc   solar.Calculator
	device power.Device
	clock  clockwork.Clock
	rec    Recorder
	retry  time.Duration

	mu        sync.Mutex
	timer     clockwork.Timer
	gen       uint64
	decision  Decision
	armed     bool
	lastFired time.Time
	lastErr   error
	stopped   bool
}

func New(opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Zenith == 0 {
		opts.Zenith = solar.Official
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.Device == nil {
		appLog.Warn("no power device configured; using mock relay")
		opts.Device = power.NewMock()
	}
	return &Scheduler{
		calc: solar.Calculator{
			Coordinate: opts.Coordinate,
			Zenith:     opts.Zenith,
			Location:   opts.Location,
		},
		device: opts.Device,
		clock:  opts.Clock,
		rec:    opts.Recorder,
		retry:  opts.RetryInterval,
	}
}

// Calculator returns the solar calculator the scheduler decides with.
func (s *Scheduler) Calculator() solar.Calculator {
	return s.calc
}

// Now is the scheduler's notion of the current time.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Decide computes which event comes next after now. It has no side effects.
//
// Today's sunset wins unless today's sunrise comes first; then today's
// sunrise; otherwise the first sunrise on a later day. With ErrNoSolarEvent
// the returned Decision still carries Daylight and the next-event fields.
func (s *Scheduler) Decide(now time.Time) (Decision, error) {
	today := s.calc.Day(now, 0)
	rise, riseOK := s.calc.Sunrise(today)
	set, setCond := s.calc.SunsetCondition(today)
	setOK := setCond == solar.Crosses

	d := Decision{
		NextSunrise: s.scan(now, model.Sunrise),
		NextSunset:  s.scan(now, model.Sunset),
	}

	riseAhead := riseOK && rise.After(now)
	switch {
	case setOK && set.After(now) && !(riseAhead && rise.Before(set)):
		d.Kind, d.At, d.Daylight = SunsetToday, set, true
	case riseAhead:
		d.Kind, d.At = SunriseToday, rise
	default:
		d.Kind, d.Daylight = SunriseTomorrow, setCond == solar.AlwaysUp
		// Today's sunrise is behind us or missing, so the first sunrise
		// after now is on a later day.
		if d.NextSunrise.IsZero() {
			return d, ErrNoSolarEvent
		}
		d.At = d.NextSunrise
	}
	return d, nil
}

// scan returns the first defined event of phase strictly after now,
// starting with now's own calendar day.
func (s *Scheduler) scan(now time.Time, phase model.Phase) time.Time {
	for i := 0; i <= horizonDays; i++ {
		day := s.calc.Day(now, i)
		var (
			at time.Time
			ok bool
		)
		if phase == model.Sunrise {
			at, ok = s.calc.Sunrise(day)
		} else {
			at, ok = s.calc.Sunset(day)
		}
		if ok && at.After(now) {
			return at
		}
	}
	return time.Time{}
}

// Start arms the first event and brings the relay in line with the sun:
// off in daylight, on in darkness. When ctx is done the scheduler is
// stopped. An ErrNoSolarEvent result still leaves a retry armed.
func (s *Scheduler) Start(ctx context.Context) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.rescheduleLocked(s.clock.Now())
	if errors.Is(err, ErrStopped) {
		return d, err
	}
	_ = s.applyLocked(!d.Daylight, "startup")

	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			_ = s.Stop()
		}()
	}
	return d, err
}

// Reschedule recomputes the next event from the clock's current time and
// re-arms the timer. Calling it repeatedly at the same instant yields the
// same Decision and still exactly one armed timer.
func (s *Scheduler) Reschedule() (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rescheduleLocked(s.clock.Now())
}

func (s *Scheduler) rescheduleLocked(ref time.Time) (Decision, error) {
	if s.stopped {
		return s.decision, ErrStopped
	}
	s.disarmLocked()
	gen := s.gen

	d, err := s.Decide(ref)
	s.decision = d
	if err != nil {
		appLog.Error("no sunrise within a year; will retry", err,
			"coord", s.calc.Coordinate.String(), "retry", s.retry.String())
		s.timer = s.clock.AfterFunc(s.retry, func() { s.retryFired(gen) })
		return d, err
	}

	// A negative delay fires immediately, which is the catch-up path for
	// an instant that is already past.
	delay := d.At.Sub(s.clock.Now())
	s.armed = true
	s.timer = s.clock.AfterFunc(delay, func() { s.fire(gen) })
	s.rec.NextEvent(d.Kind.String(), d.At)
	appLog.Info("next event armed",
		"kind", d.Kind.String(),
		"at", d.At.Format(time.RFC3339),
		"in", delay.Round(time.Second).String())
	return d, nil
}

// disarmLocked stops the armed timer and invalidates its callback in case
// it has already been dispatched.
func (s *Scheduler) disarmLocked() {
	s.gen++
	s.armed = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.stopped {
		appLog.Debug("dropping stale timer", "gen", gen, "current", s.gen)
		return
	}
	s.fireLocked()
}

// fireLocked applies the armed event and arms the one after it. The
// reference time is never earlier than the fired instant, so the same
// event cannot be chosen twice.
func (s *Scheduler) fireLocked() {
	d := s.decision
	appLog.Info("event fired", "kind", d.Kind.String(), "at", d.At.Format(time.RFC3339))
	_ = s.applyLocked(d.Kind.PowerOn(), "schedule")
	s.lastFired = d.At

	ref := s.clock.Now()
	if ref.Before(d.At) {
		ref = d.At
	}
	next, err := s.rescheduleLocked(ref)
	if err == nil && d.Kind == SunsetToday && next.At.Sub(d.At) > longNight {
		// Near the polar circle a day can have a sunset but no sunrise,
		// leaving the relay on through the following sunlit day.
		appLog.Warn("relay stays on for more than a day",
			"sunset", d.At.Format(time.RFC3339),
			"next_sunrise", next.At.Format(time.RFC3339),
			"coord", s.calc.Coordinate.String())
	}
}

func (s *Scheduler) retryFired(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.stopped {
		return
	}
	_, _ = s.rescheduleLocked(s.clock.Now())
}

// applyLocked switches the device. Failures are recorded but never stop
// the event chain.
func (s *Scheduler) applyLocked(on bool, source string) error {
	var err error
	if on {
		err = s.device.On()
	} else {
		err = s.device.Off()
	}
	s.rec.Transition(on, source, err)
	if err != nil {
		err = fmt.Errorf("power: switching %s %s: %w", s.device, stateName(on), err)
		s.lastErr = err
		appLog.Error("power transition failed", err, "source", source)
		return err
	}
	s.lastErr = nil
	appLog.Info("power "+stateName(on), "device", s.device.String(), "source", source)
	return nil
}

func stateName(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// Override switches the relay by hand. It does not disturb the armed
// timer; the next scheduled event switches the relay as usual.
func (s *Scheduler) Override(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	return s.applyLocked(on, "override")
}

// Resync is run periodically. If the armed instant has already passed
// without firing (host suspend, clock step) the event is applied now;
// otherwise the timer is re-armed from the current clock.
func (s *Scheduler) Resync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	now := s.clock.Now()
	if s.armed && !s.decision.At.After(now) {
		appLog.Warn("armed event is in the past; catching up",
			"kind", s.decision.Kind.String(),
			"at", s.decision.At.Format(time.RFC3339),
			"late", now.Sub(s.decision.At).Round(time.Second).String())
		s.fireLocked()
		return
	}
	_, _ = s.rescheduleLocked(now)
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Decision:   s.decision,
		Armed:      s.armed,
		PowerOn:    s.device.IsOn(),
		LastFired:  s.lastFired,
		Coordinate: s.calc.Coordinate,
		Zenith:     s.calc.Zenith,
		Location:   s.calc.Location.String(),
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Stop cancels the armed timer and forces the relay off. Only the first
// call has any effect.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.disarmLocked()
	s.stopped = true
	appLog.Info("scheduler stopped")
	return s.applyLocked(false, "shutdown")
}
