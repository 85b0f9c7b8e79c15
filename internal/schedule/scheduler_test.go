package schedule

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appLog "sunrelay/internal/log"
	"sunrelay/internal/model"
	"sunrelay/internal/power"
	"sunrelay/internal/solar"
)

var newYork = model.Coordinate{Latitude: 40.7128, Longitude: -74.0060}

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

// near asserts got is within a minute of the wall clock want in loc.
func near(t *testing.T, loc *time.Location, want string, got time.Time) {
	t.Helper()
	w, err := time.ParseInLocation("2006-01-02 15:04:05", want, loc)
	require.NoError(t, err)
	assert.WithinDuration(t, w, got, time.Minute, "got %s", got.In(loc))
}

type recorder struct {
	mu          sync.Mutex
	transitions []string
	failures    int
	next        []string
}

func (r *recorder) Transition(on bool, source string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.failures++
		return
	}
	r.transitions = append(r.transitions, source+":"+stateName(on))
}

func (r *recorder) NextEvent(kind string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = append(r.next, kind)
}

func (r *recorder) snapshot() ([]string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.transitions...), r.failures
}

type fixture struct {
	clock  clockwork.FakeClock
	device *power.Mock
	rec    *recorder
	sched  *Scheduler
}

func newFixture(t *testing.T, c model.Coordinate, loc *time.Location, now time.Time) *fixture {
	t.Helper()
	f := &fixture{
		clock:  clockwork.NewFakeClockAt(now),
		device: power.NewMock(),
		rec:    &recorder{},
	}
	f.sched = New(Options{
		Coordinate: c,
		Location:   loc,
		Device:     f.device,
		Clock:      f.clock,
		Recorder:   f.rec,
	})
	return f
}

// blockUntilContexter is implemented by the clock from
// clockwork.NewFakeClockAt but is not part of the FakeClock interface.
type blockUntilContexter interface {
	BlockUntilContext(ctx context.Context, n int) error
}

// advanceTo moves the clock to at and waits for the fired callback to arm
// its successor.
func (f *fixture) advanceTo(t *testing.T, at time.Time) {
	t.Helper()
	f.clock.Advance(at.Sub(f.clock.Now()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	waiter, ok := f.clock.(blockUntilContexter)
	require.True(t, ok, "fake clock cannot wait with a context")
	require.NoError(t, waiter.BlockUntilContext(ctx, 1), "timer was not re-armed")
}

func TestDecideNewYork(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	s := New(Options{Coordinate: newYork, Location: ny, Clock: clockwork.NewFakeClock()})
	day := time.Date(2024, time.June, 21, 12, 0, 0, 0, ny)
	set, _ := solar.Sunset(newYork, day, solar.Official, ny)
	rise, _ := solar.Sunrise(newYork, day, solar.Official, ny)
	riseTomorrow, _ := solar.Sunrise(newYork, day.AddDate(0, 0, 1), solar.Official, ny)

	tests := []struct {
		name     string
		now      time.Time
		kind     EventKind
		at       time.Time
		wall     string
		daylight bool
	}{
		{"afternoon", time.Date(2024, 6, 21, 14, 0, 0, 0, ny), SunsetToday, set, "2024-06-21 20:30:49", true},
		{"evening", time.Date(2024, 6, 21, 21, 0, 0, 0, ny), SunriseTomorrow, riseTomorrow, "2024-06-22 05:25:20", false},
		{"before dawn", time.Date(2024, 6, 21, 3, 0, 0, 0, ny), SunriseToday, rise, "2024-06-21 05:25:05", false},
		{"at sunset", set, SunriseTomorrow, riseTomorrow, "2024-06-22 05:25:20", false},
		{"at sunrise", rise, SunsetToday, set, "2024-06-21 20:30:49", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := s.Decide(tt.now)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, d.Kind)
			assert.True(t, tt.at.Equal(d.At), "want %s got %s", tt.at, d.At)
			near(t, ny, tt.wall, d.At)
			assert.Equal(t, tt.daylight, d.Daylight)
			assert.True(t, d.At.After(tt.now))
			assert.True(t, d.NextSunrise.After(tt.now))
			assert.True(t, d.NextSunset.After(tt.now))
		})
	}
}

func TestDecideNextEvents(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	s := New(Options{Coordinate: newYork, Location: ny, Clock: clockwork.NewFakeClock()})

	d, err := s.Decide(time.Date(2024, 6, 21, 14, 0, 0, 0, ny))
	require.NoError(t, err)
	near(t, ny, "2024-06-22 05:25:20", d.NextSunrise)
	near(t, ny, "2024-06-21 20:30:49", d.NextSunset)

	d, err = s.Decide(time.Date(2024, 6, 21, 21, 0, 0, 0, ny))
	require.NoError(t, err)
	near(t, ny, "2024-06-22 05:25:20", d.NextSunrise)
	near(t, ny, "2024-06-22 20:30:58", d.NextSunset)
}

func TestDecidePolarDay(t *testing.T) {
	helsinki := mustLoad(t, "Europe/Helsinki")
	c := model.Coordinate{Latitude: 66.56, Longitude: 25}
	s := New(Options{Coordinate: c, Location: helsinki, Clock: clockwork.NewFakeClock()})

	d, err := s.Decide(time.Date(2024, 6, 21, 12, 0, 0, 0, helsinki))
	require.NoError(t, err)
	assert.Equal(t, SunriseTomorrow, d.Kind)
	near(t, helsinki, "2024-07-07 01:45:54", d.At)
	assert.True(t, d.Daylight, "midnight sun")
	near(t, helsinki, "2024-07-06 01:11:00", d.NextSunset)
}

// At the polar circle Jul 6 has a sunset but no sunrise, so the relay
// switched on at that sunset stays on until the sunrise on Jul 7.
func TestSunsetWithoutSunriseKeepsRelayOn(t *testing.T) {
	var logs bytes.Buffer
	appLog.SetOutput(&logs)
	t.Cleanup(func() { appLog.SetOutput(os.Stderr) })

	helsinki := mustLoad(t, "Europe/Helsinki")
	c := model.Coordinate{Latitude: 66.56, Longitude: 25}
	f := newFixture(t, c, helsinki, time.Date(2024, 7, 6, 0, 0, 0, 0, helsinki))

	d, err := f.sched.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, SunsetToday, d.Kind)
	near(t, helsinki, "2024-07-06 01:11:00", d.At)
	assert.False(t, f.device.IsOn())

	f.advanceTo(t, d.At)
	st := f.sched.Status()
	assert.True(t, st.PowerOn)
	assert.Equal(t, SunriseTomorrow, st.Decision.Kind)
	near(t, helsinki, "2024-07-07 01:45:54", st.Decision.At)
	assert.Contains(t, logs.String(), "relay stays on for more than a day")

	f.advanceTo(t, time.Date(2024, 7, 6, 21, 0, 0, 0, helsinki))
	f.sched.Resync()
	assert.True(t, f.device.IsOn(), "still on through the sunlit day")
}

func TestDecidePolarNight(t *testing.T) {
	oslo := mustLoad(t, "Europe/Oslo")
	c := model.Coordinate{Latitude: 70, Longitude: 19}
	s := New(Options{Coordinate: c, Location: oslo, Clock: clockwork.NewFakeClock()})

	d, err := s.Decide(time.Date(2024, 12, 21, 12, 0, 0, 0, oslo))
	require.NoError(t, err)
	assert.Equal(t, SunriseTomorrow, d.Kind)
	near(t, oslo, "2025-01-17 11:41:47", d.At)
	assert.False(t, d.Daylight)
}

func TestDecideNoEventAtPole(t *testing.T) {
	c := model.Coordinate{Latitude: 90, Longitude: 0}
	s := New(Options{Coordinate: c, Location: time.UTC, Clock: clockwork.NewFakeClock()})

	_, err := s.Decide(time.Date(2024, 6, 21, 12, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, ErrNoSolarEvent)
}

func TestStartSyncsPower(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	tests := []struct {
		name string
		now  time.Time
		on   bool
	}{
		{"daytime starts off", time.Date(2024, 6, 21, 14, 0, 0, 0, ny), false},
		{"night starts on", time.Date(2024, 6, 21, 21, 0, 0, 0, ny), true},
		{"before dawn starts on", time.Date(2024, 6, 21, 3, 0, 0, 0, ny), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, newYork, ny, tt.now)
			_, err := f.sched.Start(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.on, f.device.IsOn())
			st := f.sched.Status()
			assert.True(t, st.Armed)
			assert.Equal(t, tt.on, st.PowerOn)
		})
	}
}

func TestEventChain(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	f := newFixture(t, newYork, ny, time.Date(2024, 6, 21, 14, 0, 0, 0, ny))

	d, err := f.sched.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, SunsetToday, d.Kind)
	require.False(t, f.device.IsOn())

	f.advanceTo(t, d.At)
	assert.True(t, f.device.IsOn(), "sunset switches on")
	st := f.sched.Status()
	assert.Equal(t, SunriseTomorrow, st.Decision.Kind)
	near(t, ny, "2024-06-22 05:25:20", st.Decision.At)
	assert.True(t, st.LastFired.Equal(d.At))

	prev := st.Decision.At
	f.advanceTo(t, prev)
	assert.False(t, f.device.IsOn(), "sunrise switches off")
	st = f.sched.Status()
	assert.Equal(t, SunsetToday, st.Decision.Kind)
	near(t, ny, "2024-06-22 20:30:58", st.Decision.At)

	// A week of events: strictly increasing, alternating relay state.
	for i := 0; i < 14; i++ {
		cur := f.sched.Status().Decision
		require.True(t, cur.At.After(prev))
		prev = cur.At
		f.advanceTo(t, cur.At)
		assert.Equal(t, cur.Kind.PowerOn(), f.device.IsOn(), "event %d %s", i, cur.Kind)
		assert.True(t, f.sched.Status().Decision.At.After(cur.At))
	}

	transitions, failures := f.rec.snapshot()
	assert.Zero(t, failures)
	assert.Equal(t, "startup:off", transitions[0])
	assert.Equal(t, "schedule:on", transitions[1])
	assert.Equal(t, "schedule:off", transitions[2])
}

func TestRescheduleIdempotent(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	f := newFixture(t, newYork, ny, time.Date(2024, 6, 21, 14, 0, 0, 0, ny))

	first, err := f.sched.Reschedule()
	require.NoError(t, err)
	second, err := f.sched.Reschedule()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	f.advanceTo(t, first.At)
	assert.Equal(t, 1, f.device.Transitions(), "exactly one fire")
}

func TestStaleTimerDropped(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	f := newFixture(t, newYork, ny, time.Date(2024, 6, 21, 14, 0, 0, 0, ny))

	_, err := f.sched.Reschedule()
	require.NoError(t, err)
	f.sched.mu.Lock()
	stale := f.sched.gen
	f.sched.mu.Unlock()

	_, err = f.sched.Reschedule()
	require.NoError(t, err)

	f.sched.fire(stale)
	assert.Zero(t, f.device.Transitions())
	assert.Equal(t, SunsetToday, f.sched.Status().Decision.Kind)
}

func TestDeviceErrorKeepsChain(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	f := newFixture(t, newYork, ny, time.Date(2024, 6, 21, 14, 0, 0, 0, ny))

	d, err := f.sched.Start(context.Background())
	require.NoError(t, err)

	f.device.Fail(errors.New("relay stuck"))
	f.advanceTo(t, d.At)

	st := f.sched.Status()
	assert.False(t, st.PowerOn)
	assert.Contains(t, st.LastError, "relay stuck")
	assert.Equal(t, SunriseTomorrow, st.Decision.Kind, "chain continues")
	_, failures := f.rec.snapshot()
	assert.Equal(t, 1, failures)

	f.device.Fail(nil)
	require.NoError(t, f.sched.Override(true))
	f.advanceTo(t, st.Decision.At)
	st = f.sched.Status()
	assert.False(t, st.PowerOn)
	assert.Empty(t, st.LastError)
}

func TestOverride(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	f := newFixture(t, newYork, ny, time.Date(2024, 6, 21, 14, 0, 0, 0, ny))

	d, err := f.sched.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.sched.Override(false))
	require.NoError(t, f.sched.Override(true))
	assert.True(t, f.device.IsOn(), "last writer wins")
	assert.Equal(t, d, f.sched.Status().Decision, "armed event untouched")

	require.NoError(t, f.sched.Override(false))
	f.advanceTo(t, d.At)
	assert.True(t, f.device.IsOn(), "next event applies as usual")

	transitions, _ := f.rec.snapshot()
	assert.Contains(t, transitions, "override:on")
}

// suspendedClock never runs AfterFunc callbacks, like a host that slept
// through its timers.
type suspendedClock struct {
	clockwork.FakeClock
}

func (c suspendedClock) AfterFunc(d time.Duration, _ func()) clockwork.Timer {
	return c.FakeClock.NewTimer(d)
}

func TestResyncCatchesUp(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	clock := suspendedClock{clockwork.NewFakeClockAt(time.Date(2024, 6, 21, 14, 0, 0, 0, ny))}
	device := power.NewMock()
	s := New(Options{Coordinate: newYork, Location: ny, Device: device, Clock: clock})

	d, err := s.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, SunsetToday, d.Kind)

	clock.Advance(30 * time.Minute)
	s.Resync()
	assert.False(t, device.IsOn(), "nothing due yet")
	assert.Equal(t, d, s.Status().Decision)

	clock.Advance(8 * time.Hour)
	s.Resync()
	assert.True(t, device.IsOn(), "missed sunset applied")
	st := s.Status()
	assert.True(t, st.LastFired.Equal(d.At))
	assert.Equal(t, SunriseTomorrow, st.Decision.Kind)
	assert.True(t, st.Decision.At.After(clock.Now()))
}

func TestArmingInThePastFiresImmediately(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	f := newFixture(t, newYork, ny, time.Date(2024, 6, 21, 21, 0, 0, 0, ny))

	// A reference time before the clock yields an instant that is already
	// past when armed.
	f.sched.mu.Lock()
	d, err := f.sched.rescheduleLocked(time.Date(2024, 6, 21, 14, 0, 0, 0, ny))
	f.sched.mu.Unlock()
	require.NoError(t, err)
	require.Equal(t, SunsetToday, d.Kind)
	require.True(t, d.At.Before(f.clock.Now()))

	require.Eventually(t, func() bool {
		return f.device.IsOn()
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return f.sched.Status().Decision.Kind == SunriseTomorrow
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, f.sched.Status().Decision.At.After(f.clock.Now()))
}

func TestNoSolarEventRetries(t *testing.T) {
	f := newFixture(t, model.Coordinate{Latitude: 90}, time.UTC, time.Date(2024, 6, 21, 12, 0, 0, 0, time.UTC))

	d, err := f.sched.Start(context.Background())
	require.ErrorIs(t, err, ErrNoSolarEvent)
	assert.True(t, d.Daylight, "polar summer")
	assert.False(t, f.device.IsOn())
	assert.False(t, f.sched.Status().Armed)

	f.advanceTo(t, f.clock.Now().Add(DefaultRetryInterval))
	assert.False(t, f.sched.Status().Armed)
}

func TestStop(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	f := newFixture(t, newYork, ny, time.Date(2024, 6, 21, 21, 0, 0, 0, ny))

	_, err := f.sched.Start(context.Background())
	require.NoError(t, err)
	require.True(t, f.device.IsOn())

	require.NoError(t, f.sched.Stop())
	assert.False(t, f.device.IsOn(), "stop forces the relay off")
	assert.False(t, f.sched.Status().Armed)

	require.NoError(t, f.sched.Stop())
	_, err = f.sched.Reschedule()
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, f.sched.Override(true), ErrStopped)
	assert.False(t, f.device.IsOn())
}

func TestStartStopsOnContextDone(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	f := newFixture(t, newYork, ny, time.Date(2024, 6, 21, 21, 0, 0, 0, ny))

	ctx, cancel := context.WithCancel(context.Background())
	_, err := f.sched.Start(ctx)
	require.NoError(t, err)
	require.True(t, f.device.IsOn())

	cancel()
	require.Eventually(t, func() bool {
		return !f.device.IsOn()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "SunriseToday", SunriseToday.String())
	assert.Equal(t, "SunsetToday", SunsetToday.String())
	assert.Equal(t, "SunriseTomorrow", SunriseTomorrow.String())
	assert.Equal(t, "EventKind(9)", EventKind(9).String())
	assert.True(t, SunsetToday.PowerOn())
	assert.False(t, SunriseTomorrow.PowerOn())
}
