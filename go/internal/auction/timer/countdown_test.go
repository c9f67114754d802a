package timer

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCountdown(t *testing.T) (*Countdown, *clockwork.FakeClock, chan Expiry) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	fired := make(chan Expiry, 8)
	c := NewCountdown(clock, func(e Expiry) { fired <- e })
	return c, clock, fired
}

func waitExpiry(t *testing.T, ch <-chan Expiry) Expiry {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("countdown did not fire")
		return Expiry{}
	}
}

func assertNoExpiry(t *testing.T, ch <-chan Expiry) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected fire for generation %d", e.Generation)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCountdown_FiresOnceAtDeadline(t *testing.T) {
	c, clock, fired := newTestCountdown(t)

	deadline := c.Reset(10 * time.Second)
	assert.True(t, c.Armed())
	assert.Equal(t, 10*time.Second, c.Remaining())

	clock.Advance(9 * time.Second)
	assertNoExpiry(t, fired)

	clock.Advance(time.Second)
	e := waitExpiry(t, fired)
	assert.Equal(t, deadline, e.Deadline)
	assert.True(t, c.Current(e.Generation))

	clock.Advance(time.Minute)
	assertNoExpiry(t, fired)
}

func TestCountdown_ResetCancelsPendingFire(t *testing.T) {
	c, clock, fired := newTestCountdown(t)

	c.Reset(10 * time.Second)
	clock.Advance(5 * time.Second)
	second := c.Reset(10 * time.Second)

	clock.Advance(5 * time.Second)
	assertNoExpiry(t, fired)

	clock.Advance(5 * time.Second)
	e := waitExpiry(t, fired)
	assert.Equal(t, second, e.Deadline)
}

func TestCountdown_StopInvalidatesGeneration(t *testing.T) {
	c, clock, fired := newTestCountdown(t)

	c.Reset(time.Second)
	c.Stop()
	assert.False(t, c.Armed())
	assert.Equal(t, time.Duration(0), c.Remaining())

	clock.Advance(time.Minute)
	assertNoExpiry(t, fired)
}

func TestCountdown_ResetAtPastDeadlineFiresImmediately(t *testing.T) {
	c, clock, fired := newTestCountdown(t)

	c.ResetAt(clock.Now().Add(-time.Second))
	e := waitExpiry(t, fired)
	assert.True(t, c.Current(e.Generation))
}

func TestCountdown_ExtendReopensToFixedWindow(t *testing.T) {
	tests := []struct {
		name      string
		remaining time.Duration
		threshold time.Duration
		window    time.Duration
		moved     bool
		wantLeft  time.Duration
	}{
		{name: "outside threshold", remaining: 60 * time.Second, threshold: 10 * time.Second, window: 30 * time.Second, moved: false, wantLeft: 60 * time.Second},
		{name: "inside threshold reopens", remaining: 3 * time.Second, threshold: 10 * time.Second, window: 30 * time.Second, moved: true, wantLeft: 30 * time.Second},
		{name: "at threshold reopens", remaining: 10 * time.Second, threshold: 10 * time.Second, window: 30 * time.Second, moved: true, wantLeft: 30 * time.Second},
		{name: "window shorter than remaining never shortens", remaining: 8 * time.Second, threshold: 10 * time.Second, window: 5 * time.Second, moved: false, wantLeft: 8 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, clock, _ := newTestCountdown(t)
			c.Reset(tt.remaining)

			deadline, moved := c.Extend(tt.threshold, tt.window)
			assert.Equal(t, tt.moved, moved)
			assert.Equal(t, clock.Now().Add(tt.wantLeft), deadline)
			assert.Equal(t, tt.wantLeft, c.Remaining())
		})
	}
}

func TestCountdown_ExtendIsNotAdditive(t *testing.T) {
	c, clock, fired := newTestCountdown(t)
	c.Reset(5 * time.Second)

	first, moved := c.Extend(10*time.Second, 20*time.Second)
	require.True(t, moved)

	// A second late bid at the same instant lands on the same reopened deadline.
	second, moved := c.Extend(10*time.Second, 20*time.Second)
	assert.False(t, moved)
	assert.Equal(t, first, second)

	clock.Advance(20 * time.Second)
	e := waitExpiry(t, fired)
	assert.Equal(t, first, e.Deadline)
}

func TestCountdown_ExtendUnarmedIsNoop(t *testing.T) {
	c, _, _ := newTestCountdown(t)
	_, moved := c.Extend(time.Minute, time.Minute)
	assert.False(t, moved)
	assert.False(t, c.Armed())
}

func TestCountdown_StaleGenerationAfterReset(t *testing.T) {
	c, clock, fired := newTestCountdown(t)

	c.Reset(time.Second)
	clock.Advance(time.Second)
	stale := waitExpiry(t, fired)

	c.Reset(time.Minute)
	assert.False(t, c.Current(stale.Generation))
}
