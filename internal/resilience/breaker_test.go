package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDial = errors.New("dial failed")

func tripAfter(n uint32) Settings {
	return Settings{
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= n },
	}
}

func TestBreakerPassesThroughWhenClosed(t *testing.T) {
	b := New("test", Settings{})

	err := b.Do(func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())

	err = b.Do(func() error { return errDial })
	assert.ErrorIs(t, err, errDial)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerTripsOnConsecutiveFailures(t *testing.T) {
	b := New("test", tripAfter(3))

	for i := 0; i < 3; i++ {
		_ = b.Do(func() error { return errDial })
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Do(func() error {
		t.Fatal("fn must not run while open")
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	b := New("test", tripAfter(3))

	_ = b.Do(func() error { return errDial })
	_ = b.Do(func() error { return errDial })
	_ = b.Do(func() error { return nil })
	_ = b.Do(func() error { return errDial })
	_ = b.Do(func() error { return errDial })

	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	s := tripAfter(1)
	s.Timeout = 20 * time.Millisecond
	b := New("test", s)

	_ = b.Do(func() error { return errDial })
	require.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	s := tripAfter(1)
	s.Timeout = 20 * time.Millisecond
	b := New("test", s)

	_ = b.Do(func() error { return errDial })
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	_ = b.Do(func() error { return errDial })
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenLimitsProbes(t *testing.T) {
	s := tripAfter(1)
	s.Timeout = 20 * time.Millisecond
	s.MaxRequests = 1
	b := New("test", s)

	_ = b.Do(func() error { return errDial })
	time.Sleep(30 * time.Millisecond)

	release := make(chan struct{})
	go func() {
		_ = b.Do(func() error { <-release; return nil })
	}()
	time.Sleep(10 * time.Millisecond)

	err := b.Do(func() error { return nil })
	assert.ErrorIs(t, err, ErrTooManyRequests)
	close(release)
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	s := tripAfter(1)
	s.OnStateChange = func(name string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}
	b := New("test", s)

	_ = b.Do(func() error { return errDial })
	assert.Equal(t, []string{"closed->open"}, transitions)
}

func TestBreakerCountsReset(t *testing.T) {
	b := New("test", tripAfter(5))

	_ = b.Do(func() error { return errDial })
	_ = b.Do(func() error { return nil })

	c := b.Counts()
	assert.Equal(t, uint32(2), c.Requests)
	assert.Equal(t, uint32(1), c.TotalFailures)
	assert.Equal(t, uint32(1), c.TotalSuccesses)
	assert.Equal(t, uint32(0), c.ConsecutiveFailures)
}
