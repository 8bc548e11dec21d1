package breaker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-notification-service/internal/breaker"
	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

var errDependency = errors.New("redis: connection refused")

func testOptions() breaker.Options {
	return breaker.Options{
		ErrorThresholdPercentage: 50,
		VolumeThreshold:          4,
		RollingWindow:            10 * time.Second,
		WindowBuckets:            10,
		ResetTimeout:             30 * time.Second,
		HalfOpenMaxProbes:        1,
	}
}

func fail(context.Context) error    { return errDependency }
func succeed(context.Context) error { return nil }

// tripBreaker drives the breaker to OPEN with failing calls.
func tripBreaker(t *testing.T, b *breaker.Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_ = b.Execute(context.Background(), fail)
	}
	require.Equal(t, breaker.StateOpen, b.State())
}

func TestBreaker_OpensAfterVolumeThreshold(t *testing.T) {
	mock := clock.NewMock()
	b := breaker.New("store", testOptions(), mock)

	// 1. Below the volume threshold the breaker stays closed even at 100% failures.
	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), fail)
		require.ErrorIs(t, err, errDependency)
	}
	assert.Equal(t, breaker.StateClosed, b.State())

	// 2. The fourth failure reaches the volume threshold and trips it.
	_ = b.Execute(context.Background(), fail)
	assert.Equal(t, breaker.StateOpen, b.State())

	// 3. Open short-circuits without invoking the call.
	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.Equal(t, notification.KindCircuitOpen, notification.KindOf(err))
	assert.Equal(t, 30*time.Second, notification.RetryAfterOf(err))

	snap := b.Snapshot()
	assert.Equal(t, int64(4), snap.Counters.Fires)
	assert.Equal(t, int64(4), snap.Counters.Failures)
	assert.Equal(t, int64(1), snap.Counters.Rejects)
	assert.Equal(t, mock.Now().Add(30*time.Second), snap.NextProbeAt)
}

func TestBreaker_FailureRateBelowThresholdStaysClosed(t *testing.T) {
	b := breaker.New("store", testOptions(), clock.NewMock())

	_ = b.Execute(context.Background(), fail)
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Execute(context.Background(), succeed))
	}
	assert.Equal(t, breaker.StateClosed, b.State())
	assert.InDelta(t, 20.0, b.Snapshot().FailureRate, 0.01)
}

func TestBreaker_WindowRollsOff(t *testing.T) {
	mock := clock.NewMock()
	b := breaker.New("store", testOptions(), mock)

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), fail)
	}
	// Old failures leave the rolling window before the next one arrives.
	mock.Add(11 * time.Second)
	_ = b.Execute(context.Background(), fail)

	assert.Equal(t, breaker.StateClosed, b.State())
	assert.Equal(t, 1, b.Snapshot().WindowRequests)
}

func TestBreaker_HalfOpenAdmitsExactlyOneProbe(t *testing.T) {
	mock := clock.NewMock()
	b := breaker.New("store", testOptions(), mock)
	tripBreaker(t, b, 4)

	mock.Add(30 * time.Second)
	require.Equal(t, breaker.StateHalfOpen, b.State())

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	var probeErr error
	go func() {
		defer wg.Done()
		probeErr = b.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// A second caller during the probe is rejected.
	err := b.Execute(context.Background(), succeed)
	assert.Equal(t, notification.KindCircuitOpen, notification.KindOf(err))

	close(release)
	wg.Wait()
	require.NoError(t, probeErr)
	assert.Equal(t, breaker.StateClosed, b.State())
}

func TestBreaker_ProbeFailureReopensAndRestartsTimer(t *testing.T) {
	mock := clock.NewMock()
	b := breaker.New("store", testOptions(), mock)
	tripBreaker(t, b, 4)

	mock.Add(30 * time.Second)
	require.Equal(t, breaker.StateHalfOpen, b.State())

	err := b.Execute(context.Background(), fail)
	require.ErrorIs(t, err, errDependency)
	assert.Equal(t, breaker.StateOpen, b.State())

	// The reset timeout restarts from the probe failure.
	mock.Add(29 * time.Second)
	assert.Equal(t, breaker.StateOpen, b.State())
	mock.Add(time.Second)
	assert.Equal(t, breaker.StateHalfOpen, b.State())
}

func TestBreaker_StateChangeListener(t *testing.T) {
	mock := clock.NewMock()
	b := breaker.New("store", testOptions(), mock)

	var mu sync.Mutex
	var seen []string
	b.OnStateChange(func(name string, from, to breaker.State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, from.String()+"->"+to.String())
	})

	tripBreaker(t, b, 4)
	mock.Add(30 * time.Second)
	require.NoError(t, b.Execute(context.Background(), succeed))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, seen)
}

func TestBreaker_ForceOverridesEvaluation(t *testing.T) {
	t.Run("Forced OPEN rejects healthy calls", func(t *testing.T) {
		b := breaker.New("store", testOptions(), clock.NewMock())
		require.NoError(t, b.Force(breaker.StateOpen))

		err := b.Execute(context.Background(), succeed)
		assert.Equal(t, notification.KindCircuitOpen, notification.KindOf(err))
		assert.True(t, b.Snapshot().Forced)

		b.ClearForce()
		assert.NoError(t, b.Execute(context.Background(), succeed))
		assert.False(t, b.Snapshot().Forced)
	})

	t.Run("Forced CLOSED ignores failures", func(t *testing.T) {
		b := breaker.New("store", testOptions(), clock.NewMock())
		require.NoError(t, b.Force(breaker.StateClosed))

		for i := 0; i < 10; i++ {
			_ = b.Execute(context.Background(), fail)
		}
		assert.Equal(t, breaker.StateClosed, b.State())
	})

	t.Run("HALF_OPEN cannot be forced", func(t *testing.T) {
		b := breaker.New("store", testOptions(), clock.NewMock())
		err := b.Force(breaker.StateHalfOpen)
		assert.ErrorIs(t, err, notification.ErrValidation)
	})
}

func TestBreaker_CallerErrorsDoNotTrip(t *testing.T) {
	b := breaker.New("store", testOptions(), clock.NewMock())
	for i := 0; i < 10; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error {
			return notification.NewValidationError("op", "bad input")
		})
	}
	assert.Equal(t, breaker.StateClosed, b.State())
	assert.Equal(t, int64(10), b.Snapshot().Counters.Successes)
}

func TestBreaker_TimeoutCountsAsFailure(t *testing.T) {
	opts := testOptions()
	opts.Timeout = 20 * time.Millisecond
	b := breaker.New("store", opts, clock.New())

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, notification.KindTimeout, notification.KindOf(err))

	snap := b.Snapshot()
	assert.Equal(t, int64(1), snap.Counters.Timeouts)
	assert.Equal(t, int64(1), snap.Counters.Failures)
}

func TestDo_Fallback(t *testing.T) {
	mock := clock.NewMock()
	b := breaker.New("store", testOptions(), mock)

	t.Run("Success returns value", func(t *testing.T) {
		v, err := breaker.Do(context.Background(), b, func(context.Context) (int, error) { return 42, nil }, nil)
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	})

	t.Run("Failure uses fallback", func(t *testing.T) {
		v, err := breaker.Do(context.Background(), b,
			func(context.Context) (int, error) { return 0, errDependency },
			func(_ context.Context, err error) (int, error) {
				assert.ErrorIs(t, err, errDependency)
				return -1, nil
			})
		require.NoError(t, err)
		assert.Equal(t, -1, v)
	})

	t.Run("Open breaker goes straight to fallback", func(t *testing.T) {
		tripBreaker(t, b, 4)
		called := false
		v, err := breaker.Do(context.Background(), b,
			func(context.Context) (int, error) { called = true; return 1, nil },
			func(_ context.Context, err error) (int, error) {
				assert.ErrorIs(t, err, notification.ErrCircuitOpen)
				return 7, nil
			})
		require.NoError(t, err)
		assert.Equal(t, 7, v)
		assert.False(t, called)
		assert.Equal(t, int64(2), b.Snapshot().Counters.Fallbacks)
	})

	t.Run("No fallback surfaces the error", func(t *testing.T) {
		_, err := breaker.Do[int](context.Background(), b,
			func(context.Context) (int, error) { return 1, nil }, nil)
		assert.ErrorIs(t, err, notification.ErrCircuitOpen)
	})
}

func TestRegistry(t *testing.T) {
	mock := clock.NewMock()
	overrides := map[string]breaker.Options{"fragile": {VolumeThreshold: 1, ErrorThresholdPercentage: 1, ResetTimeout: time.Second}}
	reg := breaker.NewRegistry(testOptions(), overrides, mock, nil, zerolog.Nop())

	a := reg.Get(breaker.EventStoreWrite)
	assert.Same(t, a, reg.Get(breaker.EventStoreWrite))

	fragile := reg.Get("fragile")
	_ = fragile.Execute(context.Background(), fail)
	assert.Equal(t, breaker.StateOpen, fragile.State())

	assert.InDelta(t, 0.5, reg.HealthyRatio(), 0.001)

	snaps := reg.Snapshot()
	require.Len(t, snaps, 2)
	assert.Equal(t, breaker.EventStoreWrite, snaps[0].Name)
	assert.Equal(t, "fragile", snaps[1].Name)

	err := reg.Force("missing", breaker.StateOpen)
	assert.ErrorIs(t, err, notification.ErrNotFound)

	require.NoError(t, reg.Force(breaker.EventStoreWrite, breaker.StateOpen))
	assert.Equal(t, breaker.StateOpen, a.State())
	require.NoError(t, reg.ClearForce(breaker.EventStoreWrite))
	assert.Equal(t, breaker.StateClosed, a.State())
}

func TestParseState(t *testing.T) {
	for _, s := range []breaker.State{breaker.StateClosed, breaker.StateOpen, breaker.StateHalfOpen} {
		parsed, err := breaker.ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := breaker.ParseState("ajar")
	assert.Error(t, err)
}
