package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRegistry(clock *fakeClock, slept *[]time.Duration) *Registry {
	return NewRegistry(
		WithClock(clock.Now),
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			if slept != nil {
				*slept = append(*slept, d)
			}
			return nil
		}),
	)
}

func TestBackoffBounds(t *testing.T) {
	base := 100 * time.Millisecond
	max := 5000 * time.Millisecond

	for i := 0; i < 1000; i++ {
		d := Backoff(4, base, max, nil)
		assert.LessOrEqual(t, d, max)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
	}

	// Jitter extremes for attempt 4: 800ms ± 25%.
	assert.Equal(t, 600*time.Millisecond, Backoff(4, base, max, func() float64 { return 0 }))
	assert.Equal(t, 1000*time.Millisecond, Backoff(4, base, max, func() float64 { return 1 }))
}

func TestBackoffCapAndFloor(t *testing.T) {
	assert.Equal(t, 5*time.Second, Backoff(20, time.Second, 5*time.Second, func() float64 { return 0.5 }))
	assert.Equal(t, 10*time.Millisecond, Backoff(1, time.Millisecond, time.Second, func() float64 { return 0.5 }))
	assert.Equal(t, 10*time.Millisecond, Backoff(0, 0, 0, nil))
}

func TestExecuteRetriesTransientErrors(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	var slept []time.Duration
	registry := newTestRegistry(clock, &slept)

	calls := 0
	err := registry.Execute(context.Background(), Options{
		MaxRetries:   3,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		OperationKey: "store_write",
	}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, slept, 2)
	assert.Equal(t, 0, registry.Failures("store_write"))
}

func TestExecuteStopsOnNonTransientError(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	registry := newTestRegistry(clock, nil)

	calls := 0
	err := registry.Execute(context.Background(), StoreWrite("store_write"), func(ctx context.Context) error {
		calls++
		return errors.New("unique constraint violated")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, registry.Failures("store_write"))
}

func TestExecuteRetryableSentinel(t *testing.T) {
	errBusy := errors.New("busy")
	registry := newTestRegistry(&fakeClock{now: time.Now()}, nil)

	calls := 0
	err := registry.Execute(context.Background(), Options{
		MaxRetries:   2,
		BaseDelay:    time.Millisecond,
		MaxDelay:     time.Millisecond,
		OperationKey: "op",
		Retryable:    []error{errBusy},
	}, func(ctx context.Context) error {
		calls++
		return errors.Wrap(errBusy, "write failed")
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, errBusy))
	assert.Equal(t, 3, calls)
}

func TestExecuteContractErrorFailsFast(t *testing.T) {
	registry := newTestRegistry(&fakeClock{now: time.Now()}, nil)

	calls := 0
	err := registry.Execute(context.Background(), StoreWrite("store_write"), func(ctx context.Context) error {
		calls++
		return Contract("record without identifier")
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrContract))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, registry.Failures("store_write"))
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	registry := newTestRegistry(clock, nil)
	opts := Options{OperationKey: "store_write"}

	calls := 0
	failing := func(ctx context.Context) error {
		calls++
		return errors.New("connection lost")
	}

	for i := 0; i < 5; i++ {
		err := registry.Execute(context.Background(), opts, failing)
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrCircuitOpen), "call %d should reach the operation", i+1)
	}
	assert.Equal(t, 5, calls)
	assert.Equal(t, StateOpen, registry.State("store_write"))

	err := registry.Execute(context.Background(), opts, failing)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, 5, calls, "open breaker must not invoke the operation")

	// Other keys are unaffected.
	require.NoError(t, registry.Execute(context.Background(), Options{OperationKey: "checkpoint"}, func(ctx context.Context) error { return nil }))

	clock.Advance(DefaultOpenTimeout)
	assert.Equal(t, StateHalfOpen, registry.State("store_write"))

	err = registry.Execute(context.Background(), opts, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 6, calls)
	assert.Equal(t, StateClosed, registry.State("store_write"))
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	registry := newTestRegistry(clock, nil)

	tripped := 0
	registry.onOpen = func(key string) { tripped++ }

	for i := 0; i < 5; i++ {
		_ = registry.Execute(context.Background(), Options{OperationKey: "k"}, func(ctx context.Context) error {
			return fmt.Errorf("fail %d", i)
		})
	}
	assert.Equal(t, 1, tripped)

	clock.Advance(2 * DefaultOpenTimeout)
	_ = registry.Execute(context.Background(), Options{OperationKey: "k"}, func(ctx context.Context) error {
		return errors.New("still failing")
	})
	assert.Equal(t, StateOpen, registry.State("k"))
	assert.Equal(t, 2, tripped)
}

func TestCircuitBreakerForgetsSpreadOutFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	registry := newTestRegistry(clock, nil)
	opts := Options{OperationKey: "store_write"}

	for i := 0; i < 5; i++ {
		_ = registry.Execute(context.Background(), opts, func(ctx context.Context) error {
			return errors.New("connection lost")
		})
		clock.Advance(10 * time.Minute)
	}

	assert.Equal(t, StateClosed, registry.State("store_write"))
	assert.Equal(t, 1, registry.Failures("store_write"))

	for i := 0; i < 5; i++ {
		_ = registry.Execute(context.Background(), opts, func(ctx context.Context) error {
			return errors.New("connection lost")
		})
		clock.Advance(time.Second)
	}
	assert.Equal(t, StateOpen, registry.State("store_write"))
}

func TestExecuteHonorsContextCancellation(t *testing.T) {
	registry := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := registry.Execute(ctx, Options{
		MaxRetries:   5,
		BaseDelay:    time.Hour,
		MaxDelay:     time.Hour,
		OperationKey: "slow",
	}, func(ctx context.Context) error {
		calls++
		cancel()
		return MarkTransient(errors.New("flaky"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, registry.Failures("slow"))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err      error
		expected bool
	}{
		{errors.New("read tcp: i/o timeout"), true},
		{errors.New("Deadlock found when trying to get lock"), true},
		{errors.New("pq: too many connections for role"), true},
		{MarkTransient(errors.New("custom")), true},
		{errors.New("syntax error at or near"), false},
		{Contract("bad input timeout"), false},
		{nil, false},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, IsTransient(test.err, nil), "error: %v", test.err)
	}
}

func TestPresets(t *testing.T) {
	store := StoreWrite("store_write")
	meta := MetadataWrite("checkpoint")

	assert.Less(t, store.MaxRetries, meta.MaxRetries)
	assert.Greater(t, store.BaseDelay, meta.BaseDelay)
	assert.Equal(t, "store_write", store.OperationKey)
	assert.Equal(t, "checkpoint", meta.OperationKey)
}
