package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semflow/errors"
)

func fast(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast(3), func() error {
		calls++
		if calls < 3 {
			return stderrors.New("busy")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_Exhausted(t *testing.T) {
	cause := stderrors.New("down")
	calls := 0
	err := Do(context.Background(), fast(4), func() error {
		calls++
		return cause
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.ErrorIs(t, err, cause)
	assert.True(t, errors.IsTransient(err))
	assert.Contains(t, err.Error(), "gave up after 4 attempts")
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	cause := stderrors.New("bad input")
	err := Do(context.Background(), fast(5), func() error {
		calls++
		return Permanent(cause)
	})
	assert.Equal(t, 1, calls)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, Permanent(nil))
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 10, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 1}
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Do(ctx, cfg, func() error { return stderrors.New("fail") })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDo_InvalidConfig(t *testing.T) {
	err := Do(context.Background(), Config{InitialDelay: -1}, func() error { return nil })
	assert.True(t, errors.IsInvalid(err))

	err = Do(context.Background(), Config{InitialDelay: time.Second, MaxDelay: time.Millisecond}, func() error { return nil })
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestConfig_Backoff(t *testing.T) {
	cfg, err := Config{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 3}.normalize()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Millisecond, cfg.next(10*time.Millisecond))
	assert.Equal(t, 50*time.Millisecond, cfg.next(30*time.Millisecond))

	cfg.Jitter = true
	for range 20 {
		d := cfg.sleepFor(40 * time.Millisecond)
		assert.GreaterOrEqual(t, d, 40*time.Millisecond)
		assert.Less(t, d, 50*time.Millisecond)
	}
}

func TestDoValue(t *testing.T) {
	calls := 0
	v, err := DoValue(context.Background(), fast(3), func() (string, error) {
		calls++
		if calls == 1 {
			return "", stderrors.New("once")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}
