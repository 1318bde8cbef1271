// Package retry runs an operation with exponential backoff until it
// succeeds, fails permanently, or runs out of attempts.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/c360/semflow/errors"
)

// PermanentError marks a failure that retrying cannot fix
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent stops the retry loop and returns err to the caller
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Config bounds a retry loop
type Config struct {
	MaxAttempts  int           // total attempts, at least one
	InitialDelay time.Duration // delay after the first failure
	MaxDelay     time.Duration // upper bound for any delay
	Multiplier   float64       // growth per attempt; 1 keeps the delay constant
	Jitter       bool          // add up to 25% random delay
}

// DefaultConfig suits short network operations
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		Jitter:       true,
	}
}

// Startup suits dependencies that may come up after the process, such as
// a NATS server started alongside it
func Startup() Config {
	return Config{
		MaxAttempts:  10,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   1.5,
		Jitter:       true,
	}
}

func (c Config) normalize() (Config, error) {
	if c.InitialDelay < 0 || c.MaxDelay < 0 || c.Multiplier < 0 {
		return c, errors.WrapInvalid(errors.ErrInvalidConfig, "retry", "Do", "negative delay or multiplier")
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2
	}
	if c.MaxDelay < c.InitialDelay {
		return c, errors.WrapInvalid(errors.ErrInvalidConfig, "retry", "Do", "max delay below initial delay")
	}
	return c, nil
}

// next returns the delay that follows d
func (c Config) next(d time.Duration) time.Duration {
	n := float64(d) * c.Multiplier
	if n >= float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(n)
}

func (c Config) sleepFor(d time.Duration) time.Duration {
	if !c.Jitter || d < 4 {
		return d
	}
	return d + rand.N(d/4)
}

// Do calls fn until it returns nil, returns a Permanent error, ctx ends or
// the attempts are used up. Exhaustion is reported as a transient error
// wrapping the last failure.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg, err := cfg.normalize()
	if err != nil {
		return err
	}

	delay := cfg.InitialDelay
	var last error
	for attempt := 1; ; attempt++ {
		if last = fn(); last == nil {
			return nil
		}
		if IsPermanent(last) {
			return last
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(cfg.sleepFor(delay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.WrapTransient(ctx.Err(), "retry", "Do",
				fmt.Sprintf("cancelled after attempt %d: %v", attempt, last))
		case <-timer.C:
		}
		delay = cfg.next(delay)
	}

	return errors.WrapTransient(last, "retry", "Do", fmt.Sprintf("gave up after %d attempts", cfg.MaxAttempts))
}

// DoValue is Do for operations that produce a value
func DoValue[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var out T
	err := Do(ctx, cfg, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
