package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrCircuitOpen is returned without calling the operation while its breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTransient marks an error as safe to retry regardless of its message.
	ErrTransient = errors.New("transient failure")

	// ErrContract marks programmer errors (bad arguments reaching a store helper).
	// They are never retried and never count against a breaker.
	ErrContract = errors.New("contract violation")
)

const (
	minDelay       = 10 * time.Millisecond
	jitterFraction = 0.25
)

// Options configures a single Execute call.
type Options struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	OperationKey string
	// Retryable lists sentinel errors that are retried when matched with errors.Is.
	Retryable []error
}

// StoreWrite is the preset for record-store writes: few retries, larger delays.
func StoreWrite(key string) Options {
	return Options{
		MaxRetries:   3,
		BaseDelay:    200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		OperationKey: key,
	}
}

// MetadataWrite is the preset for small checkpoint and marker writes.
func MetadataWrite(key string) Options {
	return Options{
		MaxRetries:   5,
		BaseDelay:    50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		OperationKey: key,
	}
}

var transientVocabulary = []string{
	"timeout",
	"timed out",
	"deadlock",
	"connection lost",
	"connection reset",
	"connection refused",
	"conn closed",
	"broken pipe",
	"database is locked",
	"database table is locked",
	"sqlite_busy",
	"too many connections",
	"lock wait",
	"server has gone away",
	"temporarily unavailable",
	"try again",
	"i/o timeout",
}

// MarkTransient tags err so that Execute retries it.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrTransient)
}

// Contract builds a contract error that fails fast.
func Contract(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrContract)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error, retryable []error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrContract) {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	for _, target := range retryable {
		if errors.Is(err, target) {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, word := range transientVocabulary {
		if strings.Contains(msg, word) {
			return true
		}
	}
	return false
}

// Backoff returns the delay before retry number attempt (1-based):
// base*2^(attempt-1) with ±25% jitter, capped at max and never below 10ms.
func Backoff(attempt int, base, max time.Duration, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if rnd == nil {
		rnd = rand.Float64
	}

	delay := float64(base) * math.Pow(2, float64(attempt-1))
	delay += delay * jitterFraction * (2*rnd() - 1)

	if max > 0 && delay > float64(max) {
		delay = float64(max)
	}
	if delay < float64(minDelay) || math.IsNaN(delay) {
		delay = float64(minDelay)
	}
	return time.Duration(delay)
}

// Execute runs op under the breaker for opts.OperationKey, retrying transient
// failures with exponential backoff.
func (r *Registry) Execute(ctx context.Context, opts Options, op func(ctx context.Context) error) error {
	key := opts.OperationKey
	if key == "" {
		key = "default"
	}

	if !r.allow(key) {
		return errors.WithHintf(
			errors.Wrapf(ErrCircuitOpen, "operation %q", key),
			"the breaker closes again %s after the last failure", r.openTimeout)
	}

	var err error
	attempt := 0
	for {
		attempt++

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		err = op(ctx)
		if err == nil {
			r.recordSuccess(key)
			return nil
		}

		if errors.Is(err, ErrContract) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		if !IsTransient(err, opts.Retryable) || attempt > opts.MaxRetries {
			break
		}

		delay := Backoff(attempt, opts.BaseDelay, opts.MaxDelay, r.rnd)
		slog.Debug("Retrying operation", "operation", key, "attempt", attempt, "delay", delay.String(), "error", err)

		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}

	r.recordFailure(key)
	return errors.Wrapf(err, "operation %q failed after %d attempt(s)", key, attempt)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
