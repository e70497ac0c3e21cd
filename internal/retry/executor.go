package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultMaxAttempts bounds the attempt loop when none is configured.
const DefaultMaxAttempts = 3

// StatusError is implemented by errors that carry an HTTP status.
type StatusError interface {
	error
	StatusCode() int
	ResponseBody() string
}

// stopError marks an error that must not be retried.
type stopError struct{ err error }

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

// Stop wraps err so the attempt loop gives up immediately.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

// IsStop reports whether err was wrapped with Stop.
func IsStop(err error) bool {
	var s *stopError
	return errors.As(err, &s)
}

// Attempt describes a retry about to happen.
type Attempt struct {
	Number int // 0-based attempt that failed
	Status int
	Policy Policy
	Delay  time.Duration
	Err    error
}

// Executor runs the attempt loop.
type Executor struct {
	MaxAttempts int
	Logger      zerolog.Logger

	// OnRetry is called before each wait.
	OnRetry func(Attempt)

	// Wait sleeps for d or until ctx is done. Tests replace it.
	Wait func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor with the default wait.
func NewExecutor(maxAttempts int) *Executor {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Executor{
		MaxAttempts: maxAttempts,
		Logger:      log.Logger,
		Wait:        sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Classify extracts the status and error text used to pick a policy.
// Timeouts and transport failures count as 408; caller cancellation and
// other errors without a status count as 0.
func Classify(err error) (status int, text string) {
	var se StatusError
	if errors.As(err, &se) {
		return se.StatusCode(), se.ResponseBody()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return 408, err.Error()
	}
	if errors.Is(err, context.Canceled) {
		return 0, err.Error()
	}
	if isTransportError(err) {
		return 408, err.Error()
	}
	return 0, err.Error()
}

// isTransportError reports whether err came from the connection rather
// than from the backend's answer.
func isTransportError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}

// Do calls fn until it succeeds, the failure is not retryable, or attempts
// run out. rotate tells fn to pick a different credential.
func Do[T any](ctx context.Context, e *Executor, fn func(ctx context.Context, attempt int, rotate bool) (T, error)) (T, error) {
	var zero T
	maxAttempts := e.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	wait := e.Wait
	if wait == nil {
		wait = sleepContext
	}

	var last Policy
	for attempt := 0; attempt < maxAttempts; attempt++ {
		rotate := attempt > 0 && last.Rotate

		result, err := fn(ctx, attempt, rotate)
		if err == nil {
			if attempt > 0 {
				e.Logger.Info().Int("attempt", attempt+1).Msg("retry succeeded")
			}
			return result, nil
		}

		var stop *stopError
		if errors.As(err, &stop) {
			e.Logger.Warn().Err(stop.err).Int("attempt", attempt+1).Msg("retry stopped")
			return zero, stop.err
		}
		if ctx.Err() != nil {
			return zero, err
		}

		status, text := Classify(err)
		last = DetermineStrategy(status, text)

		if !last.Retryable() {
			e.Logger.Warn().Err(err).Int("status", status).Msg("non-retryable upstream error")
			return zero, err
		}
		if attempt+1 >= maxAttempts {
			e.Logger.Warn().Err(err).Int("max_attempts", maxAttempts).Msg("retry attempts exhausted")
			return zero, err
		}

		delay := last.NextDelay(attempt)
		e.Logger.Info().
			Int("attempt", attempt+1).
			Int("max_attempts", maxAttempts).
			Int("status", status).
			Str("strategy", string(last.Strategy)).
			Dur("delay", delay).
			Bool("rotate", last.Rotate).
			Msg("retrying upstream call")
		if e.OnRetry != nil {
			e.OnRetry(Attempt{Number: attempt, Status: status, Policy: last, Delay: delay, Err: err})
		}

		if werr := wait(ctx, delay); werr != nil {
			return zero, fmt.Errorf("retry cancelled: %w", werr)
		}
	}
	return zero, fmt.Errorf("no attempts made")
}
