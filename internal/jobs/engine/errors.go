package engine

import (
	"errors"
	"time"
)

// Enqueue outcomes.
var (
	ErrDisabled    = errors.New("engine: disabled")
	ErrStopped     = errors.New("engine: not running")
	ErrStopping    = errors.New("engine: shutting down")
	ErrQueueFull   = errors.New("engine: queue full")
	ErrOverlapSkip = errors.New("engine: same key already queued or running")
	ErrCircuitOpen = errors.New("engine: circuit open")
)

// outcome wraps a job error with a retry instruction for the worker.
type outcome struct {
	err       error
	permanent bool
	after     time.Duration
}

func (o *outcome) Error() string { return o.err.Error() }
func (o *outcome) Unwrap() error { return o.err }

// NoRetry stops the worker from retrying err. The job fails with err itself.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &outcome{err: err, permanent: true}
}

// RetryAfter asks for the next attempt after d instead of the exponential
// backoff. The wait is still capped by RetryMaxDelay.
func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &outcome{err: err, after: max(d, 0)}
}

func permanent(err error) (error, bool) {
	var o *outcome
	if errors.As(err, &o) && o.permanent {
		return o.err, true
	}
	return err, false
}

func retryHint(err error) (time.Duration, bool) {
	var o *outcome
	if errors.As(err, &o) && !o.permanent {
		return o.after, true
	}
	return 0, false
}
