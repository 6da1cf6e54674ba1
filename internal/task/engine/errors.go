package engine

import "errors"

var (
	ErrDisabled    = errors.New("job engine disabled")
	ErrStopped     = errors.New("job engine stopped")
	ErrStopping    = errors.New("job engine stopping")
	ErrQueueFull   = errors.New("job engine queue full")
	ErrOverlapSkip = errors.New("job already queued or running")
	ErrCircuitOpen = errors.New("job skipped: circuit breaker open")
)

// NoRetry marks an error as permanent so the engine reports it without
// retrying. Sync jobs use it because the next tick is their retry.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }
