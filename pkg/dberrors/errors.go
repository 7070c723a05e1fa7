package dberrors

import "errors"

var (
	// ErrNotFound is returned when a key is absent. It is an expected outcome, not a failure.
	ErrNotFound           = errors.New("dblight: not found")
	ErrInvalidShardID     = errors.New("dblight: invalid shard id")
	ErrStorageUnavailable = errors.New("dblight: storage unavailable")
	ErrFlushFailure       = errors.New("dblight: flush failure")
	ErrCapacityExhausted  = errors.New("dblight: cache capacity exhausted")
	// ErrTimeout is retryable: the operation was abandoned before mutating any state.
	ErrTimeout       = errors.New("dblight: timeout")
	ErrClosed        = errors.New("dblight: closed")
	ErrInvalidConfig = errors.New("dblight: invalid config")
)

// IsRetryable reports whether err is worth retrying as-is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrFlushFailure) ||
		errors.Is(err, ErrStorageUnavailable)
}
