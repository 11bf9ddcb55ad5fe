package messenger

import "time"

const (
	// retryBaseDelay is the wait after the first transient failure of a
	// catch-up fetch; it doubles with each consecutive failure.
	retryBaseDelay = 2 * time.Second

	// retryMaxDelay is the ceiling for catch-up retry backoff.
	retryMaxDelay = 2 * time.Minute

	// maxRetryShift caps the exponent so the delay cannot overflow.
	maxRetryShift = 10
)

// retryDelay returns the backoff after the given number of consecutive
// transient failures.
func retryDelay(failures int) time.Duration {
	shift := min(max(failures-1, 0), maxRetryShift)
	return min(retryBaseDelay*time.Duration(1<<shift), retryMaxDelay)
}
