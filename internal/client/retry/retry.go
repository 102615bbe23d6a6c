// Package retry decides when a failed outbox operation may be sent again.
package retry

import "time"

const (
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 60 * time.Second
	DefaultMaxRetries = 5
)

// Policy is an exponential backoff with a ceiling on delay and attempts
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// DefaultPolicy waits 1s, 2s, 4s ... up to a minute, for at most five retries
var DefaultPolicy = Policy{
	BaseDelay:  DefaultBaseDelay,
	MaxDelay:   DefaultMaxDelay,
	MaxRetries: DefaultMaxRetries,
}

// CalculateRetryDelay returns min(base * 2^retryCount, max).
// Negative counts are treated as zero; large counts saturate at max.
func CalculateRetryDelay(retryCount int, base, max time.Duration) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < retryCount; i++ {
		if d >= max || d > max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// Delay is the wait before the attempt following retryCount failures
func (p Policy) Delay(retryCount int) time.Duration {
	return CalculateRetryDelay(retryCount, p.BaseDelay, p.MaxDelay)
}

// Exhausted reports whether retryCount failures use up the retry budget
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}

// Eligible reports whether a failed operation may be retried at now.
// lastAttempt is when the most recent failure was recorded; a nil value
// means the failure time is unknown and the operation is eligible at once.
func (p Policy) Eligible(retryCount int, lastAttempt *time.Time, now time.Time) bool {
	if p.Exhausted(retryCount) {
		return false
	}
	if lastAttempt == nil {
		return true
	}
	return !now.Before(lastAttempt.Add(p.Delay(retryCount - 1)))
}
