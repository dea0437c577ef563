package connmgr

import "time"

// MaxBackoff caps the delay between reconnect attempts
const MaxBackoff = time.Millisecond * 300000

// BackoffDelay is min(base * 2^(attempt-1), MaxBackoff).  Attempts count
// from 1.
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	d := base
	for i := 1; i < attempt; i++ {
		if d >= MaxBackoff/2 {
			return MaxBackoff
		}
		d *= 2
	}

	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}
