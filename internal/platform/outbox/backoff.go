package outbox

import "time"

// Backoff returns the delay before the retry that follows failed attempt
// number attempt (1-based): base*2^(attempt-1), scaled by a jitter factor in
// [1-jitter, 1+jitter] chosen by r in [0, 1), and never above max.
//
// With jitter below 1/3 successive delays strictly increase until the cap.
func Backoff(attempt int, base, max time.Duration, jitter, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := max
	if shift := attempt - 1; shift < 62 {
		if d := base << uint(shift); d > 0 && d < max {
			delay = d
		}
	}

	d := time.Duration(float64(delay) * (1 + jitter*(2*r-1)))
	if d > max {
		d = max
	}
	if d < 0 {
		d = 0
	}
	return d
}
