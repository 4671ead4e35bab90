package delivery

import "time"

// DefaultLadder holds the delay before each attempt number (1-based):
// attempt 1 runs immediately, attempt 2 after 60s, and so on. The ladder
// length is the attempt budget; after the last rung fails the pair is
// dead-lettered.
var DefaultLadder = []time.Duration{
	0,
	60 * time.Second,
	300 * time.Second,
	1800 * time.Second,
	7200 * time.Second,
	21600 * time.Second,
}

// DelayFor returns the wait before the given attempt number. Attempts past
// the end of the ladder reuse the final delay.
func DelayFor(ladder []time.Duration, attempt int) time.Duration {
	if len(ladder) == 0 {
		ladder = DefaultLadder
	}
	idx := attempt - 1
	if idx < 0 {
		return 0
	}
	if idx >= len(ladder) {
		return ladder[len(ladder)-1]
	}
	return ladder[idx]
}

// IsSuccess reports whether an HTTP status counts as delivered.
func IsSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
