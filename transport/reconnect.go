package transport

import (
	"math"
	"time"
)

// ReconnectDelay returns the wait before reconnect attempt n (1-based),
// growing geometrically from the configured initial interval up to the cap.
// Unset values fall back to 1s, x1.5 and 60s.
func ReconnectDelay(cfg Config, attempt int) time.Duration {
	initial := cfg.GetReconnectInitial()
	if initial <= 0 {
		initial = time.Second
	}
	multiplier := cfg.GetReconnectMultiplier()
	if multiplier < 1 {
		multiplier = 1.5
	}
	maxInterval := cfg.GetReconnectMaxInterval()
	if maxInterval <= 0 {
		maxInterval = time.Minute
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if delay > float64(maxInterval) || math.IsInf(delay, 0) {
		return maxInterval
	}
	return time.Duration(delay)
}
