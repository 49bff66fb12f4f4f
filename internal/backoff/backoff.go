// Package backoff computes retry delays for failed jobs.
package backoff

import (
	"math"
	"time"
)

// DefaultMax caps a Power delay when Max is zero.
const DefaultMax = 24 * time.Hour

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait after failed attempt n (1-indexed).
	Delay(attempt int) time.Duration
}

// Power waits Base^attempt seconds, capped at Max.
type Power struct {
	Base float64
	Max  time.Duration
}

// Delay returns Base^attempt seconds, clamped to [0, Max].
func (p Power) Delay(attempt int) time.Duration {
	maxDelay := p.Max
	if maxDelay <= 0 {
		maxDelay = DefaultMax
	}
	if attempt < 0 {
		attempt = 0
	}
	secs := math.Pow(p.Base, float64(attempt))
	if math.IsNaN(secs) || secs <= 0 {
		return 0
	}
	d := secs * float64(time.Second)
	if math.IsInf(d, 1) || d >= float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}
