// Package retry computes exponential backoff delays and re-arms failed jobs.
package retry

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Default backoff bounds.
const (
	DefaultBaseDelay = 10 * time.Second
	DefaultMaxDelay  = 300 * time.Second
)

// JitterSource returns a uniform value in [0, 1).
type JitterSource func() float64

// ComputeBackoff returns min(base*2^(attempt-1), max) with up to
// delay*0.25*(r-0.5) of jitter added, rounded to the millisecond. Attempts
// below 1 are treated as 1.
func ComputeBackoff(attempt int, base, maxDelay time.Duration, jitter JitterSource) time.Duration {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if jitter == nil {
		jitter = CryptoJitter
	}
	exp := math.Max(0, float64(attempt-1))
	delayMs := math.Min(float64(base.Milliseconds())*math.Pow(2, exp), float64(maxDelay.Milliseconds()))
	delayMs += delayMs * 0.25 * (jitter() - 0.5)
	return time.Duration(math.Round(delayMs)) * time.Millisecond
}

// CryptoJitter draws from crypto/rand, falling back to the midpoint.
func CryptoJitter() float64 {
	const precision = 1 << 53
	n, err := rand.Int(rand.Reader, big.NewInt(precision))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / precision
}
