package proxy

import (
	"math"
	"time"

	"github.com/relaymesh/infergate/internal/config"
)

// retryDelay returns the back-off to wait before attempt n (0-indexed,
// n=0 is the first retry after the initial attempt) under policy.
// Exponential multiplies MinDelay by Factor^n, capped at MaxDelay; constant
// always waits Delay.
func retryDelay(policy config.RetryConfig, n int) time.Duration {
	if policy.Strategy == "constant" {
		return policy.Delay
	}
	factor := policy.Factor
	if factor <= 0 {
		factor = 2.0
	}
	min := policy.MinDelay
	if min <= 0 {
		min = 200 * time.Millisecond
	}
	max := policy.MaxDelay
	if max <= 0 {
		max = 10 * time.Second
	}
	d := time.Duration(float64(min) * math.Pow(factor, float64(n)))
	if d > max {
		d = max
	}
	return d
}

// retryAttempts returns policy.MaxRetries, defaulting to 3 when it is unset
// (below 1).
func retryAttempts(policy config.RetryConfig) int {
	if policy.MaxRetries < 1 {
		return 3
	}
	return policy.MaxRetries
}
