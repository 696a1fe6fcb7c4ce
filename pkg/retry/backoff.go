package retry

import (
	"math"
	"time"
)

// BaseDelay returns the delay before retry number attempt (0 for the first
// retry) without jitter, capped at the policy's MaxDelay.
//
//	EXPONENTIAL: initial * multiplier^attempt
//	LINEAR:      initial + multiplier*initial*attempt
//	FIBONACCI:   initial * fib(attempt+1), fib(1) = fib(2) = 1
//
// LINEAR steps by multiplier*initial rather than by a fixed increment, so
// BackoffMultiplier is a unitless factor for every strategy. A multiplier of 2
// and a 1s initial delay give 1s, 3s, 5s, 7s.
func BaseDelay(p Policy, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	initial := float64(p.InitialDelay)

	var delay float64
	switch p.Strategy {
	case Linear:
		delay = initial + p.BackoffMultiplier*initial*float64(attempt)
	case Fibonacci:
		delay = initial * fibonacci(attempt+1)
	default:
		multiplier := p.BackoffMultiplier
		if multiplier < 1 {
			multiplier = 1
		}
		delay = initial * math.Pow(multiplier, float64(attempt))
	}
	return capDelay(delay, p.MaxDelay)
}

// Jittered spreads delay by up to ±fraction using u, a uniform sample in
// [0,1). The result stays within [0, maxDelay] when maxDelay > 0.
func Jittered(delay time.Duration, fraction, u float64, maxDelay time.Duration) time.Duration {
	if fraction <= 0 || delay <= 0 {
		return delay
	}
	spread := (u*2 - 1) * fraction
	jittered := float64(delay) * (1 + spread)
	if jittered < 0 {
		jittered = 0
	}
	return capDelay(jittered, maxDelay)
}

func capDelay(delay float64, maxDelay time.Duration) time.Duration {
	if maxDelay > 0 && delay > float64(maxDelay) {
		return maxDelay
	}
	if delay > float64(math.MaxInt64) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(math.Round(delay))
}

func fibonacci(n int) float64 {
	a, b := 0.0, 1.0
	for i := 0; i < n; i++ {
		a, b = b, a+b
	}
	return a
}
