package nntpengine

import (
	"math/rand"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/usenetsync/usenetsync/internal/config"
)

// RetryPolicy is the spec.md §4.5 backoff schedule: exponential growth from
// InitialDelay by BackoffFactor, capped at MaxDelay, with a proportional
// jitter applied on top of each computed delay. retry-go/v4's own
// MaxJitter/RandomDelay options add a flat additive jitter rather than one
// proportional to the current delay, so the delay function is hand-rolled
// here instead of composed from stock retry.Option jitter helpers.
type RetryPolicy struct {
	Attempts       uint
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
	JitterFraction float64
}

// RetryPolicyFromConfig adapts the loaded config.RetryConfig.
func RetryPolicyFromConfig(c config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		Attempts:       uint(c.MaxAttempts),
		InitialDelay:   c.InitialDelay,
		MaxDelay:       c.MaxDelay,
		BackoffFactor:  c.BackoffFactor,
		JitterFraction: c.JitterFraction,
	}
}

// Delay exposes the same backoff formula the Engine's own Post/Retrieve
// retries use, so WorkItem-level retry scheduling (a failed post or fetch
// exhausting the Engine's internal attempts, per spec.md §4.7) reschedules
// on the same curve instead of inventing a second one.
func (p RetryPolicy) Delay(n uint) time.Duration {
	return p.delay(n)
}

// delay computes the backoff for the n'th retry (n is 0-based, matching
// retry-go's DelayTypeFunc contract: it is called before attempt n+1).
func (p RetryPolicy) delay(n uint) time.Duration {
	base := float64(p.InitialDelay)
	for i := uint(0); i < n; i++ {
		base *= p.BackoffFactor
	}
	capped := float64(p.MaxDelay)
	if base > capped {
		base = capped
	}
	if p.JitterFraction > 0 {
		jitter := base * p.JitterFraction
		base += (rand.Float64()*2 - 1) * jitter
		if base < 0 {
			base = 0
		}
	}
	return time.Duration(base)
}

// options builds the retry-go option set shared by Post and Retrieve, with
// retryIf deciding which errors are worth another attempt.
func (p RetryPolicy) options(retryIf retry.RetryIfFunc, onRetry retry.OnRetryFunc) []retry.Option {
	return []retry.Option{
		retry.Attempts(p.Attempts),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return p.delay(n)
		}),
		retry.RetryIf(retryIf),
		retry.OnRetry(onRetry),
		retry.LastErrorOnly(true),
	}
}
