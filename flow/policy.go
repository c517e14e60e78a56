package flow

import (
	"math"
	"math/rand"
	"time"
)

// RetryStrategy selects the backoff curve for a RetryPolicy.
type RetryStrategy string

// Retry strategies.
const (
	RetryNone        RetryStrategy = "none"
	RetryFixed       RetryStrategy = "fixed"
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential"
)

// RetryPolicy defines automatic retry behavior for vertex execution
// failures.
//
// MaxAttempts is an inclusive cap on the retry count: a policy with
// MaxAttempts=3 allows one initial invocation plus three retries. All
// non-none strategies apply symmetric jitter of ±25% to the computed delay
// to avoid synchronized retry storms.
//
// RetryOn and DoNotRetryOn hold error-kind discriminators (see ErrKind*).
// DoNotRetryOn always wins; when RetryOn is non-empty, only listed kinds are
// retried.
type RetryPolicy struct {
	Strategy RetryStrategy `json:"strategy" yaml:"strategy"`

	// MaxAttempts is the maximum retry count (not counting the initial
	// invocation). Zero with a non-none strategy means no retries.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// Delay is the constant delay for the fixed strategy.
	Delay time.Duration `json:"delay,omitempty" yaml:"delay,omitempty"`

	// InitialDelay seeds the linear and exponential strategies.
	InitialDelay time.Duration `json:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`

	// Multiplier grows the exponential strategy. Values <= 1 are treated
	// as 2.
	Multiplier float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`

	// MaxDelay caps the computed delay for linear and exponential
	// strategies. Zero means uncapped.
	MaxDelay time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`

	RetryOn      []string `json:"retry_on,omitempty" yaml:"retry_on,omitempty"`
	DoNotRetryOn []string `json:"do_not_retry_on,omitempty" yaml:"do_not_retry_on,omitempty"`

	// Budget caps the total number of retries across the entire run for
	// vertices sharing this policy. Zero means unlimited.
	Budget int `json:"budget,omitempty" yaml:"budget,omitempty"`
}

// Validate checks the policy configuration.
func (p *RetryPolicy) Validate() error {
	if p == nil {
		return nil
	}
	switch p.Strategy {
	case "", RetryNone, RetryFixed, RetryLinear, RetryExponential:
	default:
		return ErrInvalidRetryPolicy
	}
	if p.MaxAttempts < 0 || p.Budget < 0 {
		return ErrInvalidRetryPolicy
	}
	if p.Delay < 0 || p.InitialDelay < 0 || p.MaxDelay < 0 {
		return ErrInvalidRetryPolicy
	}
	if p.MaxDelay > 0 && p.InitialDelay > 0 && p.MaxDelay < p.InitialDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// retryableKind reports whether the policy's error-kind filters permit a
// retry for a failure of the given kind. The MaxAttempts cap is enforced
// separately by the mailbox, which owns the retry count.
func (p *RetryPolicy) retryableKind(kind string) bool {
	if p == nil || p.Strategy == "" || p.Strategy == RetryNone {
		return false
	}
	for _, k := range p.DoNotRetryOn {
		if k == kind {
			return false
		}
	}
	if len(p.RetryOn) > 0 {
		for _, k := range p.RetryOn {
			if k == kind {
				return true
			}
		}
		return false
	}
	return true
}

// expectedBackoff computes the jitter-free delay before retry number
// attempt (1-based). Exposed through Backoff which layers jitter on top.
func (p *RetryPolicy) expectedBackoff(attempt int) time.Duration {
	if p == nil || attempt < 1 {
		return 0
	}
	var d time.Duration
	switch p.Strategy {
	case RetryFixed:
		d = p.Delay
	case RetryLinear:
		d = time.Duration(attempt) * p.InitialDelay
	case RetryExponential:
		mult := p.Multiplier
		if mult <= 1 {
			mult = 2
		}
		d = time.Duration(float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1)))
	default:
		return 0
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Backoff computes the delay before retry number attempt (1-based) with
// symmetric ±25% jitter applied. A nil rng falls back to the process-wide
// source; jitter timing is not security sensitive.
func (p *RetryPolicy) Backoff(attempt int, rng *rand.Rand) time.Duration {
	base := p.expectedBackoff(attempt)
	if base <= 0 {
		return 0
	}
	var f float64
	if rng != nil {
		f = rng.Float64()
	} else {
		f = rand.Float64() // #nosec G404 -- retry jitter, not security
	}
	// Scale into [0.75, 1.25).
	return time.Duration(float64(base) * (0.75 + f*0.5))
}
