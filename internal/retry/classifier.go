package retry

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/tallyworks/flowline/internal/domain"
)

// Category is the failure taxonomy used by the stream consumer and by node
// action execution.
type Category string

const (
	CategoryTransient   Category = "TRANSIENT"
	CategoryRecoverable Category = "RECOVERABLE"
	CategoryPermanent   Category = "PERMANENT"
)

// Strategy tells the caller how to recover.
type Strategy string

const (
	RetryImmediate     Strategy = "RETRY_IMMEDIATE"
	RetryWithBackoff   Strategy = "RETRY_WITH_BACKOFF"
	ManualIntervention Strategy = "MANUAL_INTERVENTION"
)

// Policy bounds retries and shapes the backoff curve.
type Policy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// Classification is the result of classifying one failure.
type Classification struct {
	Category  Category
	Strategy  Strategy
	Retryable bool
	Delay     time.Duration // backoff to apply before the next attempt, zero for immediate
}

// TransientError marks a failure expected to clear on its own (network,
// timeouts). RecoverableError marks storage contention worth a bounded retry.
// PermanentError marks failures no retry can fix.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

type RecoverableError struct{ Err error }

func (e *RecoverableError) Error() string { return e.Err.Error() }
func (e *RecoverableError) Unwrap() error { return e.Err }

type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"timeout",
	"no such host",
	"network is unreachable",
	"temporarily unavailable",
	"EOF",
}

var recoverablePatterns = []string{
	"deadlock",
	"could not serialize",
	"lock wait",
	"database is locked",
	"too many connections",
	"serialization failure",
}

var permanentPatterns = []string{
	"validation",
	"not found",
	"invalid",
	"malformed",
	"unknown handler",
	"does not exist",
}

// Classify is a pure function over the failure, the attempt count so far and
// the policy. Rules apply in priority order: retry budget exhaustion first,
// then typed taxonomy errors, then message patterns, then the default.
func Classify(err error, attempt int, policy Policy) Classification {
	if attempt >= policy.MaxRetries {
		return Classification{Category: CategoryPermanent, Strategy: ManualIntervention, Retryable: false}
	}

	var te *TransientError
	var re *RecoverableError
	var pe *PermanentError
	switch {
	case errors.As(err, &pe) || errors.Is(err, domain.ErrNotFound):
		return Classification{Category: CategoryPermanent, Strategy: ManualIntervention, Retryable: false}
	case errors.As(err, &te):
		return Classification{Category: CategoryTransient, Strategy: RetryWithBackoff, Retryable: true, Delay: policy.Backoff(attempt)}
	case errors.As(err, &re) || errors.Is(err, domain.ErrConcurrentModification):
		return Classification{Category: CategoryRecoverable, Strategy: RetryWithBackoff, Retryable: true, Delay: policy.Backoff(attempt)}
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, strings.ToLower(p)) {
			return Classification{Category: CategoryTransient, Strategy: RetryWithBackoff, Retryable: true, Delay: policy.Backoff(attempt)}
		}
	}
	for _, p := range recoverablePatterns {
		if strings.Contains(msg, strings.ToLower(p)) {
			return Classification{Category: CategoryRecoverable, Strategy: RetryWithBackoff, Retryable: true, Delay: policy.Backoff(attempt)}
		}
	}
	for _, p := range permanentPatterns {
		if strings.Contains(msg, strings.ToLower(p)) {
			return Classification{Category: CategoryPermanent, Strategy: ManualIntervention, Retryable: false}
		}
	}

	return Classification{Category: CategoryTransient, Strategy: RetryImmediate, Retryable: true}
}

// Backoff returns min(initial * factor^attempt, max).
func (p Policy) Backoff(attempt int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 2
	}
	d := time.Duration(float64(p.InitialDelay) * math.Pow(factor, float64(attempt)))
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		return p.MaxDelay
	}
	return d
}
