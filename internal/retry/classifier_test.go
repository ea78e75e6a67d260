package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tallyworks/flowline/internal/domain"
)

var testPolicy = Policy{
	MaxRetries:    5,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2,
}

func TestClassifyTypedErrors(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		category Category
		strategy Strategy
	}{
		{"permanent", &PermanentError{Err: errors.New("bad graph")}, CategoryPermanent, ManualIntervention},
		{"wrapped permanent", fmt.Errorf("start: %w", &PermanentError{Err: errors.New("x")}), CategoryPermanent, ManualIntervention},
		{"transient", &TransientError{Err: errors.New("dial tcp")}, CategoryTransient, RetryWithBackoff},
		{"recoverable", &RecoverableError{Err: errors.New("row contention")}, CategoryRecoverable, RetryWithBackoff},
		{"not found sentinel", domain.ErrNotFound, CategoryPermanent, ManualIntervention},
		{"cas sentinel", domain.ErrConcurrentModification, CategoryRecoverable, RetryWithBackoff},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Classify(tc.err, 0, testPolicy)
			if c.Category != tc.category {
				t.Fatalf("category = %s, want %s", c.Category, tc.category)
			}
			if c.Strategy != tc.strategy {
				t.Fatalf("strategy = %s, want %s", c.Strategy, tc.strategy)
			}
			if c.Retryable == (tc.category == CategoryPermanent) {
				t.Fatalf("retryable = %v for %s", c.Retryable, tc.category)
			}
		})
	}
}

func TestClassifyMessagePatterns(t *testing.T) {
	cases := []struct {
		msg      string
		category Category
	}{
		{"dial tcp 10.0.0.1:6379: connection refused", CategoryTransient},
		{"read tcp: i/o timeout", CategoryTransient},
		{"lookup redis: no such host", CategoryTransient},
		{"Error 1213: Deadlock found when trying to get lock", CategoryRecoverable},
		{"pq: could not serialize access due to concurrent update", CategoryRecoverable},
		{"database is locked", CategoryRecoverable},
		{"validation failed on field amount", CategoryPermanent},
		{"unknown handler \"frobnicate\"", CategoryPermanent},
		{"relation \"workflow_events\" does not exist", CategoryPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.msg, func(t *testing.T) {
			c := Classify(errors.New(tc.msg), 0, testPolicy)
			if c.Category != tc.category {
				t.Fatalf("category = %s, want %s", c.Category, tc.category)
			}
		})
	}
}

func TestClassifyTypedBeatsPattern(t *testing.T) {
	// The message says "timeout" but the typed wrapper wins.
	err := &PermanentError{Err: errors.New("timeout parsing definition")}
	if c := Classify(err, 0, testPolicy); c.Category != CategoryPermanent {
		t.Fatalf("category = %s, want PERMANENT", c.Category)
	}
}

func TestClassifyUnknownDefaultsToImmediateRetry(t *testing.T) {
	c := Classify(errors.New("something odd happened"), 0, testPolicy)
	if c.Category != CategoryTransient || c.Strategy != RetryImmediate {
		t.Fatalf("got %+v, want transient immediate retry", c)
	}
	if c.Delay != 0 {
		t.Fatalf("immediate retry must not carry a delay, got %v", c.Delay)
	}
}

func TestClassifyBudgetExhaustion(t *testing.T) {
	// Even a transient failure stops retrying once the budget is spent.
	err := &TransientError{Err: errors.New("connection reset")}
	c := Classify(err, testPolicy.MaxRetries, testPolicy)
	if c.Category != CategoryPermanent || c.Retryable {
		t.Fatalf("got %+v, want non-retryable permanent", c)
	}
	if c.Strategy != ManualIntervention {
		t.Fatalf("strategy = %s, want MANUAL_INTERVENTION", c.Strategy)
	}
}

func TestBackoffCurve(t *testing.T) {
	p := testPolicy
	var prev time.Duration
	for attempt := 0; attempt < 4; attempt++ {
		d := p.Backoff(attempt)
		want := p.InitialDelay * (1 << attempt)
		if d != want {
			t.Fatalf("attempt %d: backoff = %v, want %v", attempt, d, want)
		}
		if d <= prev && attempt > 0 {
			t.Fatalf("backoff not monotonic at attempt %d", attempt)
		}
		prev = d
	}
}

func TestBackoffCaps(t *testing.T) {
	p := testPolicy
	if d := p.Backoff(30); d != p.MaxDelay {
		t.Fatalf("backoff = %v, want cap %v", d, p.MaxDelay)
	}
	// Large exponents overflow the duration arithmetic; the cap still holds.
	if d := p.Backoff(500); d != p.MaxDelay {
		t.Fatalf("backoff = %v after overflow, want cap %v", d, p.MaxDelay)
	}
}

func TestBackoffDefaults(t *testing.T) {
	if d := (Policy{}).Backoff(3); d != 0 {
		t.Fatalf("zero policy backoff = %v, want 0", d)
	}
	p := Policy{InitialDelay: time.Second, MaxDelay: time.Minute}
	if d := p.Backoff(1); d != 2*time.Second {
		t.Fatalf("default factor backoff = %v, want 2s", d)
	}
}
