package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/nimburion/taskguard/pkg/classify"
)

func TestDefaultPolicies_CoverEveryFailureType(t *testing.T) {
	policies := DefaultPolicies()
	for _, ft := range classify.FailureTypes() {
		p, ok := policies[ft]
		if !ok {
			t.Fatalf("missing default policy for %s", ft)
		}
		if err := p.Validate(); err != nil {
			t.Fatalf("default policy for %s invalid: %v", ft, err)
		}
		if ft.IsPermanent() && p.MaxRetries != 0 {
			t.Fatalf("permanent failure %s must not be retried, got %d", ft, p.MaxRetries)
		}
	}
	if policies[classify.Unknown].MaxRetries != 0 {
		t.Fatal("unknown failures must not be retried by default")
	}
	network := policies[classify.TransientNetwork]
	if network.InitialDelay != 2*time.Second || network.Strategy != Exponential || network.MaxRetries != 5 {
		t.Fatalf("unexpected network policy: %+v", network)
	}
}

func TestOverride_Apply(t *testing.T) {
	retries := 2
	initial := 10 * time.Second
	strategy := Fibonacci
	base := Policy{MaxRetries: 5, InitialDelay: time.Second, BackoffMultiplier: 2, Strategy: Exponential, MaxDelay: 5 * time.Second}

	got := Override{MaxRetries: &retries, InitialDelay: &initial, Strategy: &strategy}.Apply(base)
	if got.MaxRetries != 2 || got.InitialDelay != initial || got.Strategy != Fibonacci {
		t.Fatalf("override not applied: %+v", got)
	}
	if got.MaxDelay != initial {
		t.Fatalf("expected max delay raised to initial delay, got %v", got.MaxDelay)
	}
	if got.BackoffMultiplier != 2 {
		t.Fatalf("expected untouched multiplier, got %v", got.BackoffMultiplier)
	}
}

func TestPolicy_Validate(t *testing.T) {
	valid := DefaultPolicies()[classify.TransientNetwork]
	tests := []struct {
		name   string
		mutate func(*Policy)
	}{
		{name: "negative retries", mutate: func(p *Policy) { p.MaxRetries = -1 }},
		{name: "max below initial", mutate: func(p *Policy) { p.MaxDelay = time.Millisecond }},
		{name: "jitter above one", mutate: func(p *Policy) { p.JitterFraction = 1.5 }},
		{name: "zero threshold", mutate: func(p *Policy) { p.CircuitFailureThreshold = 0 }},
		{name: "zero open duration", mutate: func(p *Policy) { p.CircuitOpenDuration = 0 }},
		{name: "unknown strategy", mutate: func(p *Policy) { p.Strategy = "RANDOM" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			if err := p.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestParseStrategyAndPriority(t *testing.T) {
	if s, err := ParseStrategy(" linear "); err != nil || s != Linear {
		t.Fatalf("parse linear: %v %v", s, err)
	}
	if s, err := ParseStrategy(""); err != nil || s != Exponential {
		t.Fatalf("parse empty: %v %v", s, err)
	}
	if _, err := ParseStrategy("cubic"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
	if p, err := ParsePriority("low"); err != nil || p != PriorityLow {
		t.Fatalf("parse low: %v %v", p, err)
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Fatal("expected error for unknown priority")
	}
}

func TestCircuitKey_Validate(t *testing.T) {
	if err := (CircuitKey{TaskName: " ", FailureType: classify.TransientNetwork}).validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := (CircuitKey{TaskName: "t", FailureType: "NOPE"}).validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
