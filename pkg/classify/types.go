package classify

import (
	"fmt"
	"strings"
	"time"
)

// FailureType is the category a task failure falls into.
type FailureType string

const (
	TransientDatabase        FailureType = "TRANSIENT_DATABASE"
	TransientNetwork         FailureType = "TRANSIENT_NETWORK"
	TransientRateLimit       FailureType = "TRANSIENT_RATE_LIMIT"
	TransientConcurrency     FailureType = "TRANSIENT_CONCURRENCY"
	TransientInterrupted     FailureType = "TRANSIENT_INTERRUPTED"
	PermanentValidation      FailureType = "PERMANENT_VALIDATION"
	PermanentNotFound        FailureType = "PERMANENT_NOT_FOUND"
	PermanentAuthorization   FailureType = "PERMANENT_AUTHORIZATION"
	PermanentIntegrity       FailureType = "PERMANENT_INTEGRITY"
	ConfigError              FailureType = "CONFIG_ERROR"
	ExternalDependencyDown   FailureType = "EXTERNAL_DEPENDENCY_DOWN"
	SystemResourceExhaustion FailureType = "SYSTEM_RESOURCE_EXHAUSTION"
	ProgrammingError         FailureType = "PROGRAMMING_ERROR"
	DataCorruption           FailureType = "DATA_CORRUPTION"
	Unknown                  FailureType = "UNKNOWN"
)

// Remediation is the action a failure calls for.
type Remediation string

const (
	AutoRetry      Remediation = "AUTO_RETRY"
	ManualRetry    Remediation = "MANUAL_RETRY"
	FixData        Remediation = "FIX_DATA"
	FixConfig      Remediation = "FIX_CONFIG"
	ScaleResources Remediation = "SCALE_RESOURCES"
	AlertTeam      Remediation = "ALERT_TEAM"
	CheckExternal  Remediation = "CHECK_EXTERNAL"
	Investigate    Remediation = "INVESTIGATE"
)

// Profile is the static guidance attached to a failure type.
type Profile struct {
	Remediation      Remediation
	RetryRecommended bool
	RetryDelay       time.Duration
}

var profiles = map[FailureType]Profile{
	TransientDatabase:        {Remediation: AutoRetry, RetryRecommended: true, RetryDelay: 5 * time.Second},
	TransientNetwork:         {Remediation: AutoRetry, RetryRecommended: true, RetryDelay: 2 * time.Second},
	TransientRateLimit:       {Remediation: AutoRetry, RetryRecommended: true, RetryDelay: 30 * time.Second},
	TransientConcurrency:     {Remediation: AutoRetry, RetryRecommended: true, RetryDelay: time.Second},
	TransientInterrupted:     {Remediation: AutoRetry, RetryRecommended: true, RetryDelay: time.Second},
	PermanentValidation:      {Remediation: FixData},
	PermanentNotFound:        {Remediation: FixData},
	PermanentAuthorization:   {Remediation: FixConfig},
	PermanentIntegrity:       {Remediation: FixData},
	ConfigError:              {Remediation: FixConfig},
	ExternalDependencyDown:   {Remediation: CheckExternal, RetryRecommended: true, RetryDelay: time.Minute},
	SystemResourceExhaustion: {Remediation: ScaleResources, RetryRecommended: true, RetryDelay: 2 * time.Minute},
	ProgrammingError:         {Remediation: AlertTeam},
	DataCorruption:           {Remediation: AlertTeam},
	Unknown:                  {Remediation: Investigate},
}

// FailureTypes returns every failure type in declaration order.
func FailureTypes() []FailureType {
	return []FailureType{
		TransientDatabase, TransientNetwork, TransientRateLimit, TransientConcurrency, TransientInterrupted,
		PermanentValidation, PermanentNotFound, PermanentAuthorization, PermanentIntegrity,
		ConfigError, ExternalDependencyDown, SystemResourceExhaustion, ProgrammingError, DataCorruption,
		Unknown,
	}
}

// ProfileOf returns the static profile of ft. Unknown types get the UNKNOWN profile.
func ProfileOf(ft FailureType) Profile {
	if profile, ok := profiles[ft]; ok {
		return profile
	}
	return profiles[Unknown]
}

// ParseFailureType parses a failure type name, case-insensitively.
func ParseFailureType(value string) (FailureType, error) {
	candidate := FailureType(strings.ToUpper(strings.TrimSpace(value)))
	if _, ok := profiles[candidate]; ok {
		return candidate, nil
	}
	return "", fmt.Errorf("unknown failure type %q", value)
}

// IsTransient reports whether ft is expected to clear up on its own.
func (ft FailureType) IsTransient() bool {
	switch ft {
	case TransientDatabase, TransientNetwork, TransientRateLimit, TransientConcurrency, TransientInterrupted,
		ExternalDependencyDown, SystemResourceExhaustion:
		return true
	default:
		return false
	}
}

// IsPermanent reports whether retrying ft without a change cannot succeed.
func (ft FailureType) IsPermanent() bool {
	switch ft {
	case PermanentValidation, PermanentNotFound, PermanentAuthorization, PermanentIntegrity,
		ConfigError, ProgrammingError, DataCorruption:
		return true
	default:
		return false
	}
}

// Context carries the signals that adjust a classification.
type Context struct {
	TaskName     string
	RetryCount   int
	ExternalCall bool
}

// Classification is the result of classifying one failure.
type Classification struct {
	FailureType       FailureType   `json:"failure_type"`
	Confidence        float64       `json:"confidence"`
	Remediation       Remediation   `json:"remediation"`
	RetryRecommended  bool          `json:"retry_recommended"`
	RetryDelaySeconds int           `json:"retry_delay_seconds"`
	RetryAfter        time.Duration `json:"retry_after,omitempty"`
	Ambiguous         bool          `json:"ambiguous,omitempty"`
	Rule              string        `json:"rule"`
	Message           string        `json:"message,omitempty"`
	At                time.Time     `json:"at,omitempty"`
}

// RetryDelay returns the recommended delay before the next attempt.
func (c Classification) RetryDelay() time.Duration {
	if c.RetryAfter > 0 {
		return c.RetryAfter
	}
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// Explain renders the classification as one human-readable sentence.
func (c Classification) Explain() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (confidence %.2f, rule %s): remediation %s", c.FailureType, c.Confidence, c.Rule, c.Remediation)
	switch {
	case c.Ambiguous:
		b.WriteString("; classification is ambiguous, retry manually after review")
	case c.RetryRecommended:
		fmt.Fprintf(&b, "; retry recommended after %s", c.RetryDelay())
	default:
		b.WriteString("; retry not recommended")
	}
	if c.Message != "" {
		fmt.Fprintf(&b, " [%s]", c.Message)
	}
	return b.String()
}
