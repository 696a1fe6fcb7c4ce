package classify

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/nimburion/taskguard/pkg/observability/logger"
	"github.com/nimburion/taskguard/pkg/observability/metrics"
)

const (
	defaultAmbiguityThreshold = 0.5
	defaultHighRetryCount     = 3
	defaultContextAdjustment  = 0.2
	maxMessageLength          = 512
)

// Config tunes the classifier.
type Config struct {
	// Rules run before the built-in structural and message rules.
	Rules []Rule
	// AmbiguityThreshold is the confidence below which a classification is
	// downgraded to MANUAL_RETRY.
	AmbiguityThreshold float64
	// HighRetryCount is the retry count from which transient types lose
	// confidence and permanent types gain it.
	HighRetryCount int
	// ContextAdjustment bounds the relative change context signals may apply.
	ContextAdjustment float64
	Metrics           *metrics.GuardMetrics
}

func (c *Config) normalize() {
	if c.AmbiguityThreshold <= 0 || c.AmbiguityThreshold >= 1 {
		c.AmbiguityThreshold = defaultAmbiguityThreshold
	}
	if c.HighRetryCount <= 0 {
		c.HighRetryCount = defaultHighRetryCount
	}
	if c.ContextAdjustment <= 0 || c.ContextAdjustment >= 1 {
		c.ContextAdjustment = defaultContextAdjustment
	}
}

// Classifier maps errors to failure classifications with an ordered rule table.
// Classification is deterministic and never panics.
type Classifier struct {
	rules  []Rule
	log    logger.Logger
	config Config
}

// NewClassifier creates a classifier with the built-in rules.
func NewClassifier(log logger.Logger, cfg Config) (*Classifier, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	rules := make([]Rule, 0, len(cfg.Rules)+40)
	rules = append(rules, cfg.Rules...)
	rules = append(rules, StructuralRules()...)
	rules = append(rules, MessageRules()...)
	return &Classifier{rules: rules, log: log, config: cfg}, nil
}

// Classify returns the classification of err under c.
func (cl *Classifier) Classify(err error, c Context) (result Classification) {
	defer func() {
		if recovered := recover(); recovered != nil {
			cl.log.Error("failure classification panicked", "task", c.TaskName, "panic", fmt.Sprint(recovered))
			result = cl.finish(err, Unknown, 0, "classifier.panic")
		}
	}()

	if err == nil {
		return cl.finish(nil, Unknown, 0, "none")
	}

	ft, confidence, rule := Unknown, 0.0, "unmatched"
	for _, candidate := range cl.rules {
		if matched, score, ok := candidate.Match(err); ok {
			ft, confidence, rule = matched, score, candidate.Name
			break
		}
	}

	// Context only moves the confidence of a matched type. An unmatched error
	// stays UNKNOWN even for external calls.
	if ft != Unknown && rule != "explicit" {
		confidence = cl.adjust(ft, confidence, c)
	}
	return cl.finish(err, ft, confidence, rule)
}

// adjust moves confidence by at most ContextAdjustment in either direction.
func (cl *Classifier) adjust(ft FailureType, confidence float64, c Context) float64 {
	factor := 1.0
	if c.RetryCount >= cl.config.HighRetryCount {
		switch {
		case ft.IsPermanent():
			factor += cl.config.ContextAdjustment
		case ft.IsTransient():
			factor -= cl.config.ContextAdjustment
		}
	}
	if c.ExternalCall {
		switch ft {
		case TransientNetwork, ExternalDependencyDown, TransientRateLimit:
			factor += cl.config.ContextAdjustment
		}
	}
	factor = math.Max(1-cl.config.ContextAdjustment, math.Min(1+cl.config.ContextAdjustment, factor))
	return math.Min(1, confidence*factor)
}

func (cl *Classifier) finish(err error, ft FailureType, confidence float64, rule string) Classification {
	profile := ProfileOf(ft)
	result := Classification{
		FailureType:       ft,
		Confidence:        math.Round(confidence*1000) / 1000,
		Remediation:       profile.Remediation,
		RetryRecommended:  profile.RetryRecommended,
		RetryDelaySeconds: int(profile.RetryDelay / time.Second),
		Rule:              rule,
	}
	if err != nil {
		result.Message = truncate(err.Error(), maxMessageLength)
		var hinted RetryAfterer
		if errors.As(err, &hinted) && hinted.RetryAfter() > 0 {
			result.RetryAfter = hinted.RetryAfter()
		}
	}
	if ft != Unknown && result.Confidence < cl.config.AmbiguityThreshold {
		result = cl.downgrade(result)
	}
	cl.config.Metrics.ObserveClassification(string(result.FailureType), string(result.Remediation))
	return result
}

func (cl *Classifier) downgrade(result Classification) Classification {
	result.Ambiguous = true
	result.Remediation = ManualRetry
	result.RetryRecommended = false
	return result
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
