package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/taskguard/pkg/classify"
	"github.com/nimburion/taskguard/pkg/guard"
	"github.com/nimburion/taskguard/pkg/observability/logger"
	"github.com/nimburion/taskguard/pkg/observability/tracing"
	"github.com/nimburion/taskguard/pkg/retry"
)

// LoggerConfig returns the zap logger settings.
func (c *Config) LoggerConfig() logger.Config {
	level, _ := logger.ParseLogLevel(c.Observability.LogLevel)
	format, _ := logger.ParseLogFormat(c.Observability.LogFormat)
	return logger.Config{Level: level, Format: format, Service: c.Service.Name}
}

// TracerConfig returns the OTLP tracer settings.
func (c *Config) TracerConfig(serviceVersion string) tracing.TracerConfig {
	return tracing.TracerConfig{
		ServiceName:    c.Service.Name,
		ServiceVersion: serviceVersion,
		Environment:    c.Service.Environment,
		Endpoint:       c.Observability.TracingEndpoint,
		SampleRate:     c.Observability.TracingSampleRate,
		Enabled:        c.Observability.TracingEnabled,
		Insecure:       c.Observability.TracingInsecure,
	}
}

// ClassifierConfig returns the classifier thresholds.
func (c *Config) ClassifierConfig() classify.Config {
	return classify.Config{
		AmbiguityThreshold: c.Classifier.AmbiguityThreshold,
		HighRetryCount:     c.Classifier.HighRetryCount,
		ContextAdjustment:  c.Classifier.ContextAdjustment,
	}
}

// RetryEngineConfig returns the retry engine settings. Task policies are
// registered separately through the task registry.
func (c *Config) RetryEngineConfig() (retry.Config, error) {
	cfg := retry.Config{
		FailureTypes: make(map[classify.FailureType]retry.Override, len(c.Retry.FailureTypes)),
		Categories:   make(map[string]retry.Override, len(c.Retry.Categories)),
		Adaptive: retry.AdaptiveConfig{
			Disabled:          !c.Retry.Adaptive.Enabled,
			Window:            c.Retry.Adaptive.Window,
			MinSamples:        c.Retry.Adaptive.MinSamples,
			HighSuccessRate:   c.Retry.Adaptive.HighSuccessRate,
			LowSuccessRate:    c.Retry.Adaptive.LowSuccessRate,
			FastDelayFactor:   c.Retry.Adaptive.FastDelayFactor,
			SlowDelayFactor:   c.Retry.Adaptive.SlowDelayFactor,
			RetryShrinkFactor: c.Retry.Adaptive.RetryShrinkFactor,
		},
		Load: retry.LoadConfig{
			Threshold:   c.Retry.LoadThreshold,
			DelayFactor: c.Retry.LoadDelayFactor,
		},
		CircuitCacheTTL: c.Retry.CircuitCacheTTL,
		HalfOpenProbes:  c.Retry.HalfOpenProbes,
	}
	for name, override := range c.Retry.FailureTypes {
		ft, err := classify.ParseFailureType(name)
		if err != nil {
			return retry.Config{}, fmt.Errorf("retry.failure_types: %w", err)
		}
		cfg.FailureTypes[ft] = override
	}
	for name, override := range c.Retry.Categories {
		cfg.Categories[strings.ToLower(name)] = override
	}

	if c.Retry.OffPeak.Enabled {
		start, err := retry.ParseClock(c.Retry.OffPeak.Start)
		if err != nil {
			return retry.Config{}, fmt.Errorf("retry.off_peak.start: %w", err)
		}
		end, err := retry.ParseClock(c.Retry.OffPeak.End)
		if err != nil {
			return retry.Config{}, fmt.Errorf("retry.off_peak.end: %w", err)
		}
		location, err := time.LoadLocation(c.Retry.OffPeak.Timezone)
		if err != nil {
			return retry.Config{}, fmt.Errorf("retry.off_peak.timezone: %w", err)
		}
		cfg.Cost = retry.CostConfig{Enabled: true, OffPeakStart: start, OffPeakEnd: end, Location: location}
	}
	return cfg, nil
}

// TaskConfigs returns the configured tasks with categories lowercased to
// match the keys of retry.categories.
func (c *Config) TaskConfigs() map[string]guard.TaskConfig {
	tasks := make(map[string]guard.TaskConfig, len(c.Tasks))
	for name, task := range c.Tasks {
		task.Category = strings.ToLower(strings.TrimSpace(task.Category))
		tasks[name] = task
	}
	return tasks
}
