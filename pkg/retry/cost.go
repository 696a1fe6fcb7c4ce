package retry

import (
	"fmt"
	"strings"
	"time"
)

// Priority ranks tasks for cost optimization.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// ParsePriority parses a priority name. Empty input means NORMAL.
func ParsePriority(value string) (Priority, error) {
	switch Priority(strings.ToUpper(strings.TrimSpace(value))) {
	case "", PriorityNormal:
		return PriorityNormal, nil
	case PriorityLow:
		return PriorityLow, nil
	case PriorityHigh:
		return PriorityHigh, nil
	case PriorityCritical:
		return PriorityCritical, nil
	default:
		return "", fmt.Errorf("unknown priority %q", value)
	}
}

// CostConfig defers low-priority retries into an off-peak window. The window
// is given as offsets from midnight and may wrap past midnight.
type CostConfig struct {
	Enabled      bool
	OffPeakStart time.Duration
	OffPeakEnd   time.Duration
	Location     *time.Location
}

func (c *CostConfig) normalize() {
	if c.Location == nil {
		c.Location = time.UTC
	}
}

// ParseClock parses an "HH:MM" time of day into an offset from midnight.
func ParseClock(value string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", value, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (c CostConfig) inWindow(t time.Time) bool {
	t = t.In(c.Location)
	offset := t.Sub(midnight(t))
	if c.OffPeakStart <= c.OffPeakEnd {
		return offset >= c.OffPeakStart && offset < c.OffPeakEnd
	}
	return offset >= c.OffPeakStart || offset < c.OffPeakEnd
}

// deferRun returns runAt when it already falls in the off-peak window, otherwise
// the next window start after runAt.
func (c CostConfig) deferRun(runAt time.Time, priority Priority) time.Time {
	if !c.Enabled || priority != PriorityLow || c.OffPeakStart == c.OffPeakEnd || c.inWindow(runAt) {
		return runAt
	}
	local := runAt.In(c.Location)
	start := midnight(local).Add(c.OffPeakStart)
	if start.Before(local) {
		start = midnight(local).AddDate(0, 0, 1).Add(c.OffPeakStart)
	}
	return start
}

func midnight(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}
