package testutil

import (
	"github.com/nimburion/taskguard/pkg/observability/logger"
)

// NewTestLogger returns a logger that discards everything.
func NewTestLogger() logger.Logger {
	return logger.NewNop()
}
