// Package logging builds the shared zap logger and provides poll-cycle ID
// propagation so every log line of one cycle can be correlated.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New constructs the process-wide logger. Set WATCHER_LOG=debug for
// development output.
func New() (*zap.Logger, error) {
	if os.Getenv("WATCHER_LOG") == "debug" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
