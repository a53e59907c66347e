// Package logging builds the zap.SugaredLogger every other package logs
// through.
//
// Grounded on zeusync-zeusync/internal/core/observability/log/logger.go's
// zap.Config{Encoding: "json", ...} build pattern, simplified to a single
// sugared logger rather than that repo's full Log interface abstraction —
// proportionate to this module's size.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-style JSON logger. debug enables debug-level
// output and a human-readable console encoding, matching the two modes
// zeusync's logger.go distinguishes between.
func New(debug bool) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
