package common

import (
	"go.uber.org/zap"
)

// NewLogger builds the module's logger. Every subsystem constructor
// takes a *zap.SugaredLogger so callers can inject a test logger
// (zaptest) or a production JSON logger without the subsystem knowing
// the difference.
func NewLogger(debug bool) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, Wrap(err, "building logger")
	}
	return logger.Sugar(), nil
}

// NewNopLogger is used by package tests that don't want log noise.
func NewNopLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
