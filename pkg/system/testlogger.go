package system

import (
	"go.uber.org/zap"
)

// NewTestLogger returns a debug-level development logger without automatic
// stacktraces, so failing tests print the auth package's debug trail without
// stack frames.
func NewTestLogger() *zap.SugaredLogger {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}
