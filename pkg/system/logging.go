// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package system

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns the CLI logger. Everything goes to stderr so stdout stays
// reserved for command output. Only warnings and errors are shown unless
// verbose is set.
func NewLogger(verbose bool) *zap.SugaredLogger {
	return zap.New(newCore(verbose, zapcore.Lock(os.Stderr))).Sugar()
}

func newCore(verbose bool, sink zapcore.WriteSyncer) zapcore.Core {
	encoderCfg := zap.NewDevelopmentEncoderConfig()
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	} else {
		// keep non-verbose output to "WARN message" lines
		encoderCfg.TimeKey = ""
		encoderCfg.CallerKey = ""
	}
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), sink, level)
}

// ProviderFields returns key/value pairs suitable for SugaredLogger.With.
// The flow is only included when set.
func ProviderFields(provider, flow string) []interface{} {
	if flow == "" {
		return []interface{}{"provider", provider}
	}
	return []interface{}{"provider", provider, "flow", flow}
}
