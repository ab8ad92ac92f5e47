// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Options selects the logger's level, encoding, and destination.
type Options struct {
	// Level is a zap level name ("debug", "info", "warn", "error").
	// Empty means "info".
	Level string

	// Environment "production" forces JSON output even on a terminal.
	Environment string

	// Output defaults to os.Stderr.
	Output io.Writer
}

// New builds a logger from options.
func New(options Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if options.Level != "" {
		if err := level.UnmarshalText([]byte(options.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", options.Level, err)
		}
	}

	output := options.Output
	if output == nil {
		output = os.Stderr
	}

	var encoder zapcore.Encoder
	if options.Environment != "production" && isTerminal(output) {
		config := zap.NewDevelopmentEncoderConfig()
		config.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(config)
	} else {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(output), level)
	return zap.New(core, zap.ErrorOutput(zapcore.AddSync(os.Stderr))), nil
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	return ok && term.IsTerminal(int(file.Fd()))
}
