// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bureau-foundation/tally/lib/config"
	"github.com/bureau-foundation/tally/lib/logging"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	ConfigPath string
	EnvFile    string
	LogLevel   string
	JSON       bool

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func newRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	options := &rootOptions{stdin: stdin, stdout: stdout, stderr: stderr}

	command := &cobra.Command{
		Use:           "tally",
		Short:         "Client-side telemetry agent",
		Long:          "Tally batches application telemetry into a durable queue and delivers it to a collector.",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	command.SetIn(stdin)
	command.SetOut(stdout)
	command.SetErr(stderr)

	flags := command.PersistentFlags()
	flags.StringVarP(&options.ConfigPath, "config", "c", "", "configuration file (default: $TALLY_CONFIG)")
	flags.StringVar(&options.EnvFile, "env-file", "", "dotenv file with TALLY_* overrides")
	flags.StringVar(&options.LogLevel, "log-level", "", "log level (overrides log_level)")
	flags.BoolVar(&options.JSON, "json", false, "output as JSON")

	command.AddCommand(
		newRunCommand(options),
		newRecordCommand(options),
		newQueueCommand(options),
		newKeygenCommand(options),
		newVersionCommand(options),
	)
	return command
}

// loadConfig loads the file named by --config, or by TALLY_CONFIG when
// the flag is absent.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	if o.ConfigPath == "" {
		if o.EnvFile != "" {
			return nil, fmt.Errorf("--env-file needs --config")
		}
		return config.Load()
	}
	return config.LoadWithOptions(config.Options{Path: o.ConfigPath, EnvFile: o.EnvFile})
}

func (o *rootOptions) logger(cfg *config.Config) (*zap.Logger, error) {
	level := cfg.LogLevel
	if o.LogLevel != "" {
		level = o.LogLevel
	}
	return logging.New(logging.Options{
		Level:       level,
		Environment: string(cfg.Environment),
		Output:      o.stderr,
	})
}

func (o *rootOptions) writeJSON(value any) error {
	encoder := json.NewEncoder(o.stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

// loadAgentConfig loads the configuration and builds the logger it asks
// for.
func (o *rootOptions) loadAgentConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := o.logger(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
