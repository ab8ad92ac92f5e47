// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bureau-foundation/tally/lib/agent"
	"github.com/bureau-foundation/tally/lib/clock"
)

type runOptions struct {
	*rootOptions
	Strict       bool
	DrainTimeout time.Duration
	StopTimeout  time.Duration
}

func newRunCommand(root *rootOptions) *cobra.Command {
	options := &runOptions{rootOptions: root}
	command := &cobra.Command{
		Use:   "run",
		Short: "Run the agent over JSON-lines signals read from stdin",
		Long: `Run starts the agent and applies one signal per input line, for example:

  {"type":"begin_session"}
  {"type":"event","key":"purchase","segmentation":{"tier":"gold"},"sum":9.99}
  {"type":"user","properties":{"name":"Ada","plan":"pro"}}
  {"type":"consent","features":["location"],"granted":false}
  {"type":"end_session"}

At end of input the agent flushes, waits up to --drain-timeout for the
queue to empty, and stops. Undelivered requests stay queued for the
next run.`,
		Args: cobra.NoArgs,
		RunE: func(command *cobra.Command, _ []string) error {
			return options.run(command.Context())
		},
	}
	flags := command.Flags()
	flags.BoolVar(&options.Strict, "strict", false, "stop at the first invalid signal")
	flags.DurationVar(&options.DrainTimeout, "drain-timeout", 10*time.Second, "how long to wait for delivery at end of input")
	flags.DurationVar(&options.StopTimeout, "stop-timeout", 5*time.Second, "how long to wait for an in-flight request on stop")
	return command
}

func (o *runOptions) run(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, logger, err := o.loadAgentConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	instance, err := agent.New(cfg, agent.Options{Logger: logger})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := instance.Start(ctx); err != nil {
		instance.Stop(context.Background())
		return err
	}

	applied, failed, readErr := o.consume(ctx, instance, logger)
	if readErr == nil && ctx.Err() == nil {
		if err := instance.Flush(ctx); err != nil {
			logger.Warn("final flush failed", zap.Error(err))
		}
		drain(ctx, instance, o.DrainTimeout)
	}

	stopContext, cancel := context.WithTimeout(context.Background(), o.StopTimeout)
	defer cancel()
	stopErr := instance.Stop(stopContext)

	stats := instance.Stats()
	logger.Info("run finished",
		zap.Int("signals", applied),
		zap.Int("invalid", failed),
		zap.Uint64("sent", stats.Sent),
		zap.Uint64("dropped", stats.Dropped))
	if readErr != nil {
		return readErr
	}
	if stopErr != nil {
		return stopErr
	}
	if failed > 0 {
		return &exitError{Code: 1}
	}
	return nil
}

// consume applies signals until end of input or ctx ends. Invalid lines
// are logged and counted unless --strict.
func (o *runOptions) consume(ctx context.Context, instance *agent.Agent, logger *zap.Logger) (applied, failed int, err error) {
	lines := make(chan []byte)
	scanDone := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(o.stdin)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				scanDone <- nil
				return
			}
		}
		scanDone <- scanner.Err()
	}()

	number := 0
	for {
		select {
		case <-ctx.Done():
			return applied, failed, nil
		case line, ok := <-lines:
			if !ok {
				if err := <-scanDone; err != nil {
					return applied, failed, fmt.Errorf("reading signals: %w", err)
				}
				return applied, failed, nil
			}
			number++
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			parsed, err := parseSignal(line)
			if err == nil {
				err = apply(ctx, instance, parsed)
			}
			if err != nil {
				if o.Strict {
					return applied, failed + 1, fmt.Errorf("line %d: %w", number, err)
				}
				failed++
				logger.Warn("invalid signal", zap.Int("line", number), zap.Error(err))
				continue
			}
			applied++
		}
	}
}

// drain waits until the queue is empty, timeout passes, or ctx ends.
func drain(ctx context.Context, instance *agent.Agent, timeout time.Duration) bool {
	wall := clock.Real()
	deadline := wall.After(timeout)
	ticker := wall.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		ids, err := instance.Queued(ctx)
		if err == nil && len(ids) == 0 {
			return true
		}
		select {
		case <-ticker.C:
		case <-deadline:
			return false
		case <-ctx.Done():
			return false
		}
	}
}
