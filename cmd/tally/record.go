// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bureau-foundation/tally/lib/agent"
)

type recordOptions struct {
	*rootOptions
	Segments map[string]string
	Count    int
	Sum      float64
	Duration float64
	Wait     time.Duration
}

func newRecordCommand(root *rootOptions) *cobra.Command {
	options := &recordOptions{rootOptions: root}
	command := &cobra.Command{
		Use:   "record KEY",
		Short: "Record one event and deliver it",
		Long: `Record starts the agent, records one event, flushes, and waits up to
--wait for the queue to drain. It exits 1 when requests are still
queued at the deadline; they are delivered by the next run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, args []string) error {
			return options.run(command.Context(), args[0])
		},
	}
	flags := command.Flags()
	flags.StringToStringVarP(&options.Segments, "segment", "s", nil, "segmentation entries (key=value, repeatable)")
	flags.IntVar(&options.Count, "count", 1, "occurrences")
	flags.Float64Var(&options.Sum, "sum", 0, "summed value, such as a purchase amount")
	flags.Float64Var(&options.Duration, "dur", 0, "duration in seconds")
	flags.DurationVar(&options.Wait, "wait", 10*time.Second, "how long to wait for delivery")
	return command
}

func (o *recordOptions) run(ctx context.Context, key string) error {
	if ctx == nil {
		ctx = context.Background()
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
	defer instance.Stop(context.Background())
	if err := instance.Start(ctx); err != nil {
		return err
	}

	var segmentation map[string]any
	if len(o.Segments) > 0 {
		segmentation = make(map[string]any, len(o.Segments))
		for name, value := range o.Segments {
			segmentation[name] = value
		}
	}
	if err := instance.RecordEvent(ctx, key, segmentation, o.Count, o.Sum, o.Duration); err != nil {
		return err
	}
	if err := instance.Flush(ctx); err != nil {
		return err
	}

	delivered := drain(ctx, instance, o.Wait)
	queued, _ := instance.Queued(ctx)
	if o.JSON {
		if err := o.writeJSON(map[string]any{
			"device_id": instance.DeviceID(),
			"delivered": delivered,
			"queued":    len(queued),
		}); err != nil {
			return err
		}
	} else if delivered {
		fmt.Fprintf(o.stdout, "delivered %q for device %s\n", key, instance.DeviceID())
	} else {
		fmt.Fprintf(o.stdout, "%d request(s) still queued after %s\n", len(queued), o.Wait)
	}
	if !delivered {
		return &exitError{Code: 1}
	}
	return nil
}
