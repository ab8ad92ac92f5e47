// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bureau-foundation/tally/lib/codec"
	"github.com/bureau-foundation/tally/lib/identity"
	"github.com/bureau-foundation/tally/lib/queuestore"
	"github.com/bureau-foundation/tally/lib/request"
)

type queueOptions struct {
	*rootOptions
	Prefix string
}

func newQueueCommand(root *rootOptions) *cobra.Command {
	options := &queueOptions{rootOptions: root}
	command := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the durable queue",
	}
	command.PersistentFlags().StringVarP(&options.Prefix, "prefix", "p", string(queuestore.PrefixRequest),
		"record prefix (request, crash, did)")

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued records, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, _ []string) error {
			return options.list(command.Context(), limit)
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 0, "show at most this many records (negative: newest first)")

	var diagnostic bool
	show := &cobra.Command{
		Use:   "show ID",
		Short: "Print one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid record id %q", args[0])
			}
			return options.show(command.Context(), id, diagnostic)
		},
	}
	show.Flags().BoolVar(&diagnostic, "diag", false, "print the stored CBOR in diagnostic notation")

	var yes bool
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete every record under the prefix",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("purge deletes undelivered data; pass --yes to confirm")
			}
			return options.purge(command.Context())
		},
	}
	purge.Flags().BoolVar(&yes, "yes", false, "confirm deletion")

	command.AddCommand(list, show, purge)
	return command
}

func (o *queueOptions) prefix() (queuestore.Prefix, error) {
	switch prefix := queuestore.Prefix(o.Prefix); prefix {
	case queuestore.PrefixRequest, queuestore.PrefixCrash, queuestore.PrefixDID:
		return prefix, nil
	default:
		return "", fmt.Errorf("unknown prefix %q (want request, crash or did)", o.Prefix)
	}
}

// withStore opens the configured store for the duration of body.
func (o *queueOptions) withStore(body func(queuestore.Store, queuestore.Prefix) error) error {
	prefix, err := o.prefix()
	if err != nil {
		return err
	}
	cfg, logger, err := o.loadAgentConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()
	store, err := queuestore.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing queue store failed", zap.Error(err))
		}
	}()
	return body(store, prefix)
}

// recordSummary is one line of `queue list`.
type recordSummary struct {
	ID       int64     `json:"id"`
	Created  time.Time `json:"created"`
	DeviceID string    `json:"device_id,omitempty"`
	Params   []string  `json:"params,omitempty"`
	Error    string    `json:"error,omitempty"`
}

func (o *queueOptions) list(ctx context.Context, limit int) error {
	return o.withStore(func(store queuestore.Store, prefix queuestore.Prefix) error {
		if ctx == nil {
			ctx = context.Background()
		}
		ids, err := store.List(ctx, prefix, limit)
		if err != nil {
			return err
		}
		summaries := make([]recordSummary, 0, len(ids))
		for _, id := range ids {
			summaries = append(summaries, summarize(ctx, store, queuestore.Key{Prefix: prefix, ID: id}))
		}

		if o.JSON {
			return o.writeJSON(summaries)
		}
		writer := tabwriter.NewWriter(o.stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "ID\tCREATED\tDEVICE\tPARAMS")
		for _, summary := range summaries {
			detail := strings.Join(summary.Params, ",")
			if summary.Error != "" {
				detail = "error: " + summary.Error
			}
			created := "-"
			if prefix != queuestore.PrefixDID {
				created = summary.Created.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(writer, "%d\t%s\t%s\t%s\n", summary.ID, created, summary.DeviceID, detail)
		}
		return writer.Flush()
	})
}

// commonParams are left out of list output.
var commonParams = map[string]bool{
	request.ParamAppKey:     true,
	request.ParamAppVersion: true,
	request.ParamDeviceID:   true,
	request.ParamTimestamp:  true,
	request.ParamHour:       true,
	request.ParamDayOfWeek:  true,
	request.ParamTimezone:   true,
	request.ParamSDKName:    true,
	request.ParamSDKVersion: true,
}

func summarize(ctx context.Context, store queuestore.Store, key queuestore.Key) recordSummary {
	summary := recordSummary{ID: key.ID, Created: time.Unix(0, key.ID)}
	data, err := store.Load(ctx, key)
	if err != nil {
		summary.Error = err.Error()
		return summary
	}
	if key.Prefix == queuestore.PrefixDID {
		var did identity.DID
		if err := codec.Unmarshal(data, &did); err != nil {
			summary.Error = err.Error()
			return summary
		}
		summary.DeviceID = did.ID
		summary.Params = []string{string(did.Realm), string(did.Strategy)}
		return summary
	}

	req, err := request.Unmarshal(data)
	if err != nil {
		summary.Error = err.Error()
		return summary
	}
	summary.DeviceID = req.DeviceID()
	for name := range req.Params {
		if !commonParams[name] {
			summary.Params = append(summary.Params, name)
		}
	}
	sort.Strings(summary.Params)
	return summary
}

func (o *queueOptions) show(ctx context.Context, id int64, diagnostic bool) error {
	return o.withStore(func(store queuestore.Store, prefix queuestore.Prefix) error {
		if ctx == nil {
			ctx = context.Background()
		}
		key := queuestore.Key{Prefix: prefix, ID: id}
		data, err := store.Load(ctx, key)
		if err != nil {
			return err
		}
		if diagnostic {
			text, err := codec.Diagnose(data)
			if err != nil {
				return err
			}
			fmt.Fprintln(o.stdout, text)
			return nil
		}
		if prefix == queuestore.PrefixDID {
			var did identity.DID
			if err := codec.Unmarshal(data, &did); err != nil {
				return err
			}
			return o.writeJSON(did)
		}
		req, err := request.Unmarshal(data)
		if err != nil {
			return err
		}
		return o.writeJSON(req)
	})
}

func (o *queueOptions) purge(ctx context.Context) error {
	return o.withStore(func(store queuestore.Store, prefix queuestore.Prefix) error {
		if ctx == nil {
			ctx = context.Background()
		}
		ids, err := store.List(ctx, prefix, 0)
		if err != nil {
			return err
		}
		if err := store.Purge(ctx, prefix); err != nil {
			return err
		}
		fmt.Fprintf(o.stdout, "purged %d %s record(s)\n", len(ids), prefix)
		return nil
	})
}
