// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bureau-foundation/tally/lib/version"
)

func newVersionCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if root.JSON {
				return root.writeJSON(map[string]string{
					"sdk_name":   version.SDKName,
					"version":    version.Version,
					"commit":     version.GitCommit,
					"build_time": version.BuildTime,
				})
			}
			fmt.Fprintln(root.stdout, version.Full())
			return nil
		},
	}
}
