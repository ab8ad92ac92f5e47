// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bureau-foundation/tally/lib/sealed"
)

type keygenOptions struct {
	*rootOptions
	Output string
	Force  bool
}

func newKeygenCommand(root *rootOptions) *cobra.Command {
	options := &keygenOptions{rootOptions: root}
	command := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an age keypair for at-rest queue encryption",
		Long: `Keygen writes an age identity file and prints its public key. Put the
public key in storage_recipients and the file path in
storage_identity_file to encrypt queued records.`,
		Args: cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return options.run()
		},
	}
	command.Flags().StringVarP(&options.Output, "output", "o", "", "identity file to write (required)")
	command.Flags().BoolVar(&options.Force, "force", false, "overwrite an existing identity file")
	command.MarkFlagRequired("output")
	return command
}

func (o *keygenOptions) run() error {
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return err
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if o.Force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	file, err := os.OpenFile(o.Output, flags, 0o600)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%s already exists; use --force to replace it", o.Output)
	}
	if err != nil {
		return err
	}
	if _, err := file.Write(keypair.IdentityFile(time.Now())); err != nil {
		file.Close()
		return fmt.Errorf("writing %s: %w", o.Output, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("writing %s: %w", o.Output, err)
	}

	if o.JSON {
		return o.writeJSON(map[string]string{"public_key": keypair.PublicKey, "identity_file": o.Output})
	}
	fmt.Fprintf(o.stdout, "Public key: %s\n", keypair.PublicKey)
	return nil
}
