// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Tally is the command-line front end of the telemetry agent: it runs
// the agent as a thin adapter over JSON-lines signals, records one-off
// events, inspects the durable queue, and generates at-rest encryption
// keys.
package main

import (
	"os"

	"github.com/bureau-foundation/tally/lib/process"
)

func main() {
	process.Exit(newRootCommand(os.Stdin, os.Stdout, os.Stderr).Execute())
}
