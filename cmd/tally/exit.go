// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import "fmt"

// exitError ends the process with Code without printing anything more;
// the command has already reported the outcome.
type exitError struct {
	Code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

func (e *exitError) ExitCode() int {
	return e.Code
}
