// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for the tally
// binaries. It centralizes the raw stderr writes that happen before the
// structured logger exists or after main has given up.
package process
