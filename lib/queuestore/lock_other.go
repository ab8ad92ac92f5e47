// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !unix

package queuestore

import "os"

// Without flock only the in-process mutex serializes writers.

func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
