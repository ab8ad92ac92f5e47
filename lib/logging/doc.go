// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package logging builds the agent's zap logger.
//
// When stderr is a terminal and the environment is not "production",
// [New] returns a development console logger with colored levels.
// Otherwise it returns the production JSON encoder, so logs piped into a
// collector or CI are machine-parseable. Components receive the
// *zap.Logger in their constructors and scope it with
// logger.Named(component); tests pass zap.NewNop().
package logging
