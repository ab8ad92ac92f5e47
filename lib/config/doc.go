// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the tally agent.
//
// Configuration is loaded from a single file named by the TALLY_CONFIG
// environment variable (via [Load]) or a --config flag (via [LoadFile]).
// YAML (.yaml, .yml) and JSON with comments (.json, .jsonc) are both
// accepted; unknown keys are errors in either format.
//
// Loading runs in a fixed order:
//
//  1. [Default] values.
//  2. The file, checked against the embedded CUE schema (types, enums,
//     ranges, closed key set) and then decoded over the defaults.
//  3. TALLY_* environment overrides, read from the process environment
//     and, when [Options].EnvFile is set, a dotenv file. The process
//     environment wins over the file.
//  4. ${HOME} and ${VAR:-default} expansion in path fields.
//  5. [Config.Validate] for cross-field rules (URL shape, custom device
//     id strategy needs a device id, pin encoding).
//
// Every failure is a *[Error] naming the offending field where one
// exists.
package config
