// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed provides age encryption for queue records at rest. It
// wraps filippo.io/age for the operations the agent needs: generate x25519
// keypairs, encrypt to one or more recipients, and decrypt with the
// identities from an identity file.
//
// Key exports:
//
//   - [GenerateKeypair] -- new age x25519 keypair (used by `tally keygen`)
//   - [ParseRecipients] / [LoadIdentities] -- key parsing and validation
//   - [Encrypt] / [Decrypt] -- raw binary age payloads
//
// Identity files use the age-keygen format, so keys generated by either
// tool are interchangeable.
package sealed
