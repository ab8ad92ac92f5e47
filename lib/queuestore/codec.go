// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queuestore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"filippo.io/age"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/tally/lib/sealed"
)

// ErrCorrupt marks a record whose frame, digest, compression, or
// encryption does not verify.
var ErrCorrupt = errors.New("queuestore: corrupt record")

// ErrSealed marks an encrypted record that none of the configured
// identities can open. The record itself may be intact, so it is kept
// until an identity that matches is configured.
var ErrSealed = errors.New("queuestore: record sealed to another identity")

// Record frame:
//
//	magic    [2]byte  "TQ"
//	version  byte     1
//	flags    byte     flagCompressed | flagEncrypted
//	digest   [32]byte BLAKE3-256 of the plaintext
//	length   uint32   plaintext length, big endian (compressed only)
//	payload  []byte
const (
	frameVersion   = 1
	flagCompressed = 1 << 0
	flagEncrypted  = 1 << 1
	headerSize     = 2 + 1 + 1 + 32
)

var frameMagic = [2]byte{'T', 'Q'}

// CodecOptions configures a Codec.
type CodecOptions struct {
	// Compress LZ4-compresses payloads when that makes them smaller.
	Compress bool

	// Recipients, when non-empty, encrypt every sealed record.
	Recipients []age.Recipient

	// Identities decrypt encrypted records.
	Identities []age.Identity
}

// Codec frames record bytes for storage. The zero value frames without
// compression or encryption. Safe for concurrent use.
type Codec struct {
	options CodecOptions
}

// NewCodec returns a Codec.
func NewCodec(options CodecOptions) *Codec {
	return &Codec{options: options}
}

// Seal frames plaintext.
func (c *Codec) Seal(plaintext []byte) ([]byte, error) {
	var flags byte
	payload := plaintext

	if c != nil && c.options.Compress {
		if compressed, ok := compressBlock(plaintext); ok {
			length := make([]byte, 4, 4+len(compressed))
			binary.BigEndian.PutUint32(length, uint32(len(plaintext)))
			payload = append(length, compressed...)
			flags |= flagCompressed
		}
	}

	if c != nil && len(c.options.Recipients) > 0 {
		encrypted, err := sealed.Encrypt(payload, c.options.Recipients)
		if err != nil {
			return nil, fmt.Errorf("queuestore: sealing record: %w", err)
		}
		payload = encrypted
		flags |= flagEncrypted
	}

	digest := blake3.Sum256(plaintext)
	frame := make([]byte, 0, headerSize+len(payload))
	frame = append(frame, frameMagic[0], frameMagic[1], frameVersion, flags)
	frame = append(frame, digest[:]...)
	frame = append(frame, payload...)
	return frame, nil
}

// Open verifies a frame and returns its plaintext. A record no
// configured identity can decrypt wraps ErrSealed; every other failure
// wraps ErrCorrupt.
func (c *Codec) Open(frame []byte) ([]byte, error) {
	if len(frame) < headerSize || frame[0] != frameMagic[0] || frame[1] != frameMagic[1] {
		return nil, fmt.Errorf("%w: bad frame header", ErrCorrupt)
	}
	if frame[2] != frameVersion {
		return nil, fmt.Errorf("%w: unsupported frame version %d", ErrCorrupt, frame[2])
	}
	flags := frame[3]
	digest := frame[4:headerSize]
	payload := frame[headerSize:]

	if flags&flagEncrypted != 0 {
		if c == nil || len(c.options.Identities) == 0 {
			return nil, fmt.Errorf("%w: no identity is configured", ErrSealed)
		}
		decrypted, err := sealed.Decrypt(payload, c.options.Identities)
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) {
			return nil, fmt.Errorf("%w: %v", ErrSealed, err)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		payload = decrypted
	}

	if flags&flagCompressed != 0 {
		if len(payload) < 4 {
			return nil, fmt.Errorf("%w: truncated compressed payload", ErrCorrupt)
		}
		length := int(binary.BigEndian.Uint32(payload[:4]))
		decompressed := make([]byte, length)
		read, err := lz4.UncompressBlock(payload[4:], decompressed)
		if err != nil || read != length {
			return nil, fmt.Errorf("%w: lz4: read %d of %d bytes: %v", ErrCorrupt, read, length, err)
		}
		payload = decompressed
	}

	computed := blake3.Sum256(payload)
	if !bytes.Equal(computed[:], digest) {
		return nil, fmt.Errorf("%w: digest mismatch", ErrCorrupt)
	}
	return payload, nil
}

// compressBlock returns the LZ4 block for data when it is smaller than
// data itself.
func compressBlock(data []byte) ([]byte, bool) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil || written == 0 || written >= len(data) {
		return nil, false
	}
	return destination[:written], true
}
