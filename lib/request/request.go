// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package request

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/bureau-foundation/tally/lib/codec"
)

// PendingDeviceID stands in for the device id in requests built before
// the primary device id was resolved.
const PendingDeviceID = "TALLY_PENDING_DEVICE_ID"

// Request is one collector call.
type Request struct {
	// ID is the creation time in Unix nanoseconds and the request's
	// position in the queue.
	ID int64 `cbor:"id" json:"id"`

	Params Params `cbor:"params" json:"params"`
}

// CreatedAt returns the creation time encoded in the id.
func (r *Request) CreatedAt() time.Time {
	return time.Unix(0, r.ID)
}

// DeviceID returns the device_id parameter.
func (r *Request) DeviceID() string {
	return r.Params[ParamDeviceID]
}

// IsPending reports whether the request still carries the placeholder
// device id.
func (r *Request) IsPending() bool {
	return r.Params[ParamDeviceID] == PendingDeviceID
}

// ResolveDeviceID replaces the placeholder device id with deviceID and
// reports whether anything changed. Requests that already carry a real
// id are left alone.
func (r *Request) ResolveDeviceID(deviceID string) bool {
	if !r.IsPending() || deviceID == "" || deviceID == PendingDeviceID {
		return false
	}
	r.Params[ParamDeviceID] = deviceID
	return true
}

// Query returns the URL-encoded parameters with keys sorted. When salt
// is non-empty a checksum256 parameter, the hex SHA-256 of the encoded
// query followed by the salt, is appended.
func (r *Request) Query(salt string) string {
	values := make(url.Values, len(r.Params))
	for key, value := range r.Params {
		values.Set(key, value)
	}
	query := values.Encode()
	if salt == "" {
		return query
	}
	digest := sha256.Sum256([]byte(query + salt))
	return query + "&" + ParamChecksum + "=" + hex.EncodeToString(digest[:])
}

// Marshal encodes the request for storage.
func (r *Request) Marshal() ([]byte, error) {
	return codec.Marshal(r)
}

// ErrMalformed is returned by Unmarshal for records that decode but are
// not usable requests.
var ErrMalformed = errors.New("malformed request record")

// Unmarshal decodes a stored request.
func Unmarshal(data []byte) (*Request, error) {
	var r Request
	if err := codec.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	if r.ID <= 0 || len(r.Params) == 0 {
		return nil, ErrMalformed
	}
	return &r, nil
}
