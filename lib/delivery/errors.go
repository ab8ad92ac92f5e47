// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"errors"
	"fmt"
)

// ErrRejected is wrapped by errors for requests the collector answered
// without a success result.
var ErrRejected = errors.New("delivery: collector rejected request")

// Kind classifies a delivery failure.
type Kind int

const (
	// KindNetwork: the request did not complete.
	KindNetwork Kind = iota

	// KindStatus: a non-2xx status.
	KindStatus

	// KindResponse: a 2xx status with a body that is not the expected
	// JSON object.
	KindResponse

	// KindRejected: a well-formed answer whose result is not success.
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindStatus:
		return "status"
	case KindResponse:
		return "response"
	case KindRejected:
		return "rejected"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is a failed delivery attempt. Every kind is transient: the
// request stays queued.
type Error struct {
	Kind       Kind
	StatusCode int

	// Body is the response body, truncated for logging.
	Body string

	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("delivery: collector returned HTTP %d: %s", e.StatusCode, e.Body)
	case KindRejected:
		return fmt.Sprintf("delivery: collector rejected request: %s", e.Body)
	case KindResponse:
		return fmt.Sprintf("delivery: unreadable collector response: %v", e.Err)
	default:
		return fmt.Sprintf("delivery: %s: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}
