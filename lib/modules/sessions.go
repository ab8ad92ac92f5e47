// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package modules

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/bureau-foundation/tally/lib/orchestrator"
	"github.com/bureau-foundation/tally/lib/request"
)

// Sessions tracks one session at a time. The first flush after Begin
// and every later one carry session_duration: the whole seconds since
// the previous report, with the remainder carried forward so the
// reported durations add up to the session's length. Session end, a
// non-merging user change, and stop add end_session.
type Sessions struct {
	orchestrator.Base
	host orchestrator.Host

	mu      sync.Mutex
	started bool
	last    time.Time
	carry   time.Duration

	// resume restarts the session after a user change ended it.
	resume bool
}

// NewSessions is the sessions factory.
func NewSessions(host orchestrator.Host) (orchestrator.Module, error) {
	return &Sessions{host: host}, nil
}

func (s *Sessions) Feature() orchestrator.Feature { return orchestrator.FeatureSessions }

// Active reports whether a session is running.
func (s *Sessions) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Begin starts a session and queues begin_session. Beginning an active
// session does nothing.
func (s *Sessions) Begin(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.last = s.host.Clock().Now()
	s.carry = 0
	s.mu.Unlock()

	req := s.host.NewRequest(request.Params{request.ParamBeginSession: "1"})
	if err := s.host.Enqueue(ctx, req); err != nil {
		return fmt.Errorf("beginning session: %w", err)
	}
	return nil
}

// Update reports the duration so far, merged with everything else
// pending.
func (s *Sessions) Update(ctx context.Context) error {
	if !s.Active() {
		return nil
	}
	return s.host.Flush(ctx, orchestrator.ReasonTimer)
}

// End ends the session.
func (s *Sessions) End(ctx context.Context) error {
	if !s.Active() {
		return nil
	}
	return s.host.Flush(ctx, orchestrator.ReasonSessionEnd)
}

func (s *Sessions) Contribute(_ context.Context, reason orchestrator.FlushReason, params request.Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}

	now := s.host.Clock().Now()
	elapsed := now.Sub(s.last) + s.carry
	seconds := elapsed / time.Second
	s.carry = elapsed - seconds*time.Second
	s.last = now

	switch reason {
	case orchestrator.ReasonSessionEnd, orchestrator.ReasonUserChange, orchestrator.ReasonStop:
		params[request.ParamEndSession] = "1"
		params[request.ParamSessionDuration] = strconv.FormatInt(int64(seconds), 10)
		s.started = false
		s.resume = reason == orchestrator.ReasonUserChange
	default:
		if seconds > 0 {
			params[request.ParamSessionDuration] = strconv.FormatInt(int64(seconds), 10)
		}
	}
	return nil
}

// Restore rolls back a reported duration, reopening an ended session.
func (s *Sessions) Restore(_ context.Context, params request.Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seconds, err := strconv.ParseInt(params[request.ParamSessionDuration], 10, 64); err == nil {
		s.last = s.last.Add(-time.Duration(seconds) * time.Second)
	}
	if params[request.ParamEndSession] != "" {
		s.started = true
		s.resume = false
	}
}

// OnUserChanged begins a new session for the new user when the change
// ended one.
func (s *Sessions) OnUserChanged(ctx context.Context) error {
	s.mu.Lock()
	resume := s.resume
	s.resume = false
	s.mu.Unlock()
	if !resume {
		return nil
	}
	return s.Begin(ctx)
}

// OnConsentChanged abandons the session when sessions consent is
// revoked.
func (s *Sessions) OnConsentChanged(_ context.Context, changed orchestrator.Feature, granted bool) error {
	if granted || !changed.Has(orchestrator.FeatureSessions) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	s.resume = false
	return nil
}
