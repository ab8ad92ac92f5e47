// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/bureau-foundation/tally/lib/clock"
	"github.com/bureau-foundation/tally/lib/netutil"
	"github.com/bureau-foundation/tally/lib/orchestrator"
	"github.com/bureau-foundation/tally/lib/queuestore"
	"github.com/bureau-foundation/tally/lib/request"
)

// Backoff bounds for consecutive failures.
const (
	InitialBackoff = 1 * time.Second
	MaxBackoff     = 5 * time.Minute
)

// Voter decides whether a queued request may still be sent.
type Voter interface {
	CheckRequest(ctx context.Context, req *request.Request) orchestrator.Vote
}

// PendingResolver rewrites a record still carrying the placeholder
// device id. It returns the resolved request, or nil while no device id
// is available.
type PendingResolver interface {
	ResolvePending(ctx context.Context, key queuestore.Key) (*request.Request, error)
}

// Config configures an Engine.
type Config struct {
	Store     queuestore.Store
	Transport Transport
	Clock     clock.Clock
	Logger    *zap.Logger

	// Salt adds checksum256 to every call when set.
	Salt string

	// MaxAge drops requests older than this unsent. Zero disables it.
	MaxAge time.Duration

	// Voter and Pending are optional. Without Pending, a placeholder
	// record stops the drain.
	Voter   Voter
	Pending PendingResolver

	// InitialBackoff and MaxBackoff default to the package constants.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Stats counts what the engine has done.
type Stats struct {
	Sent      uint64
	Dropped   uint64
	Failures  uint64
	InBackoff bool
}

// outcome is the result of processing the head record.
type outcome int

const (
	outcomeSent outcome = iota
	outcomeDropped
	outcomeGone
	outcomeBlocked
	outcomeFailed
)

// Engine drains the request queue. Safe for concurrent use.
type Engine struct {
	store     queuestore.Store
	transport Transport
	clock     clock.Clock
	logger    *zap.Logger
	salt      string
	maxAge    time.Duration
	voter     Voter
	pending   PendingResolver

	initialBackoff time.Duration
	maxBackoff     time.Duration

	// workerContext is cancelled when Stop gives up waiting.
	workerContext context.Context
	cancelWorker  context.CancelFunc

	mu      sync.Mutex
	running bool
	again   bool
	stopped bool
	backoff time.Duration
	retry   *clock.Timer
	done    chan struct{}

	sent     atomic.Uint64
	dropped  atomic.Uint64
	failures atomic.Uint64
}

// New returns an idle engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Transport == nil || cfg.Clock == nil {
		return nil, errors.New("delivery: Store, Transport and Clock are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = InitialBackoff
	}
	maximum := cfg.MaxBackoff
	if maximum < initial {
		maximum = MaxBackoff
		if maximum < initial {
			maximum = initial
		}
	}

	workerContext, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:          cfg.Store,
		transport:      cfg.Transport,
		clock:          cfg.Clock,
		logger:         logger.With(zap.String("component", "delivery")),
		salt:           cfg.Salt,
		maxAge:         cfg.MaxAge,
		voter:          cfg.Voter,
		pending:        cfg.Pending,
		initialBackoff: initial,
		maxBackoff:     maximum,
		workerContext:  workerContext,
		cancelWorker:   cancel,
		backoff:        initial,
	}, nil
}

// Tick starts a worker unless one is running, the engine is in backoff,
// or it has stopped. A tick arriving while a worker runs makes that
// worker take one more pass before exiting.
func (e *Engine) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped || e.retry != nil {
		return
	}
	if e.running {
		e.again = true
		return
	}
	e.running = true
	e.done = make(chan struct{})
	go e.work(e.done)
}

// Run ticks on every store write until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	notify := e.store.Notify()
	for {
		select {
		case <-notify:
			e.Tick()
		case <-ctx.Done():
			return
		}
	}
}

// ResetBackoff cancels a pending retry and ticks at once.
func (e *Engine) ResetBackoff() {
	e.mu.Lock()
	if e.retry != nil {
		e.retry.Stop()
		e.retry = nil
	}
	e.backoff = e.initialBackoff
	e.mu.Unlock()
	e.Tick()
}

// Stop refuses further ticks and waits for the in-flight attempt. If
// ctx ends first the attempt is cancelled and ctx's error returned.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	if e.retry != nil {
		e.retry.Stop()
		e.retry = nil
	}
	done := e.done
	running := e.running
	e.mu.Unlock()

	if !running {
		e.cancelWorker()
		return nil
	}
	select {
	case <-done:
		e.cancelWorker()
		return nil
	case <-ctx.Done():
		e.cancelWorker()
		return ctx.Err()
	}
}

// Stats returns the counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	inBackoff := e.retry != nil
	e.mu.Unlock()
	return Stats{
		Sent:      e.sent.Load(),
		Dropped:   e.dropped.Load(),
		Failures:  e.failures.Load(),
		InBackoff: inBackoff,
	}
}

func (e *Engine) work(done chan struct{}) {
	for {
		e.drain()

		e.mu.Lock()
		if e.again && !e.stopped && e.retry == nil {
			e.again = false
			e.mu.Unlock()
			continue
		}
		e.running = false
		e.again = false
		close(done)
		e.mu.Unlock()
		return
	}
}

// drain processes head records until the queue empties, the head is
// blocked, or a send fails.
func (e *Engine) drain() {
	ctx := e.workerContext
	for {
		if e.isStopped() {
			return
		}
		ids, err := e.store.List(ctx, queuestore.PrefixRequest, 1)
		if err != nil {
			e.logger.Error("listing queued requests failed", zap.Error(err))
			e.enterBackoff()
			return
		}
		if len(ids) == 0 {
			return
		}

		switch e.process(ctx, queuestore.Key{Prefix: queuestore.PrefixRequest, ID: ids[0]}) {
		case outcomeSent, outcomeDropped, outcomeGone:
			continue
		case outcomeBlocked:
			return
		case outcomeFailed:
			e.enterBackoff()
			return
		}
	}
}

func (e *Engine) process(ctx context.Context, key queuestore.Key) outcome {
	data, err := e.store.Load(ctx, key)
	switch {
	case errors.Is(err, queuestore.ErrNotFound):
		return outcomeGone
	case queuestore.IsPermanent(err):
		return e.drop(ctx, key, "unreadable record", zap.Error(err))
	case err != nil:
		e.failures.Add(1)
		e.logger.Warn("reading queued request failed, will retry", zap.Stringer("key", key), zap.Error(err))
		return outcomeFailed
	}
	req, err := request.Unmarshal(data)
	if err != nil {
		return e.drop(ctx, key, "undecodable record", zap.Error(err))
	}
	req.ID = key.ID

	if req.IsPending() {
		if e.pending == nil {
			return outcomeBlocked
		}
		resolved, err := e.pending.ResolvePending(ctx, key)
		if err != nil {
			e.logger.Warn("resolving device id of queued request failed", zap.Stringer("key", key), zap.Error(err))
			return outcomeBlocked
		}
		if resolved == nil {
			e.logger.Debug("waiting for device id", zap.Stringer("key", key))
			return outcomeBlocked
		}
		req = resolved
	}

	if e.maxAge > 0 {
		if age := e.clock.Now().Sub(req.CreatedAt()); age > e.maxAge {
			return e.drop(ctx, key, "request exceeded maximum age", zap.Duration("age", age))
		}
	}

	if e.voter != nil && e.voter.CheckRequest(ctx, req) == orchestrator.VoteDrop {
		return e.drop(ctx, key, "request vetoed")
	}

	response, err := e.transport.Send(ctx, Call{RequestID: key.ID, Query: req.Query(e.salt)})
	if err == nil {
		err = checkResponse(response)
	}
	if err != nil {
		e.failures.Add(1)
		e.logger.Warn("delivery failed, will retry",
			zap.Stringer("key", key),
			zap.Bool("connectivity", netutil.IsConnectivityError(err)),
			zap.Error(err))
		return outcomeFailed
	}

	if err := e.store.Remove(ctx, key); err != nil {
		// The collector has it; a resend after restart is the lesser harm.
		e.logger.Error("removing delivered request failed", zap.Stringer("key", key), zap.Error(err))
	}
	e.sent.Add(1)
	e.mu.Lock()
	e.backoff = e.initialBackoff
	e.mu.Unlock()
	return outcomeSent
}

func (e *Engine) drop(ctx context.Context, key queuestore.Key, reason string, fields ...zap.Field) outcome {
	e.logger.Warn("dropping queued request: "+reason, append(fields, zap.Stringer("key", key))...)
	if err := e.store.Remove(ctx, key); err != nil {
		e.logger.Error("removing dropped request failed", zap.Stringer("key", key), zap.Error(err))
		return outcomeFailed
	}
	e.dropped.Add(1)
	return outcomeDropped
}

func (e *Engine) enterBackoff() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped || e.retry != nil {
		return
	}
	delay := e.backoff
	e.backoff *= 2
	if e.backoff > e.maxBackoff {
		e.backoff = e.maxBackoff
	}
	e.logger.Info("backing off", zap.Duration("delay", delay))
	var timer *clock.Timer
	timer = e.clock.AfterFunc(delay, func() {
		e.mu.Lock()
		if e.retry != timer {
			// Cancelled by ResetBackoff or Stop.
			e.mu.Unlock()
			return
		}
		e.retry = nil
		e.mu.Unlock()
		e.Tick()
	})
	e.retry = timer
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}
