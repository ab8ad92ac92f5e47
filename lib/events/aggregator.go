// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bureau-foundation/tally/lib/clock"
)

// Config configures an Aggregator.
type Config struct {
	Clock  clock.Clock
	Logger *zap.Logger
}

// Aggregator is the event buffer. Safe for concurrent use.
type Aggregator struct {
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	entries []*Event
	index   map[string]int
}

// New returns an empty Aggregator.
func New(cfg Config) *Aggregator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		clock:  cfg.Clock,
		logger: logger.With(zap.String("component", "events")),
		index:  make(map[string]int),
	}
}

// Record adds an event and returns the number of buffered entries. A
// zero count means 1. On error the buffer is unchanged.
func (a *Aggregator) Record(key string, segmentation map[string]any, count int, sum, duration float64) (int, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return a.Size(), err
	}
	if count < 0 {
		return a.Size(), fmt.Errorf("%w: count %d", ErrInvalidEvent, count)
	}
	if count == 0 {
		count = 1
	}
	for name, value := range map[string]float64{"sum": sum, "duration": duration} {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return a.Size(), fmt.Errorf("%w: %s is %v", ErrInvalidEvent, name, value)
		}
	}
	if duration < 0 {
		return a.Size(), fmt.Errorf("%w: negative duration", ErrInvalidEvent)
	}
	segmentation, err = normalizeSegmentation(segmentation)
	if err != nil {
		return a.Size(), err
	}

	now := a.clock.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.addLocked(&Event{
		Key:          key,
		Count:        count,
		Sum:          sum,
		Duration:     duration,
		Timestamp:    now.UnixMilli(),
		Segmentation: segmentation,
	}, now.Location())
	return len(a.entries), nil
}

// addLocked merges event into the buffer and stamps hour and dow from
// the resulting timestamp. An entry whose count would overflow is not
// merged into; event starts a new entry for the same identity.
func (a *Aggregator) addLocked(event *Event, location *time.Location) {
	merged := event
	id := identity(event.Key, event.Segmentation)
	if position, ok := a.index[id]; ok && a.entries[position].Count <= math.MaxInt-event.Count {
		merged = a.entries[position]
		merged.Timestamp = weightedTimestamp(merged.Timestamp, merged.Count, event.Timestamp, event.Count)
		merged.Count += event.Count
		merged.Sum += event.Sum
		merged.Duration += event.Duration
	} else {
		a.index[id] = len(a.entries)
		a.entries = append(a.entries, event)
	}

	stamped := time.UnixMilli(merged.Timestamp).In(location)
	merged.Hour = stamped.Hour()
	merged.DayOfWeek = int(stamped.Weekday())
}

// weightedTimestamp is the count-weighted mean of two timestamps. It
// moves from the first toward the second by the second's share of the
// total count, so no intermediate product can overflow.
func weightedTimestamp(first int64, firstCount int, second int64, secondCount int) int64 {
	share := float64(secondCount) / (float64(firstCount) + float64(secondCount))
	return first + int64(math.Round(float64(second-first)*share))
}

// Size returns the number of distinct buffered entries.
func (a *Aggregator) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Drain returns the buffer as a JSON array and empties it. An empty
// buffer drains to nil. The count is the number of entries drained.
func (a *Aggregator) Drain() (json.RawMessage, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.entries) == 0 {
		return nil, 0
	}

	data, err := json.Marshal(a.entries)
	if err != nil {
		// Record checked every value; keep the buffer.
		a.logger.Error("serializing events failed", zap.Error(err))
		return nil, 0
	}
	count := len(a.entries)
	a.entries = nil
	a.index = make(map[string]int)
	return data, count
}

// Restore merges previously drained events back into the buffer, for
// when the request carrying them could not be written.
func (a *Aggregator) Restore(data json.RawMessage) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var restored []*Event
	if err := decoder.Decode(&restored); err != nil {
		return fmt.Errorf("decoding drained events: %w", err)
	}

	location := a.clock.Now().Location()
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, event := range restored {
		segmentation, err := normalizeSegmentation(event.Segmentation)
		if err != nil || event.Count <= 0 {
			a.logger.Warn("dropping unrestorable event", zap.String("key", event.Key))
			continue
		}
		event.Segmentation = segmentation
		a.addLocked(event, location)
	}
	return nil
}

// Snapshot returns copies of the buffered entries in insertion order.
func (a *Aggregator) Snapshot() []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	snapshot := make([]Event, len(a.entries))
	for index, event := range a.entries {
		snapshot[index] = *event
	}
	return snapshot
}
