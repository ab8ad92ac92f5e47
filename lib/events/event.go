// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidEvent is wrapped by every Record rejection.
var ErrInvalidEvent = errors.New("events: invalid event")

// Event is one buffered entry as serialized into the events parameter.
type Event struct {
	Key          string         `json:"key"`
	Count        int            `json:"count"`
	Sum          float64        `json:"sum,omitempty"`
	Duration     float64        `json:"dur,omitempty"`
	Timestamp    int64          `json:"timestamp"`
	Hour         int            `json:"hour"`
	DayOfWeek    int            `json:"dow"`
	Segmentation map[string]any `json:"segment,omitempty"`
}

// normalizeKey NFC-normalizes and trims an event key.
func normalizeKey(key string) (string, error) {
	key = strings.TrimSpace(norm.NFC.String(key))
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidEvent)
	}
	return key, nil
}

// normalizeSegmentation returns a copy of segmentation with names and
// string values NFC-normalized, integers widened to int64, and floats
// to float64. Nested values, nil, and non-finite floats are rejected.
// An empty map normalizes to nil.
func normalizeSegmentation(segmentation map[string]any) (map[string]any, error) {
	if len(segmentation) == 0 {
		return nil, nil
	}
	normalized := make(map[string]any, len(segmentation))
	for name, value := range segmentation {
		name = norm.NFC.String(name)
		if name == "" {
			return nil, fmt.Errorf("%w: empty segment name", ErrInvalidEvent)
		}
		scalar, err := normalizeValue(value)
		if err != nil {
			return nil, fmt.Errorf("%w: segment %q: %v", ErrInvalidEvent, name, err)
		}
		normalized[name] = scalar
	}
	return normalized, nil
}

func normalizeValue(value any) (any, error) {
	switch typed := value.(type) {
	case string:
		return norm.NFC.String(typed), nil
	case bool:
		return typed, nil
	case int:
		return int64(typed), nil
	case int8:
		return int64(typed), nil
	case int16:
		return int64(typed), nil
	case int32:
		return int64(typed), nil
	case int64:
		return typed, nil
	case uint8:
		return int64(typed), nil
	case uint16:
		return int64(typed), nil
	case uint32:
		return int64(typed), nil
	case uint:
		if uint64(typed) > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d out of range", typed)
		}
		return int64(typed), nil
	case uint64:
		if typed > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d out of range", typed)
		}
		return int64(typed), nil
	case json.Number:
		if integer, err := typed.Int64(); err == nil {
			return integer, nil
		}
		float, err := typed.Float64()
		if err != nil {
			return nil, err
		}
		return checkFinite(float)
	case float32:
		return checkFinite(float64(typed))
	case float64:
		return checkFinite(typed)
	case nil:
		return nil, errors.New("nil value")
	default:
		return nil, fmt.Errorf("unsupported value type %T", value)
	}
}

func checkFinite(value float64) (any, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, fmt.Errorf("non-finite number %v", value)
	}
	return value, nil
}

// identity is the merge key of a normalized key and segmentation.
func identity(key string, segmentation map[string]any) string {
	var builder strings.Builder
	builder.WriteString(key)
	names := make([]string, 0, len(segmentation))
	for name := range segmentation {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		// %T distinguishes "1" from 1 and true from "true".
		fmt.Fprintf(&builder, "\x00%s\x00%T\x00%v", name, segmentation[name], segmentation[name])
	}
	return builder.String()
}
