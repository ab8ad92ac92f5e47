// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bureau-foundation/tally/lib/agent"
	"github.com/bureau-foundation/tally/lib/modules"
	"github.com/bureau-foundation/tally/lib/orchestrator"
)

// inputSignal is one line of `tally run` input. Type selects the operation;
// the other fields are its arguments.
type inputSignal struct {
	Type string `json:"type"`

	// event
	Key          string         `json:"key"`
	Segmentation map[string]any `json:"segmentation"`
	Count        int            `json:"count"`
	Sum          float64        `json:"sum"`
	Duration     float64        `json:"dur"`

	// user
	Properties map[string]any `json:"properties"`

	// crash
	Error  string         `json:"error"`
	Name   string         `json:"name"`
	Fatal  bool           `json:"fatal"`
	Custom map[string]any `json:"custom"`

	// location
	Latitude  *float64 `json:"lat"`
	Longitude *float64 `json:"lon"`

	// push_token, advertising_id, device_id
	Token string `json:"token"`
	ID    string `json:"id"`
	Merge bool   `json:"merge"`

	// consent
	Features []string `json:"features"`
	Granted  bool     `json:"granted"`
}

// errUnknownSignal is returned for lines whose type is not recognized.
var errUnknownSignal = errors.New("unknown signal type")

func parseSignal(line []byte) (*inputSignal, error) {
	decoder := json.NewDecoder(bytes.NewReader(line))
	decoder.UseNumber()
	decoder.DisallowUnknownFields()
	var parsed inputSignal
	if err := decoder.Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding signal: %w", err)
	}
	if parsed.Type == "" {
		return nil, errors.New("signal has no type")
	}
	return &parsed, nil
}

// apply forwards one signal to the agent.
func apply(ctx context.Context, a *agent.Agent, s *inputSignal) error {
	switch s.Type {
	case "event":
		return a.RecordEvent(ctx, s.Key, numbers(s.Segmentation), s.Count, s.Sum, s.Duration)
	case "begin_session":
		return a.BeginSession(ctx)
	case "update_session":
		return a.UpdateSession(ctx)
	case "end_session":
		return a.EndSession(ctx)
	case "user":
		for key, value := range numbers(s.Properties) {
			if err := a.SetUserProperty(key, value); err != nil {
				return err
			}
		}
		return nil
	case "crash":
		return a.RecordCrash(ctx, modules.Crash{
			Name:     s.Name,
			Error:    s.Error,
			NonFatal: !s.Fatal,
			Custom:   numbers(s.Custom),
		})
	case "location":
		if s.Latitude == nil || s.Longitude == nil {
			return a.DisableLocation(ctx)
		}
		return a.SetLocation(ctx, *s.Latitude, *s.Longitude)
	case "push_token":
		return a.SetPushToken(ctx, s.Token)
	case "advertising_id":
		return a.SetAdvertisingID(ctx, s.ID)
	case "device_id":
		return a.ChangeDeviceID(ctx, s.ID, s.Merge)
	case "consent":
		features, err := orchestrator.ParseFeatures(s.Features)
		if err != nil {
			return err
		}
		return a.SetConsent(ctx, features, s.Granted)
	case "flush":
		return a.Flush(ctx)
	case "connectivity":
		a.ConnectivityRestored()
		return nil
	default:
		return fmt.Errorf("%w %q", errUnknownSignal, s.Type)
	}
}

// numbers replaces the json.Number values of a decoded object with
// int64 or float64.
func numbers(values map[string]any) map[string]any {
	for key, value := range values {
		if number, ok := value.(json.Number); ok {
			values[key] = numberValue(number)
		}
	}
	return values
}

func numberValue(number json.Number) any {
	if integer, err := number.Int64(); err == nil {
		return integer
	}
	float, _ := number.Float64()
	return float
}
