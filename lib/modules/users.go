// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/bureau-foundation/tally/lib/orchestrator"
	"github.com/bureau-foundation/tally/lib/request"
)

// standardUserFields are sent at the top level of user_details; every
// other property goes under "custom".
var standardUserFields = map[string]bool{
	"name":         true,
	"username":     true,
	"email":        true,
	"organization": true,
	"phone":        true,
	"picture":      true,
	"gender":       true,
	"byear":        true,
}

// Users collects user profile changes and sends the accumulated delta
// with the next flush.
type Users struct {
	orchestrator.Base
	host orchestrator.Host

	mu       sync.Mutex
	standard map[string]any
	custom   map[string]any
}

// NewUsers is the user profiles factory.
func NewUsers(host orchestrator.Host) (orchestrator.Module, error) {
	return &Users{host: host, standard: map[string]any{}, custom: map[string]any{}}, nil
}

func (u *Users) Feature() orchestrator.Feature { return orchestrator.FeatureUserProfiles }

// Set records one profile property. Values must be strings, booleans or
// finite numbers.
func (u *Users) Set(key string, value any) error {
	if key == "" {
		return fmt.Errorf("empty user property name")
	}
	switch typed := value.(type) {
	case string, bool, int, int32, int64:
	case float64:
		if math.IsNaN(typed) || math.IsInf(typed, 0) {
			return fmt.Errorf("user property %q: non-finite number", key)
		}
	default:
		return fmt.Errorf("user property %q: unsupported type %T", key, value)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if standardUserFields[key] {
		u.standard[key] = value
	} else {
		u.custom[key] = value
	}
	return nil
}

// Pending reports whether a delta is waiting for a flush.
func (u *Users) Pending() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.standard)+len(u.custom) > 0
}

func (u *Users) Contribute(_ context.Context, _ orchestrator.FlushReason, params request.Params) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.standard)+len(u.custom) == 0 {
		return nil
	}

	details := make(map[string]any, len(u.standard)+1)
	for key, value := range u.standard {
		details[key] = value
	}
	if len(u.custom) > 0 {
		details["custom"] = u.custom
	}
	data, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encoding user details: %w", err)
	}
	params[request.ParamUserDetails] = string(data)
	u.standard = map[string]any{}
	u.custom = map[string]any{}
	return nil
}

// Restore takes back an unsent delta. Properties set since the flush
// win.
func (u *Users) Restore(_ context.Context, params request.Params) {
	var details map[string]any
	if err := json.Unmarshal([]byte(params[request.ParamUserDetails]), &details); err != nil {
		u.host.Logger().Error("restoring user details failed", zap.Error(err))
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	custom, _ := details["custom"].(map[string]any)
	delete(details, "custom")
	for key, value := range details {
		if _, newer := u.standard[key]; !newer {
			u.standard[key] = value
		}
	}
	for key, value := range custom {
		if _, newer := u.custom[key]; !newer {
			u.custom[key] = value
		}
	}
}

// OnConsentChanged discards the delta when profile consent is revoked.
func (u *Users) OnConsentChanged(_ context.Context, changed orchestrator.Feature, granted bool) error {
	if granted || !changed.Has(orchestrator.FeatureUserProfiles) {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.standard = map[string]any{}
	u.custom = map[string]any{}
	return nil
}
