// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Error is a configuration failure. Field is the yaml key at fault, or
// empty when the failure is not attributable to one key.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return "config: " + e.Message
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Validate checks cross-field rules the schema cannot express. All
// violations are joined into one error.
func (c *Config) Validate() error {
	var errs []error
	fail := func(field, format string, args ...any) {
		errs = append(errs, &Error{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch c.Environment {
	case Development, Staging, Production:
	default:
		fail("environment", "invalid environment %q", c.Environment)
	}

	if c.ServerURL == "" {
		fail("server_url", "is required")
	} else if parsed, err := url.Parse(c.ServerURL); err != nil {
		fail("server_url", "%v", err)
	} else if parsed.Scheme != "http" && parsed.Scheme != "https" {
		fail("server_url", "scheme must be http or https, got %q", parsed.Scheme)
	} else if parsed.Host == "" {
		fail("server_url", "has no host")
	}

	if strings.TrimSpace(c.AppKey) == "" {
		fail("app_key", "is required")
	}

	switch c.DeviceIDStrategy {
	case StrategyUUID, StrategyPlatform:
	case StrategyCustom:
		if c.DeviceID == "" {
			fail("device_id", "is required with device_id_strategy %q", StrategyCustom)
		}
	default:
		fail("device_id_strategy", "unknown strategy %q", c.DeviceIDStrategy)
	}

	if c.EventsThreshold < 1 {
		fail("events_threshold", "must be at least 1")
	}
	if c.UpdateIntervalSeconds < 1 {
		fail("update_interval_seconds", "must be at least 1")
	}
	if c.RequestMaxAgeSeconds < 0 {
		fail("request_max_age_seconds", "must not be negative")
	}
	if c.ConnectTimeoutSeconds < 1 {
		fail("connect_timeout_seconds", "must be at least 1")
	}
	if c.ReadTimeoutSeconds < 1 {
		fail("read_timeout_seconds", "must be at least 1")
	}

	for _, pin := range c.PinnedPublicKeys {
		decoded, err := base64.StdEncoding.DecodeString(pin)
		if err != nil || len(decoded) != sha256.Size {
			fail("pinned_public_keys", "%q is not a base64 SHA-256 digest", pin)
		}
	}

	switch c.StorageBackend {
	case BackendFile, BackendSQLite:
	default:
		fail("storage_backend", "unknown backend %q", c.StorageBackend)
	}
	if c.StoragePath == "" {
		fail("storage_path", "is required")
	}
	if len(c.StorageRecipients) > 0 && c.StorageIdentityFile == "" {
		fail("storage_identity_file", "is required when storage_recipients is set")
	}

	for _, name := range c.Consent {
		if !knownConsent[name] {
			fail("consent", "unknown feature %q", name)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// knownConsent lists the feature names accepted in consent.
var knownConsent = map[string]bool{
	"sessions":    true,
	"events":      true,
	"crashes":     true,
	"users":       true,
	"attribution": true,
	"push":        true,
	"location":    true,
}
