// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Device id strategies accepted in device_id_strategy.
const (
	StrategyUUID     = "uuid"
	StrategyPlatform = "platform"
	StrategyCustom   = "custom"
)

// Storage backends accepted in storage_backend.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// EnvPrefix prefixes every environment override. The variable name is
// the prefix followed by the upper-cased yaml key.
const EnvPrefix = "TALLY_"

// Config is the complete agent configuration.
type Config struct {
	Environment Environment `yaml:"environment" json:"environment"`

	// ServerURL is the collector base URL; requests go to ServerURL + "/i".
	ServerURL  string `yaml:"server_url" json:"server_url"`
	AppKey     string `yaml:"app_key" json:"app_key"`
	AppVersion string `yaml:"app_version" json:"app_version"`

	// Salt, when set, adds checksum256 to every request.
	Salt string `yaml:"salt" json:"salt"`

	DeviceID              string `yaml:"device_id" json:"device_id"`
	DeviceIDStrategy      string `yaml:"device_id_strategy" json:"device_id_strategy"`
	AllowDeviceIDFallback bool   `yaml:"allow_device_id_fallback" json:"allow_device_id_fallback"`

	EventsThreshold       int `yaml:"events_threshold" json:"events_threshold"`
	UpdateIntervalSeconds int `yaml:"update_interval_seconds" json:"update_interval_seconds"`

	// RequestMaxAgeSeconds drops queued requests older than this unsent.
	// Zero disables the age policy.
	RequestMaxAgeSeconds int `yaml:"request_max_age_seconds" json:"request_max_age_seconds"`

	UsePost               bool     `yaml:"use_post" json:"use_post"`
	CompressRequests      bool     `yaml:"compress_requests" json:"compress_requests"`
	ConnectTimeoutSeconds int      `yaml:"connect_timeout_seconds" json:"connect_timeout_seconds"`
	ReadTimeoutSeconds    int      `yaml:"read_timeout_seconds" json:"read_timeout_seconds"`
	PinnedPublicKeys      []string `yaml:"pinned_public_keys" json:"pinned_public_keys"`

	StorageBackend      string   `yaml:"storage_backend" json:"storage_backend"`
	StoragePath         string   `yaml:"storage_path" json:"storage_path"`
	StorageCompression  bool     `yaml:"storage_compression" json:"storage_compression"`
	StorageRecipients   []string `yaml:"storage_recipients" json:"storage_recipients"`
	StorageIdentityFile string   `yaml:"storage_identity_file" json:"storage_identity_file"`

	// RequireConsent starts every consent-gated feature disabled except
	// those listed in Consent.
	RequireConsent bool     `yaml:"require_consent" json:"require_consent"`
	Consent        []string `yaml:"consent" json:"consent"`

	// TestMode surfaces module errors and malformed input as returned
	// errors instead of logging them.
	TestMode bool   `yaml:"test_mode" json:"test_mode"`
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// Options controls where LoadWithOptions looks for overrides.
type Options struct {
	// Path is the configuration file. Required.
	Path string

	// EnvFile is an optional dotenv file with TALLY_* overrides.
	EnvFile string

	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Default returns the configuration every file is decoded over.
func Default() *Config {
	storageRoot := filepath.Join("${HOME}", ".cache", "tally")
	if cacheDir, err := os.UserCacheDir(); err == nil {
		storageRoot = filepath.Join(cacheDir, "tally")
	}

	return &Config{
		Environment:           Development,
		DeviceIDStrategy:      StrategyUUID,
		AllowDeviceIDFallback: true,
		EventsThreshold:       100,
		UpdateIntervalSeconds: 60,
		ConnectTimeoutSeconds: 30,
		ReadTimeoutSeconds:    30,
		StorageBackend:        BackendFile,
		StoragePath:           storageRoot,
		LogLevel:              "info",
	}
}

// Load loads configuration from the file named by TALLY_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv("TALLY_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("TALLY_CONFIG environment variable not set; " +
			"set it to the path of your tally.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path with process environment
// overrides.
func LoadFile(path string) (*Config, error) {
	return LoadWithOptions(Options{Path: path})
}

// LoadWithOptions runs the full load sequence described in the package
// documentation.
func LoadWithOptions(options Options) (*Config, error) {
	if options.Path == "" {
		return nil, &Error{Message: "configuration path is empty"}
	}
	lookup := options.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	cfg := Default()
	if err := cfg.loadFile(options.Path); err != nil {
		return nil, err
	}

	fileEnv := map[string]string{}
	if options.EnvFile != "" {
		values, err := godotenv.Read(options.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("reading env file %s: %w", options.EnvFile, err)
		}
		fileEnv = values
	}
	if err := cfg.applyEnvironment(func(name string) (string, bool) {
		if value, ok := lookup(name); ok {
			return value, true
		}
		value, ok := fileEnv[name]
		return value, ok
	}); err != nil {
		return nil, err
	}

	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile checks the file against the schema and decodes it over the
// current values.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	extension := strings.ToLower(filepath.Ext(path))
	isJSON := extension == ".json" || extension == ".jsonc"
	switch {
	case isJSON:
		data = jsonc.ToJSON(data)
	case extension == ".yaml" || extension == ".yml":
	default:
		return &Error{Message: fmt.Sprintf("unsupported config extension %q (want .yaml, .yml, .json or .jsonc)", extension)}
	}

	var document map[string]any
	if isJSON {
		document, err = decodeJSONDocument(data)
	} else {
		err = yaml.Unmarshal(data, &document)
	}
	if err != nil {
		return &Error{Message: fmt.Sprintf("parsing %s: %v", path, err)}
	}
	if document == nil {
		document = map[string]any{}
	}
	if err := checkSchema(document); err != nil {
		return err
	}

	if isJSON {
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(c); err != nil {
			return &Error{Message: fmt.Sprintf("decoding %s: %v", path, err)}
		}
		return nil
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return &Error{Message: fmt.Sprintf("decoding %s: %v", path, err)}
	}
	return nil
}

// decodeJSONDocument decodes a JSON object keeping integers as int64 so
// the schema can tell them from fractional numbers.
func decodeJSONDocument(data []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var document map[string]any
	if err := decoder.Decode(&document); err != nil {
		return nil, err
	}
	return normalizeNumbers(document).(map[string]any), nil
}

func normalizeNumbers(value any) any {
	switch typed := value.(type) {
	case json.Number:
		if integer, err := typed.Int64(); err == nil {
			return integer
		}
		float, _ := typed.Float64()
		return float
	case map[string]any:
		for key, item := range typed {
			typed[key] = normalizeNumbers(item)
		}
		return typed
	case []any:
		for index, item := range typed {
			typed[index] = normalizeNumbers(item)
		}
		return typed
	}
	return value
}

// applyEnvironment sets every field whose TALLY_<KEY> variable is
// present. Lists are comma-separated.
func (c *Config) applyEnvironment(lookup func(string) (string, bool)) error {
	value := reflect.ValueOf(c).Elem()
	kind := value.Type()
	for index := 0; index < kind.NumField(); index++ {
		field := kind.Field(index)
		key := strings.Split(field.Tag.Get("yaml"), ",")[0]
		name := EnvPrefix + strings.ToUpper(key)
		raw, ok := lookup(name)
		if !ok {
			continue
		}

		target := value.Field(index)
		switch target.Kind() {
		case reflect.String:
			target.SetString(raw)
		case reflect.Bool:
			parsed, err := strconv.ParseBool(raw)
			if err != nil {
				return &Error{Field: key, Message: fmt.Sprintf("%s: %q is not a boolean", name, raw)}
			}
			target.SetBool(parsed)
		case reflect.Int:
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				return &Error{Field: key, Message: fmt.Sprintf("%s: %q is not an integer", name, raw)}
			}
			target.SetInt(int64(parsed))
		case reflect.Slice:
			var items []string
			for _, item := range strings.Split(raw, ",") {
				if item = strings.TrimSpace(item); item != "" {
					items = append(items, item)
				}
			}
			target.Set(reflect.ValueOf(items))
		}
	}
	return nil
}

// expandVariables expands ${VAR} and ${VAR:-default} in path fields.
func (c *Config) expandVariables() {
	c.StoragePath = expandVars(c.StoragePath)
	c.StorageIdentityFile = expandVars(c.StorageIdentityFile)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// UpdateInterval is the periodic flush interval.
func (c *Config) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalSeconds) * time.Second
}

// RequestMaxAge is the queued request age limit; zero disables it.
func (c *Config) RequestMaxAge() time.Duration {
	return time.Duration(c.RequestMaxAgeSeconds) * time.Second
}

// ConnectTimeout bounds dialing and the TLS handshake.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// ReadTimeout bounds waiting for the collector's response.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}
