// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// knownEventTypes is the set of event type strings Validate accepts in
// EventTypes/ExcludeEventTypes.
var knownEventTypes = map[string]bool{
	EventTypePreExecution:   true,
	EventTypeExecute:        true,
	EventTypeInstallPackage: true,
	EventTypeListFiles:      true,
	EventTypeShutdown:       true,
	EventTypeHTTPRequest:    true,
}

// Config controls audit logging behavior.
type Config struct {
	Enabled             bool     `json:"enabled,omitempty"`
	Component           string   `json:"component,omitempty"`
	LogFile             string   `json:"log_file,omitempty"`
	EventTypes          []string `json:"event_types,omitempty"`
	ExcludeEventTypes   []string `json:"exclude_event_types,omitempty"`
	IncludeRequestData  bool     `json:"include_request_data,omitempty"`
	IncludeResponseData bool     `json:"include_response_data,omitempty"`
	MaxDataSize         int      `json:"max_data_size,omitempty"`
}

// DefaultConfig returns the configuration applied when no audit config is
// supplied: auditing on, no payload capture, a 1024-byte cap on any payload
// that is captured.
func DefaultConfig() *Config {
	return &Config{
		Enabled:             true,
		IncludeRequestData:  false,
		IncludeResponseData: false,
		MaxDataSize:         1024,
	}
}

// LoadFromReader decodes a Config from JSON.
func LoadFromReader(r io.Reader) (*Config, error) {
	var config Config
	if err := json.NewDecoder(r).Decode(&config); err != nil {
		return nil, fmt.Errorf("failed to decode audit config: %w", err)
	}
	return &config, nil
}

// LoadFromFile loads a Config from a JSON file on disk.
func LoadFromFile(path string) (*Config, error) {
	cleaned := filepath.Clean(path)
	f, err := os.Open(cleaned)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit config file: %w", err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// ShouldAuditEvent reports whether an event of the given type should be
// logged. An empty EventTypes list means "audit everything"; ExcludeEventTypes
// always takes precedence over EventTypes.
func (c *Config) ShouldAuditEvent(eventType string) bool {
	for _, excluded := range c.ExcludeEventTypes {
		if excluded == eventType {
			return false
		}
	}

	if len(c.EventTypes) == 0 {
		return true
	}

	for _, included := range c.EventTypes {
		if included == eventType {
			return true
		}
	}
	return false
}

// Validate checks the configuration for internal consistency and applies the
// default MaxDataSize when it was left unset.
func (c *Config) Validate() error {
	if c.MaxDataSize < 0 {
		return fmt.Errorf("max_data_size cannot be negative")
	}
	if c.MaxDataSize == 0 {
		c.MaxDataSize = DefaultConfig().MaxDataSize
	}

	for _, eventType := range c.EventTypes {
		if !knownEventTypes[eventType] {
			return fmt.Errorf("unknown event type: %s", eventType)
		}
	}

	for _, eventType := range c.ExcludeEventTypes {
		if !knownEventTypes[eventType] {
			return fmt.Errorf("unknown exclude event type: %s", eventType)
		}
	}

	return nil
}

// GetLogWriter returns the destination audit events should be written to: the
// configured LogFile opened for append (created with 0600 permissions, parent
// directories included), or os.Stdout when no file is configured.
func (c *Config) GetLogWriter() (io.Writer, error) {
	if c == nil || c.LogFile == "" {
		return os.Stdout, nil
	}

	if dir := filepath.Dir(c.LogFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
	}

	f, err := os.OpenFile(filepath.Clean(c.LogFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	return f, nil
}

// NewAuditorWithTransport builds an Auditor for the given transport label.
// The transport is recorded purely for parity with callers that run multiple
// transports (HTTP today); it does not change audit behavior.
func NewAuditorWithTransport(config *Config, _ string) (*Auditor, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return NewAuditor(config), nil
}

// CreateMiddlewareWithTransport builds a ready-to-use Middleware for the
// given transport label.
func (c *Config) CreateMiddlewareWithTransport(transport string) (*Middleware, error) {
	auditor, err := NewAuditorWithTransport(c, transport)
	if err != nil {
		return nil, err
	}
	return &Middleware{auditor: auditor}, nil
}

// GetMiddlewareFromFile loads a Config from path and builds a Middleware for
// the given transport label.
func GetMiddlewareFromFile(path, transport string) (*Middleware, error) {
	config, err := LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit config: %w", err)
	}
	return config.CreateMiddlewareWithTransport(transport)
}
