// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Outcome values describe how a request resolved.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeError   = "error"
	OutcomeDenied  = "denied"
)

// ComponentSandboxOrchestrator identifies the orchestrator as the audit
// event's originating component when no caller-supplied component is set.
const ComponentSandboxOrchestrator = "sandbox-orchestrator"

// Source type values for EventSource.Type.
const (
	SourceTypeNetwork = "network"
	SourceTypeLocal   = "local"
)

// EventSource describes where a request originated.
type EventSource struct {
	Type  string         `json:"type"`
	Value string         `json:"value"`
	Extra map[string]any `json:"extra,omitempty"`
}

// Metadata carries the audit envelope fields common to every event.
type Metadata struct {
	AuditID string         `json:"audit_id"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// AuditEvent is a single immutable record of a session operation. It is
// logged exactly once, fire-and-forget, and never gates execution.
type AuditEvent struct {
	Type      string            `json:"type"`
	LoggedAt  time.Time         `json:"logged_at"`
	Outcome   string            `json:"outcome"`
	Source    EventSource       `json:"source"`
	Subjects  map[string]string `json:"subjects"`
	Component string            `json:"component"`
	Target    map[string]string `json:"target,omitempty"`
	Data      *json.RawMessage  `json:"data,omitempty"`
	Metadata  Metadata          `json:"metadata"`
}

// NewAuditEvent builds an event with a freshly generated audit ID.
func NewAuditEvent(eventType string, source EventSource, outcome string, subjects map[string]string, component string) *AuditEvent {
	return NewAuditEventWithID(uuid.NewString(), eventType, source, outcome, subjects, component)
}

// NewAuditEventWithID builds an event with a caller-supplied audit ID,
// useful when correlating with an upstream request ID.
func NewAuditEventWithID(auditID, eventType string, source EventSource, outcome string, subjects map[string]string, component string) *AuditEvent {
	return &AuditEvent{
		Type:      eventType,
		LoggedAt:  time.Now().UTC(),
		Outcome:   outcome,
		Source:    source,
		Subjects:  subjects,
		Component: component,
		Metadata:  Metadata{AuditID: auditID},
	}
}

// WithTarget attaches target key/value pairs and returns the same event for
// chaining.
func (e *AuditEvent) WithTarget(target map[string]string) *AuditEvent {
	e.Target = target
	return e
}

// WithData attaches raw JSON payload data and returns the same event for
// chaining.
func (e *AuditEvent) WithData(data *json.RawMessage) *AuditEvent {
	e.Data = data
	return e
}

// WithDataFromString parses s as JSON and attaches it as the event's data. If
// s is not valid JSON it is wrapped as a JSON string value instead, so a
// malformed body never prevents the event from being logged.
func (e *AuditEvent) WithDataFromString(s string) *AuditEvent {
	raw := json.RawMessage(s)
	if !json.Valid(raw) {
		encoded, err := json.Marshal(s)
		if err != nil {
			return e
		}
		raw = encoded
	}
	return e.WithData(&raw)
}
