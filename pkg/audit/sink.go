// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/coreason-ai/sandbox-orchestrator/pkg/logger"
)

// Sink records a code execution attempt before it is handed to a backend
// driver. It is one-way and fire-and-forget: a Sink failure is logged and
// swallowed, never surfaced to the caller and never allowed to block or fail
// execution.
type Sink interface {
	// LogPreExecution records that code is about to run and returns its
	// SHA-256 content hash.
	LogPreExecution(ctx context.Context, code, language string) (codeHash string, err error)
}

// LocalSink is the default Sink: it hashes the code and logs a single
// AuditEvent through the process-wide logger. It never returns an error from
// the write path itself — only a hashing failure (which cannot happen for
// UTF-8 input) would prevent codeHash from being produced.
type LocalSink struct {
	component string
	auditor   *Auditor
}

// NewLocalSink builds a LocalSink. component labels every event it emits;
// an empty component falls back to ComponentSandboxOrchestrator.
func NewLocalSink(component string) *LocalSink {
	return &LocalSink{component: component}
}

// LogPreExecution hashes code with SHA-256, logs a pre-execution AuditEvent
// carrying the hash and language, and returns the hash unconditionally — a
// marshal failure here can only come from non-UTF-8 input, which Go strings
// cannot represent, so the error return exists for interface symmetry with
// other Sink implementations that do have failure modes (e.g. a remote one).
func (s *LocalSink) LogPreExecution(_ context.Context, code, language string) (string, error) {
	sum := sha256.Sum256([]byte(code))
	codeHash := hex.EncodeToString(sum[:])

	component := s.component
	if component == "" {
		component = ComponentSandboxOrchestrator
	}

	event := NewAuditEvent(EventTypePreExecution, EventSource{Type: SourceTypeLocal, Value: "sandbox-orchestrator"}, OutcomeSuccess,
		map[string]string{SubjectKeyUser: "anonymous"}, component)
	event.Metadata.Extra = map[string]any{
		"language":    language,
		"code_hash":   codeHash,
		"code_length": len(code),
	}

	if eventJSON, err := json.Marshal(event); err == nil {
		logger.Info(string(eventJSON))
	} else {
		logger.Errorf("failed to marshal pre-execution audit event: %v", err)
	}

	return codeHash, nil
}
