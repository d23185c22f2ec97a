// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator wires the Session Manager, Backend Driver, Artifact
// Processor, and Audit Sink into the four public operations: Execute,
// InstallPackage, ListFiles, Shutdown.
package orchestrator

import (
	"context"

	"github.com/coreason-ai/sandbox-orchestrator/pkg/logger"
	"github.com/coreason-ai/sandbox-orchestrator/pkg/session"
)

// scope acquires a session, re-validates its liveness under its own mutex,
// runs body, and updates the session's access time — the retry loop that
// is the heart of the concurrency design: between "got session" and
// "acquired its mutex" the reaper may have deactivated and torn down the
// driver, so liveness is re-checked with the mutex held and, if dead, the
// whole acquisition restarts against a freshly created replacement.
func scope[T any](ctx context.Context, mgr *session.Manager, sessionID, ownerID string, body func(s *session.Session) (T, error)) (T, error) {
	var zero T
	for {
		s, err := mgr.GetOrCreate(ctx, sessionID, ownerID)
		if err != nil {
			return zero, err
		}

		s.Lock()
		if !s.IsActive() {
			// Reaped between return and lock acquire. Silent retry, not an
			// error: getOrCreate will find the id already removed from the
			// index and create a fresh replacement.
			s.Unlock()
			logger.Debugf("session %s was reaped before its mutex could be acquired; retrying", sessionID)
			continue
		}

		result, bodyErr := body(s)
		s.Touch()
		s.Unlock()
		return result, bodyErr
	}
}
