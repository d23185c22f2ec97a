// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session implements the Session Manager: a concurrency-safe cache
// of sandbox sessions, each bound to exactly one backend driver instance,
// reaped on a background schedule once idle.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreason-ai/sandbox-orchestrator/pkg/driver"
)

// Session is one logical sandbox session: a single backend driver instance
// owned by one caller, guarded by a mutex that enforces serial execution
// against that driver.
type Session struct {
	id      string
	ownerID string
	driver  driver.Driver

	// mu serializes every operation against driver — Execute, InstallPackage,
	// and ListFiles all run with this held, exactly as the original
	// implementation's per-session asyncio.Lock does.
	mu sync.Mutex

	lastAccessed atomic.Int64 // unix nanoseconds
	active       atomic.Bool
}

func newSession(id, ownerID string, d driver.Driver) *Session {
	s := &Session{id: id, ownerID: ownerID, driver: d}
	s.lastAccessed.Store(time.Now().UnixNano())
	s.active.Store(true)
	return s
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// OwnerID returns the identifier of the caller that created this session.
func (s *Session) OwnerID() string { return s.ownerID }

// Driver returns the backend driver instance bound to this session.
func (s *Session) Driver() driver.Driver { return s.driver }

// Lock acquires the session's execution mutex. Callers must hold it for the
// duration of any call into Driver().
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session's execution mutex.
func (s *Session) Unlock() { s.mu.Unlock() }

// IsActive reports whether the session has not yet been terminated.
func (s *Session) IsActive() bool { return s.active.Load() }

// Touch records that an operation against this session just completed.
// Callers must hold the session's mutex when calling Touch, matching the
// invariant that lastAccessed is only read/written from within the mutex
// except for the initial optimistic read performed by the Session Manager.
func (s *Session) Touch() { s.touch() }

func (s *Session) touch() {
	s.lastAccessed.Store(time.Now().UnixNano())
}

func (s *Session) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastAccessed.Load()))
}

func (s *Session) deactivate() {
	s.active.Store(false)
}
