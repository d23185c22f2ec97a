// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/coreason-ai/sandbox-orchestrator/pkg/driver"
	orcherrors "github.com/coreason-ai/sandbox-orchestrator/pkg/errors"
	"github.com/coreason-ai/sandbox-orchestrator/pkg/logger"
)

// DefaultIdleTimeout and DefaultReaperInterval mirror the configuration
// defaults: a session idle for longer than DefaultIdleTimeout is eligible
// for reaping on the next tick of DefaultReaperInterval.
const (
	DefaultIdleTimeout     = 300 * time.Second
	DefaultReaperInterval  = 60 * time.Second
)

// Manager is the race-free index of sessionId -> Session. It lazily starts
// a background reaper on first use and is safe for concurrent use from
// many goroutines.
type Manager struct {
	factory        driver.Factory
	idleTimeout    time.Duration
	reaperInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	// creation collapses concurrent getOrCreate calls for the same
	// sessionId into a single driver.Start, without blocking unrelated
	// session ids — the Go analogue of the original single creation mutex,
	// since session creation (driver.start) is the slow step and
	// contention on distinct ids should resolve independently.
	creation singleflight.Group

	reaperOnce   sync.Once
	reaperCancel context.CancelFunc
	reaperDone   chan struct{}

	shutdownOnce sync.Once
}

// NewManager builds a Manager bound to factory. reaperInterval falls back
// to DefaultReaperInterval when zero or negative; idleTimeout is used as
// given and is never defaulted (idleTimeout == 0 is a valid, aggressive
// stress-test configuration).
func NewManager(factory driver.Factory, idleTimeout, reaperInterval time.Duration) *Manager {
	if reaperInterval <= 0 {
		reaperInterval = DefaultReaperInterval
	}
	return &Manager{
		factory:        factory,
		idleTimeout:    idleTimeout,
		reaperInterval: reaperInterval,
		sessions:       make(map[string]*Session),
	}
}

// GetOrCreate returns the Session for sessionId, creating and starting a
// fresh driver if none exists. The returned Session has active == true at
// the instant of return for every caller, not only the one that won the
// creation race.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID, ownerID string) (*Session, error) {
	if sessionID == "" {
		return nil, orcherrors.NewInvalidArgumentError("session id must not be empty", nil)
	}
	if ownerID == "" {
		return nil, orcherrors.NewInvalidArgumentError("owner id is required", nil)
	}

	m.startReaperOnce()

	if s, ok := m.lookup(sessionID); ok {
		return m.claim(s, ownerID)
	}

	v, err, _ := m.creation.Do(sessionID, func() (any, error) {
		// Re-check under the flight group: a caller that lost the race to
		// enter Do still observes whatever the winner already inserted.
		if s, ok := m.lookup(sessionID); ok {
			return s, nil
		}

		d := m.factory.New(sessionID)
		if startErr := d.Start(ctx); startErr != nil {
			// Do not insert; the flight-group entry is released once this
			// function returns, so a subsequent call can retry cleanly.
			return nil, startErr
		}

		s := newSession(sessionID, ownerID, d)
		m.store(sessionID, s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}

	// Every caller — not just the one whose closure ran — re-validates
	// ownership itself: singleflight.Do hands the same result to everyone
	// collapsed onto this key, and a concurrent creator under a different
	// owner must still be rejected rather than silently adopted.
	return m.claim(v.(*Session), ownerID)
}

func (m *Manager) claim(s *Session, ownerID string) (*Session, error) {
	if s.OwnerID() != ownerID {
		return nil, orcherrors.NewAccessDeniedError("session belongs to another user", nil)
	}
	s.touch()
	return s, nil
}

func (m *Manager) lookup(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

func (m *Manager) store(sessionID string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = s
}

// remove deletes sessionID from the index iff it still maps to s (a
// concurrent reap/shutdown may have already replaced or removed it).
func (m *Manager) remove(sessionID string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[sessionID]; ok && cur == s {
		delete(m.sessions, sessionID)
	}
}

func (m *Manager) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Count reports the number of sessions currently indexed. Intended for
// tests asserting on session-count invariants.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) startReaperOnce() {
	m.reaperOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		m.reaperCancel = cancel
		m.reaperDone = make(chan struct{})
		go m.reaperLoop(ctx)
	})
}

func (m *Manager) reaperLoop(ctx context.Context) {
	defer close(m.reaperDone)
	ticker := time.NewTicker(m.reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapOnce()
		}
	}
}

// reapOnce evicts every session idle longer than idleTimeout. It survives
// arbitrary panics-as-errors from terminate (Driver.Terminate never
// returns one, but defensive recovery keeps the reaper loop alive against
// any future driver that misbehaves) and always continues to the next id.
func (m *Manager) reapOnce() {
	now := time.Now()
	for _, s := range m.snapshot() {
		if s.idleFor(now) <= m.idleTimeout {
			continue
		}
		// Remove from the index first so a fresh caller creates a
		// replacement rather than racing this reap.
		m.remove(s.ID(), s)
		m.terminateSession(s)
	}
}

func (m *Manager) terminateSession(s *Session) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("recovered from panic terminating session %s: %v", s.ID(), r)
		}
	}()
	s.Lock()
	defer s.Unlock()
	// Flip active false under the mutex before calling terminate, so any
	// holder that re-acquires the mutex observes the dead flag first.
	s.deactivate()
	s.Driver().Terminate(context.Background())
}

// Shutdown cancels the reaper and terminates every indexed session,
// draining in-flight operations first since each termination waits for the
// session's mutex. It is idempotent: a second call is a no-op.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		if m.reaperCancel != nil {
			m.reaperCancel()
			<-m.reaperDone
		}

		m.mu.Lock()
		sessions := make([]*Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			sessions = append(sessions, s)
		}
		m.sessions = make(map[string]*Session)
		m.mu.Unlock()

		g, gctx := errgroup.WithContext(ctx)
		for _, s := range sessions {
			g.Go(func() error {
				s.Lock()
				defer s.Unlock()
				s.deactivate()
				s.Driver().Terminate(gctx)
				return nil
			})
		}
		_ = g.Wait() // terminate errors are never returned by Driver.Terminate
	})
	return nil
}
