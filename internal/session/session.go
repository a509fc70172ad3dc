// Package session implements the lease-based single-client session
// manager (SPEC_FULL.md §4.5), grounded on
// original_source/firmware/components/session_mgr/session_mgr.c.
package session

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
)

const (
	DefaultLease = 3000 * time.Millisecond
	GracePeriod  = 500 * time.Millisecond
)

// State is the session's liveness state.
type State int

const (
	StateNone State = iota
	StateLive
	StateStale
)

// Info is a snapshot of the current session.
type Info struct {
	SessionID     uint32
	ClientNonce   uint32
	Lease         time.Duration
	LastKeepalive time.Time
	State         State
}

// Manager owns the single current session. original_source keeps one
// global struct; this is that struct made an owned, lockable value.
type Manager struct {
	mu      sync.Mutex
	session Info
	nowFunc func() time.Time
}

// New creates an empty (StateNone) session manager.
func New() *Manager {
	return &Manager{nowFunc: time.Now}
}

// withClock overrides the time source for tests.
func (m *Manager) withClock(now func() time.Time) {
	m.nowFunc = now
}

func (m *Manager) now() time.Time {
	if m.nowFunc != nil {
		return m.nowFunc()
	}
	return time.Now()
}

// Open creates a new session, unconditionally replacing any existing one
// (§4.5: "overwrites any existing session state — simple replacement
// model"). Returns the new session id and lease in milliseconds.
func (m *Manager) Open(clientNonce uint32) (sessionID uint32, leaseMs uint16, err error) {
	id, err := randomNonzeroUint32()
	if err != nil {
		return 0, 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.session = Info{
		SessionID:     id,
		ClientNonce:   clientNonce,
		Lease:         DefaultLease,
		LastKeepalive: m.now(),
		State:         StateLive,
	}
	return id, uint16(DefaultLease / time.Millisecond), nil
}

// Keepalive refreshes the lease for a matching session id, reviving a
// STALE session back to LIVE. Returns false if the id does not match a
// live-or-stale session.
func (m *Manager) Keepalive(sessionID uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.State == StateNone || m.session.SessionID != sessionID {
		return false
	}
	m.session.LastKeepalive = m.now()
	m.session.State = StateLive
	return true
}

// Close invalidates the session if the id matches.
func (m *Manager) Close(sessionID uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.State == StateNone || m.session.SessionID != sessionID {
		return false
	}
	m.session = Info{}
	return true
}

// ForceExpire unconditionally clears the session — called on transport
// disconnect.
func (m *Manager) ForceExpire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.State != StateNone {
		m.session = Info{}
	}
}

// IsValid reports whether sessionID matches the current LIVE session.
func (m *Manager) IsValid(sessionID uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.State == StateLive && m.session.SessionID == sessionID
}

// IsLive reports whether any session is currently LIVE.
func (m *Manager) IsLive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.State == StateLive
}

// CheckExpiry transitions LIVE to STALE when the lease plus grace period
// has elapsed since the last keepalive. Returns true if a transition
// occurred. Called periodically (from the telemetry emitter in this port).
func (m *Manager) CheckExpiry() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.State != StateLive {
		return false
	}
	if m.now().Sub(m.session.LastKeepalive) > m.session.Lease+GracePeriod {
		m.session.State = StateStale
		return true
	}
	return false
}

// Snapshot returns a copy of the current session info.
func (m *Manager) Snapshot() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func randomNonzeroUint32() (uint32, error) {
	for {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		v := binary.LittleEndian.Uint32(b[:])
		if v != 0 {
			return v, nil
		}
	}
}
