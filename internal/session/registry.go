// Package session implements the Session Registry: a concurrent map from
// sessionId (and from connection handle) to session state, with a
// background sweep that closes aged or idle sessions.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voicegateway/voicegateway/internal/envelope"
	"github.com/voicegateway/voicegateway/internal/metrics"
)

// State is the session lifecycle state (spec.md §3.1).
type State int

const (
	StateIdle State = iota
	StateActive
	StateEnded
)

// Conn is the minimal connection-handle surface the registry needs to key
// getByConnection lookups; the Transport Hub's concrete connection type
// satisfies this.
type Conn interface {
	ID() string
}

// TeardownFunc is invoked exactly once when a session is deleted, regardless
// of whether deletion came from client disconnect, the sweep, or supervisor
// shutdown. It cascades to the STT/LLM/TTS engines owned by the session.
type TeardownFunc func(sessionID uuid.UUID)

// Session is the per-connection session record (spec.md §3.1).
type Session struct {
	mu sync.RWMutex

	ID             uuid.UUID
	conn           Conn
	state          State
	SampleRate     int
	Language       string
	CreatedAt      time.Time
	LastActivityAt time.Time
	EndedAt        time.Time
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) SetState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActivityAt = time.Now()
}

// Activate records the stream parameters carried by audio.input.start and
// transitions the session IDLE -> ACTIVE (spec.md §6.1). The session is
// created at connection-accept time, before these are known, so SampleRate
// and Language start zero-valued and are filled in here.
func (s *Session) Activate(sampleRate int, language string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SampleRate = sampleRate
	s.Language = language
	s.state = StateActive
}

func (s *Session) lastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LastActivityAt
}

// Registry owns the process-wide sessionId -> *Session map.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[uuid.UUID]*Session
	byConn     map[string]uuid.UUID
	teardown   TeardownFunc
	sessionMax time.Duration
	idleMax    time.Duration

	sweepOnce sync.Once
	stop      chan struct{}
}

// NewRegistry builds an empty Registry. teardown is called once per deletion.
func NewRegistry(sessionMax, idleMax time.Duration, teardown TeardownFunc) *Registry {
	return &Registry{
		sessions:   make(map[uuid.UUID]*Session),
		byConn:     make(map[string]uuid.UUID),
		teardown:   teardown,
		sessionMax: sessionMax,
		idleMax:    idleMax,
		stop:       make(chan struct{}),
	}
}

// Create mints a sessionId and registers a new IDLE session for conn.
func (r *Registry) Create(conn Conn, sampleRate int, language string) *Session {
	return r.CreateWithID(envelope.NewID(), conn, sampleRate, language)
}

// CreateWithID registers a new IDLE session under a caller-supplied id. The
// Transport Hub keys its connection map by the same id the Transport server
// mints at connection-accept time (spec.md §4.3/§4.8), before any session
// exists to mint one of its own — CreateWithID lets that id become the
// session id instead of the registry minting a second, disjoint one.
func (r *Registry) CreateWithID(id uuid.UUID, conn Conn, sampleRate int, language string) *Session {
	now := time.Now()
	sess := &Session{
		ID:             id,
		conn:           conn,
		state:          StateIdle,
		SampleRate:     sampleRate,
		Language:       language,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.byConn[conn.ID()] = sess.ID
	r.mu.Unlock()
	metrics.SessionsCreated.Inc()
	metrics.SessionsActive.Inc()
	return sess
}

// Get looks up a session by id.
func (r *Registry) Get(id uuid.UUID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// GetByConnection looks up a session by its connection handle.
func (r *Registry) GetByConnection(conn Conn) (*Session, bool) {
	r.mu.RLock()
	id, ok := r.byConn[conn.ID()]
	if !ok {
		r.mu.RUnlock()
		return nil, false
	}
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	return s, ok
}

// Delete removes a session and cascades teardown. Idempotent: deleting an
// already-absent id is a no-op.
func (r *Registry) Delete(id uuid.UUID, reason string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, id)
	delete(r.byConn, sess.conn.ID())
	r.mu.Unlock()

	sess.mu.Lock()
	sess.state = StateEnded
	sess.EndedAt = time.Now()
	sess.mu.Unlock()

	metrics.SessionsActive.Dec()
	metrics.SessionsEnded.WithLabelValues(reason).Inc()
	if r.teardown != nil {
		r.teardown(id)
	}
}

// Count returns the number of currently-registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// StartSweep launches the background cleanup goroutine; call Stop to halt it.
func (r *Registry) StartSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

// Stop halts the sweep goroutine. Safe to call multiple times.
func (r *Registry) Stop() {
	r.sweepOnce.Do(func() { close(r.stop) })
}

func (r *Registry) sweep() {
	now := time.Now()
	var expired []uuid.UUID
	r.mu.RLock()
	for id, sess := range r.sessions {
		age := now.Sub(sess.CreatedAt)
		idle := now.Sub(sess.lastActivity())
		if age > r.sessionMax || idle > r.idleMax {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		slog.Info("cleanup sweep removing session", "session_id", id)
		r.Delete(id, "sweep")
		metrics.SweepSessionsRemoved.Inc()
	}
}

// DeleteAll cascades teardown to every active session; used by the
// Supervisor on shutdown.
func (r *Registry) DeleteAll(reason string) {
	r.mu.RLock()
	ids := make([]uuid.UUID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Delete(id, reason)
	}
}
