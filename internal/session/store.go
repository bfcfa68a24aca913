// ABOUTME: Thread-safe in-memory session table with sliding TTL and background sweep.
// ABOUTME: Owns conversation history, continuation tokens, and the pending tool-call slot.

package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrPendingMismatch indicates a tool result whose call id does not match the
// session's pending tool call. This is fatal to the turn; the caller must not
// mutate history further.
var ErrPendingMismatch = errors.New("tool result does not match pending call")

// Session is the server-side conversational state for one client.
type Session struct {
	ID                string
	History           []Turn
	ContinuationToken string
	PendingCall       *ToolCallRequest
	LastAccessed      time.Time
}

// Snapshot is a point-in-time copy of a session handed to callers. History is
// copied so callers never alias the store's internal slice.
type Snapshot struct {
	ID                string
	History           []Turn
	ContinuationToken string
	PendingCall       *ToolCallRequest
	IsNew             bool
}

// Store is the session table. All mutation goes through its methods; the
// background sweep removes sessions idle longer than the TTL.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]*sync.Mutex

	ttl           time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger

	done   chan struct{}
	closed bool
}

// NewStore creates a session store and starts its sweep goroutine.
func NewStore(ttl, sweepInterval time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		sessions:      make(map[string]*Session),
		locks:         make(map[string]*sync.Mutex),
		ttl:           ttl,
		sweepInterval: sweepInterval,
		logger:        logger.With("component", "session"),
		done:          make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// GetOrCreate returns the session for requestedID if it exists and has not
// expired, refreshing its last-access time. An expired session is deleted and
// replaced. An empty or unknown id yields a fresh session. Never fails.
func (s *Store) GetOrCreate(requestedID string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if requestedID != "" {
		if sess, ok := s.sessions[requestedID]; ok {
			if now.Sub(sess.LastAccessed) < s.ttl {
				sess.LastAccessed = now
				return s.snapshotLocked(sess, false)
			}
			// Expired: drop it and fall through to creation.
			s.removeLocked(requestedID)
			s.logger.Info("expired session replaced", "session_id", requestedID)
		}
	}

	sess := &Session{
		ID:           uuid.New().String(),
		LastAccessed: now,
	}
	s.sessions[sess.ID] = sess
	s.logger.Debug("session created", "session_id", sess.ID)
	return s.snapshotLocked(sess, true)
}

// Snapshot returns a copy of the session, refreshing its last-access time.
func (s *Store) Snapshot(id string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.validLocked(id)
	if !ok {
		return Snapshot{}, false
	}
	sess.LastAccessed = time.Now()
	return s.snapshotLocked(sess, false), true
}

// IsValid reports whether the session exists and has not expired. It does not
// refresh the last-access time, so probing cannot keep a session alive.
func (s *Store) IsValid(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.validLocked(id)
	return ok
}

// Append adds a turn to the session history and refreshes the last-access
// time. Appending to an unknown session is a logged no-op; the orchestrator
// re-validates before every append, so this only fires if the sweep wins a
// race against a completing turn.
func (s *Store) Append(id string, turn Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.validLocked(id)
	if !ok {
		s.logger.Warn("append to unknown session dropped", "session_id", id, "kind", turn.Kind)
		return
	}
	sess.History = append(sess.History, turn)
	sess.LastAccessed = time.Now()
}

// RecordContinuation atomically stores the continuation token and appends the
// final turn of a completed exchange (nil to skip). The pending tool-call
// slot is untouched: a suspended turn records its token while the call is
// still outstanding.
func (s *Store) RecordContinuation(id, token string, turn *Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.validLocked(id)
	if !ok {
		s.logger.Warn("continuation for unknown session dropped", "session_id", id)
		return
	}
	sess.ContinuationToken = token
	if turn != nil {
		sess.History = append(sess.History, *turn)
	}
	sess.LastAccessed = time.Now()
}

// SetPending records the session's pending tool call. At most one tool call
// may be pending at a time; a leftover pending call is superseded with a
// warning (the client abandoned it by starting a new turn).
func (s *Store) SetPending(id string, call ToolCallRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.validLocked(id)
	if !ok {
		s.logger.Warn("pending call for unknown session dropped", "session_id", id)
		return
	}
	if sess.PendingCall != nil {
		s.logger.Warn("superseding unresolved pending call",
			"session_id", id,
			"old_call_id", sess.PendingCall.CallID,
			"new_call_id", call.CallID)
	}
	sess.PendingCall = &call
	sess.LastAccessed = time.Now()
}

// ClearPending drops an unresolved pending call, used when a new user turn
// abandons the outstanding request.
func (s *Store) ClearPending(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.validLocked(id)
	if !ok || sess.PendingCall == nil {
		return
	}
	s.logger.Warn("clearing abandoned pending call",
		"session_id", id, "call_id", sess.PendingCall.CallID)
	sess.PendingCall = nil
}

// ResolvePending matches callID against the session's pending tool call. On
// a match the slot is cleared and the request returned. On a mismatch (or no
// pending call) the session is left untouched and ErrPendingMismatch is
// returned; the caller treats this as a fatal desync for the turn.
func (s *Store) ResolvePending(id, callID string) (ToolCallRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.validLocked(id)
	if !ok {
		return ToolCallRequest{}, ErrPendingMismatch
	}
	if sess.PendingCall == nil || sess.PendingCall.CallID != callID {
		return ToolCallRequest{}, ErrPendingMismatch
	}
	call := *sess.PendingCall
	sess.PendingCall = nil
	sess.LastAccessed = time.Now()
	return call, nil
}

// Lock returns the single-flight mutex for a session id. The orchestrator
// holds it for the whole turn cycle so concurrent frames for one session
// serialize instead of corrupting history and the continuation token.
// Mutexes survive session expiry; a fresh session with the same id (never
// generated in practice) would share the lock harmlessly.
func (s *Store) Lock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	return mu
}

// CountActive returns the number of non-expired sessions.
func (s *Store) CountActive() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	count := 0
	for _, sess := range s.sessions {
		if now.Sub(sess.LastAccessed) < s.ttl {
			count++
		}
	}
	return count
}

// Close stops the sweep goroutine. Safe to call multiple times.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.done)
		s.closed = true
	}
}

// validLocked returns the session if present and unexpired. Must be called
// with mu held.
func (s *Store) validLocked(id string) (*Session, bool) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	if time.Since(sess.LastAccessed) >= s.ttl {
		return nil, false
	}
	return sess, true
}

// snapshotLocked copies a session for hand-off. Must be called with mu held.
func (s *Store) snapshotLocked(sess *Session, isNew bool) Snapshot {
	snap := Snapshot{
		ID:                sess.ID,
		History:           make([]Turn, len(sess.History)),
		ContinuationToken: sess.ContinuationToken,
		IsNew:             isNew,
	}
	copy(snap.History, sess.History)
	if sess.PendingCall != nil {
		call := *sess.PendingCall
		snap.PendingCall = &call
	}
	return snap
}

// removeLocked deletes a session and its single-flight lock. Must be called
// with mu held.
func (s *Store) removeLocked(id string) {
	delete(s.sessions, id)
	delete(s.locks, id)
}

// sweepLoop runs in a background goroutine, periodically removing expired
// sessions. It never blocks foreground operations beyond the table mutex.
func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runSweep()
		case <-s.done:
			return
		}
	}
}

// runSweep removes all sessions idle longer than the TTL.
func (s *Store) runSweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.LastAccessed) >= s.ttl {
			s.removeLocked(id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("session sweep", "removed", removed, "remaining", len(s.sessions))
	}
}
