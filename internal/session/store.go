package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/communergy/trusted-entity/internal/domain"
	"github.com/communergy/trusted-entity/pkg/uid"
)

var (
	ErrSessionNotFound = errors.New("session not found or expired")
	ErrResultNotFound  = errors.New("no validation result for this record in the session")
)

// Store is the registry of validation sessions. Implementations must be safe
// for concurrent use; callers receive copies and never hold a reference into
// store-owned state.
type Store interface {
	// GetOrCreate returns the caller's live session, extending its expiry by
	// one TTL (sliding expiration), or creates a fresh one.
	GetOrCreate(ctx context.Context, userID uuid.UUID) (*domain.Session, error)

	// Get resolves a session id. Expired sessions are evicted as a side
	// effect and reported as ErrSessionNotFound, indistinguishable from ids
	// that were never issued.
	Get(ctx context.Context, sessionID string) (*domain.Session, error)

	// RecordResult caches the validation outcome for a record, overwriting
	// any prior entry for the same record id.
	RecordResult(ctx context.Context, sessionID string, recordID uuid.UUID, result domain.ValidationResult) error

	// FetchResult reads a cached outcome back.
	FetchResult(ctx context.Context, sessionID string, recordID uuid.UUID) (*domain.ValidationResult, error)
}

type resultEntry struct {
	result   domain.ValidationResult
	storedAt time.Time
}

type memorySession struct {
	id        string
	userID    uuid.UUID
	expiresAt time.Time
	results   map[uuid.UUID]resultEntry
}

// MemoryStore is the single-process Store. State lives entirely in this
// process: a horizontally scaled deployment needs sticky routing or the
// Redis-backed Store instead.
//
// A userID secondary index is maintained alongside the primary map so
// GetOrCreate stays O(1) instead of scanning every live session.
type MemoryStore struct {
	mu         sync.RWMutex
	sessions   map[string]*memorySession
	byUser     map[uuid.UUID]string
	ttl        time.Duration
	maxResults int

	now func() time.Time
}

// NewMemoryStore constructs an isolated store. maxResults bounds the number
// of cached results per session (0 means the default of 32); the oldest
// entry is evicted on overflow.
func NewMemoryStore(ttl time.Duration, maxResults int) *MemoryStore {
	if maxResults <= 0 {
		maxResults = 32
	}
	return &MemoryStore{
		sessions:   make(map[string]*memorySession),
		byUser:     make(map[uuid.UUID]string),
		ttl:        ttl,
		maxResults: maxResults,
		now:        time.Now,
	}
}

func (s *MemoryStore) GetOrCreate(_ context.Context, userID uuid.UUID) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if sessionID, ok := s.byUser[userID]; ok {
		if sess, ok := s.sessions[sessionID]; ok && !now.After(sess.expiresAt) {
			sess.expiresAt = now.Add(s.ttl)
			return sess.snapshot(), nil
		}
		// Index points at an expired or vanished session; drop it.
		s.evictLocked(sessionID)
	}

	sessionID, err := uid.GenerateSessionID()
	if err != nil {
		return nil, err
	}

	sess := &memorySession{
		id:        sessionID,
		userID:    userID,
		expiresAt: now.Add(s.ttl),
		results:   make(map[uuid.UUID]resultEntry),
	}
	s.sessions[sessionID] = sess
	s.byUser[userID] = sessionID
	return sess.snapshot(), nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.now().After(sess.expiresAt) {
		s.evictLocked(sessionID)
		return nil, ErrSessionNotFound
	}
	return sess.snapshot(), nil
}

func (s *MemoryStore) RecordResult(_ context.Context, sessionID string, recordID uuid.UUID, result domain.ValidationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	now := s.now()
	if now.After(sess.expiresAt) {
		s.evictLocked(sessionID)
		return ErrSessionNotFound
	}

	if _, exists := sess.results[recordID]; !exists && len(sess.results) >= s.maxResults {
		sess.evictOldestResult()
	}
	sess.results[recordID] = resultEntry{result: result, storedAt: now}
	return nil
}

func (s *MemoryStore) FetchResult(_ context.Context, sessionID string, recordID uuid.UUID) (*domain.ValidationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok || s.now().After(sess.expiresAt) {
		return nil, ErrSessionNotFound
	}
	entry, ok := sess.results[recordID]
	if !ok {
		return nil, ErrResultNotFound
	}
	result := entry.result
	return &result, nil
}

// Sweep evicts every session whose expiry has passed and returns the number
// removed. The background cleanup worker calls this so sessions nobody
// re-queries still get reclaimed.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, sess := range s.sessions {
		if now.After(sess.expiresAt) {
			s.evictLocked(id)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of live sessions. Used by the cleanup worker's
// logging.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// SetClock overrides the store's time source. Tests only.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) evictLocked(sessionID string) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	delete(s.sessions, sessionID)
	if s.byUser[sess.userID] == sessionID {
		delete(s.byUser, sess.userID)
	}
}

func (m *memorySession) evictOldestResult() {
	var oldest uuid.UUID
	var oldestAt time.Time
	first := true
	for id, entry := range m.results {
		if first || entry.storedAt.Before(oldestAt) {
			oldest = id
			oldestAt = entry.storedAt
			first = false
		}
	}
	if !first {
		log.Printf("[SESSION] Result cap reached for session %s..., evicting record %s", m.id[:8], oldest)
		delete(m.results, oldest)
	}
}

// snapshot returns a copy safe to hand out. The results map is copied so a
// concurrent RecordResult can never be observed half-written through a
// previously returned session.
func (m *memorySession) snapshot() *domain.Session {
	results := make(map[uuid.UUID]domain.ValidationResult, len(m.results))
	for id, entry := range m.results {
		results[id] = entry.result
	}
	return &domain.Session{
		ID:        m.id,
		UserID:    m.userID,
		ExpiresAt: m.expiresAt,
		Results:   results,
	}
}
