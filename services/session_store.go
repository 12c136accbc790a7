package services

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ApprovalSuggestion is one proposed meal entry awaiting a human decision.
// Once Resolution is set it never changes.
type ApprovalSuggestion struct {
	ID         string              `json:"id"`
	ResultID   string              `json:"result_id"`
	Meal       string              `json:"meal"`
	Portion    float64             `json:"portion"`
	Reason     string              `json:"reason"`
	Food       Food                `json:"food"`
	Resolution *ApprovalResolution `json:"resolution,omitempty"`
}

type ApprovalResolution struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Session is one user's agent conversation. All mutation happens under the
// session mutex, so concurrent turn requests for the same session serialize
// instead of interleaving history appends.
type Session struct {
	ID     string
	UserID uint

	mu               sync.Mutex
	Messages         []ChatMessage
	ResultCounter    int
	Results          map[string]Food
	PendingApprovals map[string][]*ApprovalSuggestion

	// Unix nanos, atomic so eviction scans never need the session mutex.
	lastActive atomic.Int64
}

func newSession(userID uint) *Session {
	s := &Session{
		ID:               uuid.NewString(),
		UserID:           userID,
		Results:          make(map[string]Food),
		PendingApprovals: make(map[string][]*ApprovalSuggestion),
	}
	s.Touch()
	return s
}

func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// Touch is safe without the session mutex.
func (s *Session) Touch() { s.lastActive.Store(time.Now().UnixNano()) }

func (s *Session) LastActive() time.Time { return time.Unix(0, s.lastActive.Load()) }

// NextResultID mints the next session-scoped local result id (r1, r2, ...).
// Must be called with the session lock held.
func (s *Session) NextResultID() string {
	s.ResultCounter++
	return "r" + strconv.Itoa(s.ResultCounter)
}

// SessionStore maps session ids to conversations. Implementations are safe
// for concurrent use. A session is addressable only by (id, owner) together.
type SessionStore interface {
	Create(userID uint) *Session
	Get(id string, userID uint) (*Session, bool)
	Delete(id string)
	Prune(idleFor time.Duration) int
}

type memorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemorySessionStore() SessionStore {
	return &memorySessionStore{sessions: make(map[string]*Session)}
}

func (m *memorySessionStore) Create(userID uint) *Session {
	s := newSession(userID)
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

func (m *memorySessionStore) Get(id string, userID uint) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || s.UserID != userID {
		return nil, false
	}
	return s, true
}

func (m *memorySessionStore) Delete(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Prune drops sessions idle for longer than idleFor and reports how many
// were removed. It reads idle timestamps atomically and never takes a
// session mutex, so a session busy inside a long model call cannot stall
// other users' requests.
func (m *memorySessionStore) Prune(idleFor time.Duration) int {
	cutoff := time.Now().Add(-idleFor).UnixNano()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		if s.lastActive.Load() < cutoff {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}
