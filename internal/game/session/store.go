// Package session tracks connected players: position, display name and visual variant.
package session

import (
	"strings"
	"sync"
)

// VariantCount is the number of visual variants a session can be assigned.
const VariantCount = 4

// Session is one connected player's live state.
type Session struct {
	// ID is the gateway-assigned connection identifier.
	ID string `json:"-"`
	// X and Y are world coordinates.
	X float64 `json:"x"`
	Y float64 `json:"y"`
	// Name is the chosen display name; empty until the player sets one.
	Name string `json:"name,omitempty"`
	// Variant is the cosmetic sprite index in [0, VariantCount).
	Variant int `json:"playerIndex"`
}

// DisplayName returns Name, or the derived label for sessions without one.
func (s Session) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return DefaultName(s.ID)
}

// DefaultName derives the fallback display name "Player " + the first four characters of id.
func DefaultName(id string) string {
	r := []rune(id)
	if len(r) > 4 {
		r = r[:4]
	}
	return "Player " + string(r)
}

// Store owns every Session record, keyed by connection id.
// All methods are safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	src      Source
}

// NewStore creates an empty Store drawing variants from src.
//
// Precondition: src must be non-nil.
func NewStore(src Source) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		src:      src,
	}
}

// Join creates the session for id, replacing any existing one, with a freshly drawn variant.
// A blank name leaves the session unnamed.
//
// Postcondition: Returns the assigned variant and a snapshot that includes the new session.
func (s *Store) Join(id string, x, y float64, name string) (int, map[string]Session) {
	variant := s.src.Intn(VariantCount)
	if strings.TrimSpace(name) == "" {
		name = ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[id] = &Session{ID: id, X: x, Y: y, Name: name, Variant: variant}
	return variant, s.snapshotLocked()
}

// UpdatePosition moves an existing session, leaving name and variant untouched.
//
// Postcondition: Returns false (and changes nothing) if id has no session.
func (s *Store) UpdatePosition(id string, x, y float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	sess.X, sess.Y = x, y
	return true
}

// UpdateName renames an existing session.
//
// Postcondition: Returns false (and changes nothing) if id has no session or name is blank.
func (s *Store) UpdateName(id, name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	sess.Name = name
	return true
}

// Remove deletes the session for id. Removing an unknown id is a no-op.
//
// Postcondition: Returns true if a session was deleted.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

// Get returns a copy of the session for id.
//
// Postcondition: Returns (session, true) if found, or (zero, false) otherwise.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// DisplayName returns the display name for id, falling back to the derived label
// when the session is unnamed or unknown.
func (s *Store) DisplayName(id string) string {
	if sess, ok := s.Get(id); ok {
		return sess.DisplayName()
	}
	return DefaultName(id)
}

// Snapshot returns a copy of every session keyed by id.
func (s *Store) Snapshot() map[string]Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() map[string]Session {
	out := make(map[string]Session, len(s.sessions))
	for id, sess := range s.sessions {
		out[id] = *sess
	}
	return out
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
