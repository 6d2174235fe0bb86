// Package proximity answers "who is close enough to hear me" over session snapshots.
//
// Nothing is cached: positions change continuously, so every query scans the live
// sessions once.
package proximity

import (
	"math"
	"sort"

	"github.com/cory-johannsen/nearchat/internal/game/session"
)

// Radius is the chat proximity threshold in world units. The boundary is inclusive.
const Radius = 100.0

// Distance returns the Euclidean distance between two sessions.
func Distance(a, b session.Session) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Nearby returns the ids of every other session in sessions within radius of id,
// sorted ascending.
//
// Postcondition: Returns nil when id is not in sessions; id itself is never included.
func Nearby(sessions map[string]session.Session, id string, radius float64) []string {
	origin, ok := sessions[id]
	if !ok {
		return nil
	}

	var out []string
	for otherID, other := range sessions {
		if otherID == id {
			continue
		}
		if Distance(origin, other) <= radius {
			out = append(out, otherID)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshotter yields a consistent copy of all sessions.
type Snapshotter interface {
	Snapshot() map[string]session.Session
}

// Index runs proximity queries against the current state of a session source.
type Index struct {
	sessions Snapshotter
}

// NewIndex creates an Index over sessions.
//
// Precondition: sessions must be non-nil.
func NewIndex(sessions Snapshotter) *Index {
	return &Index{sessions: sessions}
}

// Nearby returns every other session within radius of id.
func (i *Index) Nearby(id string, radius float64) []string {
	return Nearby(i.sessions.Snapshot(), id, radius)
}

// Within reports whether both sessions exist and lie within radius of each other.
func (i *Index) Within(a, b string, radius float64) bool {
	snap := i.sessions.Snapshot()
	sa, ok := snap[a]
	if !ok {
		return false
	}
	sb, ok := snap[b]
	if !ok {
		return false
	}
	return Distance(sa, sb) <= radius
}
