package testutil

import (
	"sync"

	"github.com/cory-johannsen/nearchat/internal/event"
)

// Sent is one outbound event captured by a Recorder. To is empty for broadcasts.
type Sent struct {
	To        []string
	Broadcast bool
	Name      event.Name
	Payload   any
}

// Recorder is an in-memory gateway that records every outbound event in order.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// SendTo records a send to a single connection.
func (r *Recorder) SendTo(connID string, name event.Name, payload any) {
	r.record(Sent{To: []string{connID}, Name: name, Payload: payload})
}

// SendToMany records a send to several connections.
func (r *Recorder) SendToMany(connIDs []string, name event.Name, payload any) {
	ids := make([]string, len(connIDs))
	copy(ids, connIDs)
	r.record(Sent{To: ids, Name: name, Payload: payload})
}

// Broadcast records a send to every connection.
func (r *Recorder) Broadcast(name event.Name, payload any) {
	r.record(Sent{Broadcast: true, Name: name, Payload: payload})
}

func (r *Recorder) record(s Sent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, s)
}

// All returns a copy of every recorded event in send order.
func (r *Recorder) All() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sent, len(r.sent))
	copy(out, r.sent)
	return out
}

// Named returns the recorded events with the given name, in send order.
func (r *Recorder) Named(name event.Name) []Sent {
	var out []Sent
	for _, s := range r.All() {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// For returns the events that connID would have received, including broadcasts.
func (r *Recorder) For(connID string) []Sent {
	var out []Sent
	for _, s := range r.All() {
		if s.Broadcast {
			out = append(out, s)
			continue
		}
		for _, id := range s.To {
			if id == connID {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// Last returns the most recently recorded event and whether there was one.
func (r *Recorder) Last() (Sent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return Sent{}, false
	}
	return r.sent[len(r.sent)-1], true
}

// Reset discards all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
