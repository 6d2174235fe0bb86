package ws

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/nearchat/internal/event"
)

// Peer is a registered connection the hub can push frames to.
type Peer interface {
	ID() string
	Push(frame []byte) error
	Close()
}

// Hub is the registry of live connections. It encodes each outbound event once and
// queues it on every addressed peer; a peer whose queue is full misses the frame.
type Hub struct {
	mu     sync.RWMutex
	peers  map[string]Peer
	logger *zap.Logger
}

// NewHub creates an empty Hub.
//
// Precondition: logger must be non-nil.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		peers:  make(map[string]Peer),
		logger: logger,
	}
}

// Register adds p, replacing and closing any peer already registered under its id.
func (h *Hub) Register(p Peer) {
	h.mu.Lock()
	old, ok := h.peers[p.ID()]
	h.peers[p.ID()] = p
	h.mu.Unlock()

	if ok && old != p {
		old.Close()
	}
}

// Unregister removes and closes the peer registered as id. Unknown ids are ignored.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	p, ok := h.peers[id]
	delete(h.peers, id)
	h.mu.Unlock()

	if ok {
		p.Close()
	}
}

// Count returns the number of registered peers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// CloseAll unregisters and closes every peer.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	peers := h.peers
	h.peers = make(map[string]Peer)
	h.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
}

// SendTo queues an event for one connection.
func (h *Hub) SendTo(connID string, name event.Name, payload any) {
	h.SendToMany([]string{connID}, name, payload)
}

// SendToMany queues an event for each listed connection. Unknown ids are skipped.
func (h *Hub) SendToMany(connIDs []string, name event.Name, payload any) {
	frame, ok := h.encode(name, payload)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range connIDs {
		if p, found := h.peers[id]; found {
			h.push(p, name, frame)
		}
	}
}

// Broadcast queues an event for every connection.
func (h *Hub) Broadcast(name event.Name, payload any) {
	frame, ok := h.encode(name, payload)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.peers {
		h.push(p, name, frame)
	}
}

func (h *Hub) encode(name event.Name, payload any) ([]byte, bool) {
	frame, err := Encode(name, payload)
	if err != nil {
		h.logger.Error("encoding outbound event", zap.String("event", string(name)), zap.Error(err))
		return nil, false
	}
	return frame, true
}

func (h *Hub) push(p Peer, name event.Name, frame []byte) {
	err := p.Push(frame)
	switch {
	case err == nil:
	case errors.Is(err, ErrConnClosed):
		h.logger.Debug("skipping closing connection",
			zap.String("conn_id", p.ID()),
			zap.String("event", string(name)),
		)
	default:
		h.logger.Warn("dropping outbound event",
			zap.String("conn_id", p.ID()),
			zap.String("event", string(name)),
			zap.Error(err),
		)
	}
}
