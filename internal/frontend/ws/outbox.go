package ws

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrConnClosed is returned when queuing a frame for a connection that is shutting down.
	ErrConnClosed = errors.New("connection closed")
	// ErrSlowConsumer is returned when a connection's pending frames reach its send buffer.
	ErrSlowConsumer = errors.New("send buffer full")
)

// Outbox holds the encoded frames waiting for a connection's writer. The frame
// channel is never closed; shutdown is signalled on Done so late pushes cannot panic.
type Outbox struct {
	id      string
	pending chan []byte
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// NewOutbox creates an Outbox for connection id holding at most depth frames
// (64 when depth <= 0).
func NewOutbox(id string, depth int) *Outbox {
	if depth <= 0 {
		depth = 64
	}
	return &Outbox{
		id:      id,
		pending: make(chan []byte, depth),
		done:    make(chan struct{}),
	}
}

// ID returns the connection id the frames are addressed to.
func (o *Outbox) ID() string {
	return o.id
}

// Push queues frame for the writer without waiting.
//
// Postcondition: Returns ErrConnClosed after Close, or ErrSlowConsumer (and counts the
// frame as dropped) when the buffer is full.
func (o *Outbox) Push(frame []byte) error {
	select {
	case <-o.done:
		return ErrConnClosed
	default:
	}
	select {
	case o.pending <- frame:
		return nil
	default:
		o.dropped.Add(1)
		return ErrSlowConsumer
	}
}

// Frames is read by the connection writer.
func (o *Outbox) Frames() <-chan []byte {
	return o.pending
}

// Done is closed once the connection should send a close frame and stop writing.
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

// Close signals the writer to finish. Safe to call from any goroutine, any number of times.
func (o *Outbox) Close() {
	o.once.Do(func() { close(o.done) })
}

// IsClosed reports whether Close has been called.
func (o *Outbox) IsClosed() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// Dropped returns how many frames were discarded because the buffer was full.
func (o *Outbox) Dropped() int64 {
	return o.dropped.Load()
}
