// Package gameserver runs the single event timeline that applies client events to the
// session store and chat manager and routes the resulting outbound events.
package gameserver

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/nearchat/internal/event"
	"github.com/cory-johannsen/nearchat/internal/game/chat"
	"github.com/cory-johannsen/nearchat/internal/game/session"
)

// ErrStopped is returned by Submit once the coordinator has been stopped.
var ErrStopped = errors.New("coordinator stopped")

// Client-facing chatError reasons.
const (
	ReasonNotNearby         = "Player is not nearby"
	ReasonPlayerNotFound    = "Player not found"
	ReasonInvalidInvitation = "Invalid invitation"
)

// Gateway delivers outbound events to client connections. Sends are fire-and-forget:
// implementations must not block the caller on a slow connection.
type Gateway interface {
	SendTo(connID string, name event.Name, payload any)
	SendToMany(connIDs []string, name event.Name, payload any)
	Broadcast(name event.Name, payload any)
}

// Coordinator serializes every inbound event onto one goroutine and applies it to the
// session store and chat manager, then tells the gateway who needs to hear about it.
//
// Position and identity changes broadcast the full session snapshot to everyone; chat
// events only reach the sessions they concern.
type Coordinator struct {
	sessions *session.Store
	chat     *chat.Manager
	gateway  Gateway
	logger   *zap.Logger

	queue         chan event.Inbound
	sweepInterval time.Duration
	onStatus      func(running bool)

	quit     chan struct{}
	stopOnce sync.Once
}

// NewCoordinator creates a Coordinator.
//
// Precondition: sessions, chatMgr, gw and logger must be non-nil; queueSize must be >= 1.
// sweepInterval <= 0 disables the invitation expiry sweep.
// Postcondition: Returns a Coordinator ready to Start.
func NewCoordinator(sessions *session.Store, chatMgr *chat.Manager, gw Gateway, queueSize int, sweepInterval time.Duration, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		sessions:      sessions,
		chat:          chatMgr,
		gateway:       gw,
		logger:        logger,
		queue:         make(chan event.Inbound, queueSize),
		sweepInterval: sweepInterval,
		quit:          make(chan struct{}),
	}
}

// OnStatusChange registers fn to be told when the event loop starts and stops
// running. fn is called from the loop goroutine.
//
// Precondition: must be called before Start.
func (c *Coordinator) OnStatusChange(fn func(running bool)) {
	c.onStatus = fn
}

// Submit enqueues ev for processing, blocking while the queue is full.
//
// Postcondition: Returns nil once queued, ErrStopped after Stop, or ctx.Err().
func (c *Coordinator) Submit(ctx context.Context, ev event.Inbound) error {
	select {
	case <-c.quit:
		return ErrStopped
	default:
	}
	select {
	case c.queue <- ev:
		return nil
	case <-c.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start runs the event loop until Stop is called. Events are handled strictly in
// arrival order, one at a time.
func (c *Coordinator) Start() error {
	var tick <-chan time.Time
	if c.sweepInterval > 0 {
		ticker := time.NewTicker(c.sweepInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	c.setStatus(true)
	defer c.setStatus(false)

	c.logger.Info("coordinator running", zap.Int("queue_capacity", cap(c.queue)))
	for {
		select {
		case <-c.quit:
			if n := len(c.queue); n > 0 {
				c.logger.Warn("discarding queued events on stop", zap.Int("count", n))
			}
			return nil
		case ev := <-c.queue:
			c.Dispatch(ev)
		case now := <-tick:
			c.deliver(c.chat.ExpireInvitations(now))
		}
	}
}

// Stop ends the event loop. Calling Stop more than once is safe.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.quit) })
}

// Dispatch handles one event to completion, including its outbound sends.
//
// Precondition: must not run concurrently with the event loop or another Dispatch.
func (c *Coordinator) Dispatch(ev event.Inbound) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event handler panicked",
				zap.String("conn_id", ev.ConnID),
				zap.String("event", string(ev.Name)),
				zap.Any("panic", r),
			)
		}
	}()

	switch ev.Name {
	case event.Join:
		c.handleJoin(ev)
	case event.Move:
		c.handleMove(ev)
	case event.SetName:
		c.handleSetName(ev)
	case event.Message:
		c.handleMessage(ev)
	case event.InviteToChat:
		c.handleInvite(ev)
	case event.AcceptInvitation:
		c.handleAccept(ev)
	case event.RejectInvitation:
		c.handleReject(ev)
	case event.LeaveGroup:
		c.handleLeave(ev)
	case event.Disconnect:
		c.handleDisconnect(ev)
	default:
		c.logger.Debug("ignoring unknown event",
			zap.String("conn_id", ev.ConnID),
			zap.String("event", string(ev.Name)),
		)
	}
}

func (c *Coordinator) handleJoin(ev event.Inbound) {
	variant, snapshot := c.sessions.Join(ev.ConnID, ev.Position.X, ev.Position.Y, ev.Position.Name)
	c.logger.Info("player joined",
		zap.String("conn_id", ev.ConnID),
		zap.Int("variant", variant),
		zap.Int("players", len(snapshot)),
	)
	c.deliver([]event.Delivery{event.ToAll(event.UpdatePlayers, snapshot)})
}

func (c *Coordinator) handleMove(ev event.Inbound) {
	if !c.sessions.UpdatePosition(ev.ConnID, ev.Position.X, ev.Position.Y) {
		return
	}
	if ev.Position.Name != "" {
		c.sessions.UpdateName(ev.ConnID, ev.Position.Name)
	}
	c.broadcastPlayers()
}

func (c *Coordinator) handleSetName(ev event.Inbound) {
	if !c.sessions.UpdateName(ev.ConnID, ev.Arg) {
		return
	}
	c.broadcastPlayers()
}

func (c *Coordinator) handleMessage(ev event.Inbound) {
	ds, err := c.chat.Message(ev.ConnID, ev.Arg)
	if err != nil {
		c.logger.Debug("dropping message", zap.String("conn_id", ev.ConnID), zap.Error(err))
		return
	}
	c.deliver(ds)
}

func (c *Coordinator) handleInvite(ev event.Inbound) {
	ds, err := c.chat.Invite(ev.ConnID, ev.Arg)
	switch {
	case err == nil:
		c.deliver(ds)
	case errors.Is(err, chat.ErrUnknownSender):
		c.logger.Debug("dropping invitation from unknown sender", zap.String("conn_id", ev.ConnID))
	case errors.Is(err, chat.ErrUnknownTarget):
		c.gateway.SendTo(ev.ConnID, event.ChatError, ReasonPlayerNotFound)
	default:
		c.gateway.SendTo(ev.ConnID, event.ChatError, ReasonNotNearby)
	}
}

func (c *Coordinator) handleAccept(ev event.Inbound) {
	ds, err := c.chat.Accept(ev.Arg, ev.ConnID)
	if err != nil {
		c.logger.Debug("invalid accept",
			zap.String("conn_id", ev.ConnID),
			zap.String("invite_id", ev.Arg),
		)
		c.gateway.SendTo(ev.ConnID, event.ChatError, ReasonInvalidInvitation)
		return
	}
	c.deliver(ds)
}

func (c *Coordinator) handleReject(ev event.Inbound) {
	ds, err := c.chat.Reject(ev.Arg, ev.ConnID)
	if err != nil {
		c.logger.Debug("ignoring invalid reject",
			zap.String("conn_id", ev.ConnID),
			zap.String("invite_id", ev.Arg),
		)
		return
	}
	c.deliver(ds)
}

func (c *Coordinator) handleLeave(ev event.Inbound) {
	ds, err := c.chat.Leave(ev.ConnID)
	if err != nil {
		return
	}
	c.deliver(ds)
}

func (c *Coordinator) handleDisconnect(ev event.Inbound) {
	c.deliver(c.chat.DisconnectCleanup(ev.ConnID))
	if !c.sessions.Remove(ev.ConnID) {
		return
	}
	c.logger.Info("player left", zap.String("conn_id", ev.ConnID))
	c.broadcastPlayers()
}

func (c *Coordinator) setStatus(running bool) {
	if c.onStatus != nil {
		c.onStatus(running)
	}
}

func (c *Coordinator) broadcastPlayers() {
	c.deliver([]event.Delivery{event.ToAll(event.UpdatePlayers, c.sessions.Snapshot())})
}

func (c *Coordinator) deliver(ds []event.Delivery) {
	for _, d := range ds {
		switch {
		case d.Broadcast:
			c.gateway.Broadcast(d.Name, d.Payload)
		case len(d.To) == 1:
			c.gateway.SendTo(d.To[0], d.Name, d.Payload)
		case len(d.To) > 1:
			c.gateway.SendToMany(d.To, d.Name, d.Payload)
		}
	}
}
