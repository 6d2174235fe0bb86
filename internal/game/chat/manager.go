// Package chat implements chat groups, the invitation state machine and message fan-out.
//
// A Manager is owned by the coordinator's event loop and is not safe for concurrent use.
package chat

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/nearchat/internal/event"
	"github.com/cory-johannsen/nearchat/internal/game/proximity"
	"github.com/cory-johannsen/nearchat/internal/game/session"
)

var (
	// ErrUnknownSender means the acting connection has no session.
	ErrUnknownSender = errors.New("sender has no session")
	// ErrUnknownTarget means the invitee has no session.
	ErrUnknownTarget = errors.New("target has no session")
	// ErrNotNearby means the invitee is outside chat proximity.
	ErrNotNearby = errors.New("target is not nearby")
	// ErrInvalidInvitation means the invitation does not exist, has lapsed, or is
	// addressed to someone else.
	ErrInvalidInvitation = errors.New("invalid invitation")
	// ErrNotInGroup means the session is not a member of any group.
	ErrNotInGroup = errors.New("not in a group")
)

// Directory resolves session ids to live sessions.
type Directory interface {
	Get(id string) (session.Session, bool)
	DisplayName(id string) string
}

// Locator answers proximity queries against live session positions.
type Locator interface {
	Nearby(id string, radius float64) []string
	Within(a, b string, radius float64) bool
}

// Options tunes group and invitation policy.
type Options struct {
	// InvitationTTL bounds how long an invitation stays actionable. Zero disables expiry.
	InvitationTTL time.Duration
	// NotifyGroupLeave sends playerLeftGroup to the remaining members on leave and disconnect.
	NotifyGroupLeave bool
	// NewID generates group and invitation ids. Defaults to uuid.NewString.
	NewID func() string
	// Now is the clock used to timestamp invitations. Defaults to time.Now.
	Now func() time.Time
}

// Group is a set of sessions that chat regardless of distance.
type Group struct {
	ID string
	// Members is kept in join order.
	Members []string
}

func (g *Group) has(id string) bool {
	return contains(g.Members, id)
}

// Invitation is a pending, single-use offer to chat. Names are captured when it is sent.
type Invitation struct {
	ID        string
	From      string
	To        string
	FromName  string
	ToName    string
	Timestamp time.Time
}

// Manager owns chat groups, the player to group index, and pending invitations.
//
// Invariant: byPlayer[p] == g if and only if p is in groups[g].Members.
// Invariant: no group in groups has zero members.
type Manager struct {
	dir      Directory
	near     Locator
	opts     Options
	logger   *zap.Logger
	groups   map[string]*Group
	byPlayer map[string]string
	pending  map[string]*Invitation
}

// NewManager creates an empty Manager.
//
// Precondition: dir, near and logger must be non-nil.
func NewManager(dir Directory, near Locator, opts Options, logger *zap.Logger) *Manager {
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		dir:      dir,
		near:     near,
		opts:     opts,
		logger:   logger,
		groups:   make(map[string]*Group),
		byPlayer: make(map[string]string),
		pending:  make(map[string]*Invitation),
	}
}

// Invite offers toID a chat with fromID.
//
// Precondition: toID must be within proximity.Radius of fromID.
// Postcondition: On success the invitation is pending and the returned deliveries carry
// chatInvitation to toID and invitationSent to fromID. On error nothing changes.
func (m *Manager) Invite(fromID, toID string) ([]event.Delivery, error) {
	if _, ok := m.dir.Get(fromID); !ok {
		return nil, ErrUnknownSender
	}
	if _, ok := m.dir.Get(toID); !ok {
		return nil, ErrUnknownTarget
	}
	if !m.near.Within(fromID, toID, proximity.Radius) {
		return nil, ErrNotNearby
	}

	inv := &Invitation{
		ID:        m.opts.NewID(),
		From:      fromID,
		To:        toID,
		FromName:  m.dir.DisplayName(fromID),
		ToName:    m.dir.DisplayName(toID),
		Timestamp: m.opts.Now(),
	}
	m.pending[inv.ID] = inv

	m.logger.Debug("invitation sent",
		zap.String("invite_id", inv.ID),
		zap.String("from", fromID),
		zap.String("to", toID),
	)

	return []event.Delivery{
		event.To(event.ChatInvitation, event.ChatInvitationPayload{
			InviteID: inv.ID,
			From:     fromID,
			FromName: inv.FromName,
		}, toID),
		event.To(event.InvitationSent, event.InvitationSentPayload{
			InviteID: inv.ID,
			To:       toID,
			ToName:   inv.ToName,
		}, fromID),
	}, nil
}

// Accept resolves an invitation by joining responderID to the inviter's group, creating
// one for the pair when the inviter has none. A responder already in a different group
// leaves it first.
//
// Postcondition: On success the invitation is deleted. On ErrInvalidInvitation nothing changes.
func (m *Manager) Accept(inviteID, responderID string) ([]event.Delivery, error) {
	inv, ok := m.actionable(inviteID, responderID)
	if !ok {
		return nil, ErrInvalidInvitation
	}
	delete(m.pending, inviteID)

	var out []event.Delivery
	if gid, ok := m.byPlayer[responderID]; ok && gid != m.byPlayer[inv.From] {
		out = append(out, m.leave(responderID, true)...)
	}

	if gid, ok := m.byPlayer[inv.From]; ok {
		g := m.groups[gid]
		if g.has(responderID) {
			return out, nil
		}
		g.Members = append(g.Members, responderID)
		m.byPlayer[responderID] = gid

		m.logger.Debug("player joined group",
			zap.String("group_id", gid),
			zap.String("player", responderID),
			zap.Int("members", len(g.Members)),
		)

		out = append(out, event.To(event.PlayerJoinedGroup, event.PlayerJoinedGroupPayload{
			GroupID:    gid,
			PlayerID:   responderID,
			PlayerName: m.dir.DisplayName(responderID),
			Members:    clone(g.Members),
		}, clone(g.Members)...))
		return out, nil
	}

	g := m.createGroup(inv.From, responderID)
	names := make([]string, len(g.Members))
	for i, id := range g.Members {
		names[i] = m.dir.DisplayName(id)
	}
	out = append(out, event.To(event.GroupCreated, event.GroupCreatedPayload{
		GroupID:     g.ID,
		Members:     clone(g.Members),
		MemberNames: names,
	}, clone(g.Members)...))
	return out, nil
}

// Reject resolves an invitation by declining it.
//
// Postcondition: On success the invitation is deleted and the inviter is told who declined.
func (m *Manager) Reject(inviteID, responderID string) ([]event.Delivery, error) {
	inv, ok := m.actionable(inviteID, responderID)
	if !ok {
		return nil, ErrInvalidInvitation
	}
	delete(m.pending, inviteID)

	return []event.Delivery{
		event.To(event.InvitationRejected, event.InvitationRejectedPayload{
			InviteID: inviteID,
			By:       responderID,
			ByName:   m.dir.DisplayName(responderID),
		}, inv.From),
	}, nil
}

// Leave removes id from its group, deleting the group if it empties.
//
// Postcondition: Returns ErrNotInGroup and changes nothing if id has no group; otherwise
// the deliveries include leftGroup for id.
func (m *Manager) Leave(id string) ([]event.Delivery, error) {
	if _, ok := m.byPlayer[id]; !ok {
		return nil, ErrNotInGroup
	}
	return m.leave(id, true), nil
}

// DisconnectCleanup forgets everything chat-related about id: its group membership and
// every pending invitation it sent or received. Counterparts of dropped invitations are
// not told.
func (m *Manager) DisconnectCleanup(id string) []event.Delivery {
	var out []event.Delivery
	if _, ok := m.byPlayer[id]; ok {
		out = m.leave(id, false)
	}

	dropped := 0
	for inviteID, inv := range m.pending {
		if inv.From == id || inv.To == id {
			delete(m.pending, inviteID)
			dropped++
		}
	}
	if dropped > 0 {
		m.logger.Debug("dropped invitations on disconnect",
			zap.String("player", id),
			zap.Int("count", dropped),
		)
	}
	return out
}

// Message fans text out from fromID: to its group when it has one, otherwise to itself
// and every session in proximity at this moment.
//
// Postcondition: Returns ErrUnknownSender (and nothing to deliver) if fromID has no session.
func (m *Manager) Message(fromID, text string) ([]event.Delivery, error) {
	if _, ok := m.dir.Get(fromID); !ok {
		return nil, ErrUnknownSender
	}

	payload := event.MessagePayload{From: fromID, Text: text}
	if gid, ok := m.byPlayer[fromID]; ok {
		return []event.Delivery{event.To(event.ChatMessage, payload, clone(m.groups[gid].Members)...)}, nil
	}

	recipients := append([]string{fromID}, m.near.Nearby(fromID, proximity.Radius)...)
	return []event.Delivery{event.To(event.ChatMessage, payload, recipients...)}, nil
}

// ExpireInvitations deletes every invitation older than the configured TTL as of now and
// tells each inviter. It does nothing when expiry is disabled.
func (m *Manager) ExpireInvitations(now time.Time) []event.Delivery {
	if m.opts.InvitationTTL <= 0 {
		return nil
	}

	var expired []*Invitation
	for _, inv := range m.pending {
		if m.expired(inv, now) {
			expired = append(expired, inv)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].Timestamp.Equal(expired[j].Timestamp) {
			return expired[i].ID < expired[j].ID
		}
		return expired[i].Timestamp.Before(expired[j].Timestamp)
	})

	out := make([]event.Delivery, 0, len(expired))
	for _, inv := range expired {
		delete(m.pending, inv.ID)
		out = append(out, event.To(event.InvitationExpired, event.InvitationExpiredPayload{
			InviteID: inv.ID,
			To:       inv.To,
			ToName:   inv.ToName,
		}, inv.From))
	}
	if len(expired) > 0 {
		m.logger.Debug("expired invitations", zap.Int("count", len(expired)))
	}
	return out
}

// GroupOf returns the group id of player.
func (m *Manager) GroupOf(player string) (string, bool) {
	gid, ok := m.byPlayer[player]
	return gid, ok
}

// Members returns a copy of the member list of groupID, or nil if it does not exist.
func (m *Manager) Members(groupID string) []string {
	g, ok := m.groups[groupID]
	if !ok {
		return nil
	}
	return clone(g.Members)
}

// Invitation returns a copy of the pending invitation with the given id.
func (m *Manager) Invitation(inviteID string) (Invitation, bool) {
	inv, ok := m.pending[inviteID]
	if !ok {
		return Invitation{}, false
	}
	return *inv, true
}

// GroupCount returns the number of live groups.
func (m *Manager) GroupCount() int { return len(m.groups) }

// PendingCount returns the number of pending invitations.
func (m *Manager) PendingCount() int { return len(m.pending) }

// CheckInvariants verifies that group membership and the player index agree, that no group
// is empty and that no player belongs to two groups.
//
// Postcondition: Returns nil when consistent, otherwise an error naming the first violation.
func (m *Manager) CheckInvariants() error {
	seen := make(map[string]string)
	for gid, g := range m.groups {
		if g.ID != gid {
			return fmt.Errorf("group %q stored under key %q", g.ID, gid)
		}
		if len(g.Members) == 0 {
			return fmt.Errorf("group %q is empty", gid)
		}
		for _, p := range g.Members {
			if other, dup := seen[p]; dup {
				return fmt.Errorf("player %q in groups %q and %q", p, other, gid)
			}
			seen[p] = gid
			if m.byPlayer[p] != gid {
				return fmt.Errorf("player %q in group %q but indexed to %q", p, gid, m.byPlayer[p])
			}
		}
	}
	for p, gid := range m.byPlayer {
		if seen[p] != gid {
			return fmt.Errorf("player %q indexed to %q but not a member", p, gid)
		}
	}
	return nil
}

func (m *Manager) actionable(inviteID, responderID string) (*Invitation, bool) {
	inv, ok := m.pending[inviteID]
	if !ok || inv.To != responderID {
		return nil, false
	}
	if m.expired(inv, m.opts.Now()) {
		return nil, false
	}
	if _, ok := m.dir.Get(inv.From); !ok {
		return nil, false
	}
	return inv, true
}

func (m *Manager) expired(inv *Invitation, now time.Time) bool {
	return m.opts.InvitationTTL > 0 && now.Sub(inv.Timestamp) >= m.opts.InvitationTTL
}

func (m *Manager) createGroup(founder string, others ...string) *Group {
	g := &Group{ID: m.opts.NewID(), Members: []string{founder}}
	for _, id := range others {
		if !g.has(id) {
			g.Members = append(g.Members, id)
		}
	}
	m.groups[g.ID] = g
	for _, id := range g.Members {
		m.byPlayer[id] = g.ID
	}

	m.logger.Debug("group created",
		zap.String("group_id", g.ID),
		zap.Strings("members", g.Members),
	)
	return g
}

// leave removes id from its group. Callers must check membership first.
func (m *Manager) leave(id string, confirm bool) []event.Delivery {
	gid := m.byPlayer[id]
	g := m.groups[gid]

	kept := g.Members[:0]
	for _, p := range g.Members {
		if p != id {
			kept = append(kept, p)
		}
	}
	g.Members = kept
	delete(m.byPlayer, id)
	if len(g.Members) == 0 {
		delete(m.groups, gid)
	}

	m.logger.Debug("player left group",
		zap.String("group_id", gid),
		zap.String("player", id),
		zap.Int("remaining", len(g.Members)),
	)

	var out []event.Delivery
	if confirm {
		out = append(out, event.To(event.LeftGroup, nil, id))
	}
	if m.opts.NotifyGroupLeave && len(g.Members) > 0 {
		out = append(out, event.To(event.PlayerLeftGroup, event.PlayerLeftGroupPayload{
			GroupID:    gid,
			PlayerID:   id,
			PlayerName: m.dir.DisplayName(id),
			Members:    clone(g.Members),
		}, clone(g.Members)...))
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func clone(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}
