package gameserver

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/nearchat/internal/event"
	"github.com/cory-johannsen/nearchat/internal/game/chat"
	"github.com/cory-johannsen/nearchat/internal/game/proximity"
	"github.com/cory-johannsen/nearchat/internal/game/session"
	"github.com/cory-johannsen/nearchat/internal/testutil"
)

type harness struct {
	store *session.Store
	chat  *chat.Manager
	rec   *testutil.Recorder
	coord *Coordinator
}

func newHarness(t *testing.T, opts chat.Options, sweep time.Duration) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := session.NewStore(session.FixedSource(2))
	if opts.NewID == nil {
		var n atomic.Int64
		opts.NewID = func() string { return fmt.Sprintf("id-%d", n.Add(1)) }
	}
	mgr := chat.NewManager(store, proximity.NewIndex(store), opts, logger)
	rec := testutil.NewRecorder()
	return &harness{
		store: store,
		chat:  mgr,
		rec:   rec,
		coord: NewCoordinator(store, mgr, rec, 16, sweep, logger),
	}
}

func (h *harness) join(id string, x, y float64) {
	h.coord.Dispatch(event.Inbound{ConnID: id, Name: event.Join, Position: event.Position{X: x, Y: y}})
}

func (h *harness) send(id string, name event.Name, arg string) {
	h.coord.Dispatch(event.Inbound{ConnID: id, Name: name, Arg: arg})
}

func (h *harness) inviteID(t *testing.T, from, to string) string {
	t.Helper()
	h.send(from, event.InviteToChat, to)
	sent := h.rec.Named(event.InvitationSent)
	require.NotEmpty(t, sent)
	return sent[len(sent)-1].Payload.(event.InvitationSentPayload).InviteID
}

func TestCoordinator_JoinBroadcastsSnapshot(t *testing.T) {
	h := newHarness(t, chat.Options{}, 0)
	h.coord.Dispatch(event.Inbound{
		ConnID:   "a",
		Name:     event.Join,
		Position: event.Position{X: 10, Y: 20, Name: "Ann"},
	})

	last, ok := h.rec.Last()
	require.True(t, ok)
	assert.True(t, last.Broadcast)
	assert.Equal(t, event.UpdatePlayers, last.Name)
	snap := last.Payload.(map[string]session.Session)
	require.Contains(t, snap, "a")
	assert.Equal(t, "Ann", snap["a"].Name)
	assert.Equal(t, 2, snap["a"].Variant)
}

func TestCoordinator_MoveUpdatesPositionAndName(t *testing.T) {
	h := newHarness(t, chat.Options{}, 0)
	h.join("a", 0, 0)
	h.rec.Reset()

	h.coord.Dispatch(event.Inbound{ConnID: "a", Name: event.Move, Position: event.Position{X: 5, Y: 6, Name: "Ann"}})

	require.Len(t, h.rec.All(), 1)
	s, _ := h.store.Get("a")
	assert.Equal(t, 5.0, s.X)
	assert.Equal(t, 6.0, s.Y)
	assert.Equal(t, "Ann", s.Name)
}

func TestCoordinator_MoveUnknownSessionIsSilent(t *testing.T) {
	h := newHarness(t, chat.Options{}, 0)
	h.coord.Dispatch(event.Inbound{ConnID: "ghost", Name: event.Move, Position: event.Position{X: 1}})
	assert.Empty(t, h.rec.All())
	assert.Equal(t, 0, h.store.Count())
}

func TestCoordinator_SetName(t *testing.T) {
	h := newHarness(t, chat.Options{}, 0)
	h.join("a", 0, 0)
	h.rec.Reset()

	h.send("a", event.SetName, "   ")
	assert.Empty(t, h.rec.All())

	h.send("a", event.SetName, "Ann")
	require.Len(t, h.rec.Named(event.UpdatePlayers), 1)
	assert.Equal(t, "Ann", h.store.DisplayName("a"))
}

func TestCoordinator_NearbyMessageReachesBoth(t *testing.T) {
	h := newHarness(t, chat.Options{}, 0)
	h.join("A", 0, 0)
	h.join("B", 50, 0)
	h.rec.Reset()

	h.send("A", event.Message, "hi")

	msgs := h.rec.Named(event.ChatMessage)
	require.Len(t, msgs, 1)
	assert.ElementsMatch(t, []string{"A", "B"}, msgs[0].To)
	assert.Equal(t, event.MessagePayload{From: "A", Text: "hi"}, msgs[0].Payload)
}

func TestCoordinator_DistantMessageOnlyEchoes(t *testing.T) {
	h := newHarness(t, chat.Options{}, 0)
	h.join("A", 0, 0)
	h.join("B", 150, 0)
	h.rec.Reset()

	h.send("A", event.Message, "anyone?")

	assert.Len(t, h.rec.For("A"), 1)
	assert.Empty(t, h.rec.For("B"))
}

func TestCoordinator_GroupChatSurvivesDistance(t *testing.T) {
	h := newHarness(t, chat.Options{}, 0)
	h.join("A", 0, 0)
	h.join("B", 50, 0)

	id := h.inviteID(t, "A", "B")
	h.send("B", event.AcceptInvitation, id)

	created := h.rec.Named(event.GroupCreated)
	require.Len(t, created, 1)
	assert.ElementsMatch(t, []string{"A", "B"}, created[0].To)
	payload := created[0].Payload.(event.GroupCreatedPayload)
	assert.Equal(t, []string{"A", "B"}, payload.Members)

	h.coord.Dispatch(event.Inbound{ConnID: "B", Name: event.Move, Position: event.Position{X: 900, Y: 900}})
	h.rec.Reset()

	h.send("A", event.Message, "still there?")
	msgs := h.rec.Named(event.ChatMessage)
	require.Len(t, msgs, 1)
	assert.ElementsMatch(t, []string{"A", "B"}, msgs[0].To)
}

func TestCoordinator_RejectNotifiesInviter(t *testing.T) {
	h := newHarness(t, chat.Options{}, 0)
	h.join("A", 0, 0)
	h.join("B", 50, 0)
	h.send("B", event.SetName, "Bea")

	first := h.inviteID(t, "A", "B")
	h.send("B", event.RejectInvitation, first)

	rejected := h.rec.Named(event.InvitationRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, []string{"A"}, rejected[0].To)
	assert.Equal(t, event.InvitationRejectedPayload{InviteID: first, By: "B", ByName: "Bea"}, rejected[0].Payload)
	assert.Equal(t, 0, h.chat.PendingCount())

	second := h.inviteID(t, "A", "B")
	assert.NotEqual(t, first, second)
}

func TestCoordinator_SeveralInvitationsToOneSession(t *testing.T) {
	h := newHarness(t, chat.Options{}, 0)
	h.join("A", 0, 0)
	h.join("B", 50, 0)
	h.join("C", 50, 50)

	fromA := h.inviteID(t, "A", "B")
	fromC := h.inviteID(t, "C", "B")
	require.Len(t, h.rec.Named(event.ChatInvitation), 2)

	h.send("B", event.AcceptInvitation, fromA)
	first, ok := h.chat.GroupOf("A")
	require.True(t, ok)
	h.rec.Reset()

	h.send("B", event.AcceptInvitation, fromC)

	all := h.rec.All()
	require.Len(t, all, 2)
	assert.Equal(t, event.LeftGroup, all[0].Name)
	assert.Equal(t, []string{"B"}, all[0].To)
	assert.Equal(t, event.GroupCreated, all[1].Name)
	assert.Equal(t, []string{"C", "B"}, all[1].Payload.(event.GroupCreatedPayload).Members)
	assert.Equal(t, []string{"A"}, h.chat.Members(first))
	assert.Empty(t, h.rec.Named(event.ChatError))

	h.rec.Reset()
	h.send("A", event.Message, "hello?")
	msgs := h.rec.Named(event.ChatMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"A"}, msgs[0].To)
	require.NoError(t, h.chat.CheckInvariants())
}

func TestCoordinator_RejectOneOfSeveralInvitations(t *testing.T) {
	h := newHarness(t, chat.Options{}, 0)
	h.join("A", 0, 0)
	h.join("B", 50, 0)
	h.join("C", 50, 50)

	fromA := h.inviteID(t, "A", "B")
	fromC := h.inviteID(t, "C", "B")

	h.send("B", event.RejectInvitation, fromA)
	assert.Len(t, h.rec.Named(event.InvitationRejected), 1)
	_, pending := h.chat.Invitation(fromC)
	assert.True(t, pending)

	h.send("B", event.AcceptInvitation, fromC)
	assert.Empty(t, h.rec.Named(event.ChatError))
	require.Len(t, h.rec.Named(event.GroupCreated), 1)
}

func TestCoordinator_DisconnectLeavesGroupSilently(t *testing.T) {
	h := newHarness(t, chat.Options{}, 0)
	h.join("A", 0, 0)
	h.join("B", 10, 0)
	h.join("C", 20, 0)
	h.send("B", event.AcceptInvitation, h.inviteID(t, "A", "B"))
	h.send("C", event.AcceptInvitation, h.inviteID(t, "A", "C"))

	gid, ok := h.chat.GroupOf("A")
	require.True(t, ok)
	h.rec.Reset()

	h.send("C", event.Disconnect, "")

	assert.Equal(t, []string{"A", "B"}, h.chat.Members(gid))
	_, stillThere := h.store.Get("C")
	assert.False(t, stillThere)

	all := h.rec.All()
	require.Len(t, all, 1)
	assert.Equal(t, event.UpdatePlayers, all[0].Name)
	assert.True(t, all[0].Broadcast)
}

func TestCoordinator_DisconnectNotifiesWhenEnabled(t *testing.T) {
	h := newHarness(t, chat.Options{NotifyGroupLeave: true}, 0)
	h.join("A", 0, 0)
	h.join("B", 10, 0)
	h.send("B", event.AcceptInvitation, h.inviteID(t, "A", "B"))
	h.rec.Reset()

	h.send("B", event.Disconnect, "")

	left := h.rec.Named(event.PlayerLeftGroup)
	require.Len(t, left, 1)
	assert.Equal(t, []string{"A"}, left[0].To)
}

func TestCoordinator_DisconnectUnknownDoesNotBroadcast(t *testing.T) {
	h := newHarness(t, chat.Options{}, 0)
	h.send("ghost", event.Disconnect, "")
	assert.Empty(t, h.rec.All())
}

func TestCoordinator_InviteErrors(t *testing.T) {
	h := newHarness(t, chat.Options{}, 0)
	h.join("A", 0, 0)
	h.join("far", 500, 0)
	h.rec.Reset()

	h.send("A", event.InviteToChat, "nobody")
	h.send("A", event.InviteToChat, "far")
	h.send("ghost", event.InviteToChat, "A")

	errs := h.rec.Named(event.ChatError)
	require.Len(t, errs, 2)
	assert.Equal(t, ReasonPlayerNotFound, errs[0].Payload)
	assert.Equal(t, ReasonNotNearby, errs[1].Payload)
	assert.Equal(t, []string{"A"}, errs[0].To)
	assert.Equal(t, 0, h.chat.PendingCount())
}

func TestCoordinator_DuplicateAcceptIsInvalid(t *testing.T) {
	h := newHarness(t, chat.Options{}, 0)
	h.join("A", 0, 0)
	h.join("B", 50, 0)
	id := h.inviteID(t, "A", "B")

	h.send("B", event.AcceptInvitation, id)
	assert.Empty(t, h.rec.Named(event.ChatError))

	h.send("B", event.AcceptInvitation, id)
	errs := h.rec.Named(event.ChatError)
	require.Len(t, errs, 1)
	assert.Equal(t, []string{"B"}, errs[0].To)
	assert.Equal(t, ReasonInvalidInvitation, errs[0].Payload)
}

func TestCoordinator_InvalidRejectIsSilent(t *testing.T) {
	h := newHarness(t, chat.Options{}, 0)
	h.join("A", 0, 0)
	h.rec.Reset()

	h.send("A", event.RejectInvitation, "nope")
	h.send("A", event.LeaveGroup, "")
	h.send("ghost", event.Message, "boo")

	assert.Empty(t, h.rec.All())
}

func TestCoordinator_LeaveConfirmsToLeaver(t *testing.T) {
	h := newHarness(t, chat.Options{}, 0)
	h.join("A", 0, 0)
	h.join("B", 50, 0)
	h.send("B", event.AcceptInvitation, h.inviteID(t, "A", "B"))
	h.rec.Reset()

	h.send("A", event.LeaveGroup, "")

	left := h.rec.Named(event.LeftGroup)
	require.Len(t, left, 1)
	assert.Equal(t, []string{"A"}, left[0].To)
	_, inGroup := h.chat.GroupOf("A")
	assert.False(t, inGroup)
}

func TestCoordinator_UnknownEventIgnored(t *testing.T) {
	h := newHarness(t, chat.Options{}, 0)
	h.send("a", event.Name("teleport"), "")
	assert.Empty(t, h.rec.All())
}

type panickyGateway struct {
	*testutil.Recorder
	armed atomic.Bool
}

func (g *panickyGateway) Broadcast(name event.Name, payload any) {
	if g.armed.CompareAndSwap(true, false) {
		panic("boom")
	}
	g.Recorder.Broadcast(name, payload)
}

func TestCoordinator_DispatchRecoversFromPanic(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store := session.NewStore(session.FixedSource(0))
	mgr := chat.NewManager(store, proximity.NewIndex(store), chat.Options{}, logger)
	gw := &panickyGateway{Recorder: testutil.NewRecorder()}
	gw.armed.Store(true)
	coord := NewCoordinator(store, mgr, gw, 4, 0, logger)

	assert.NotPanics(t, func() {
		coord.Dispatch(event.Inbound{ConnID: "a", Name: event.Join})
	})
	coord.Dispatch(event.Inbound{ConnID: "b", Name: event.Join})

	require.Len(t, gw.Named(event.UpdatePlayers), 1)
	assert.Equal(t, 2, store.Count())
}

func TestCoordinator_RunLoopProcessesInOrder(t *testing.T) {
	h := newHarness(t, chat.Options{}, 0)

	done := make(chan error, 1)
	go func() { done <- h.coord.Start() }()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, h.coord.Submit(ctx, event.Inbound{
			ConnID:   "a",
			Name:     event.Move,
			Position: event.Position{X: float64(i)},
		}))
	}
	require.NoError(t, h.coord.Submit(ctx, event.Inbound{ConnID: "a", Name: event.Join}))
	require.NoError(t, h.coord.Submit(ctx, event.Inbound{ConnID: "a", Name: event.Move, Position: event.Position{X: 42}}))

	require.Eventually(t, func() bool {
		return len(h.rec.Named(event.UpdatePlayers)) == 2
	}, 2*time.Second, 5*time.Millisecond)
	s, _ := h.store.Get("a")
	assert.Equal(t, 42.0, s.X)

	h.coord.Stop()
	h.coord.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop")
	}

	assert.ErrorIs(t, h.coord.Submit(ctx, event.Inbound{ConnID: "a", Name: event.Join}), ErrStopped)
}

func TestCoordinator_SubmitHonorsContext(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store := session.NewStore(session.FixedSource(0))
	mgr := chat.NewManager(store, proximity.NewIndex(store), chat.Options{}, logger)
	coord := NewCoordinator(store, mgr, testutil.NewRecorder(), 1, 0, logger)

	require.NoError(t, coord.Submit(context.Background(), event.Inbound{ConnID: "a", Name: event.Join}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := coord.Submit(ctx, event.Inbound{ConnID: "b", Name: event.Join})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCoordinator_SweepExpiresInvitations(t *testing.T) {
	h := newHarness(t, chat.Options{InvitationTTL: time.Millisecond}, 5*time.Millisecond)
	h.join("A", 0, 0)
	h.join("B", 50, 0)
	id := h.inviteID(t, "A", "B")

	done := make(chan error, 1)
	go func() { done <- h.coord.Start() }()
	t.Cleanup(func() {
		h.coord.Stop()
		<-done
	})

	require.Eventually(t, func() bool {
		return len(h.rec.Named(event.InvitationExpired)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	expired := h.rec.Named(event.InvitationExpired)[0]
	assert.Equal(t, []string{"A"}, expired.To)
	assert.Equal(t, id, expired.Payload.(event.InvitationExpiredPayload).InviteID)
}

func TestCoordinator_StatusFollowsEventLoop(t *testing.T) {
	h := newHarness(t, chat.Options{}, 0)
	status := make(chan bool, 2)
	h.coord.OnStatusChange(func(running bool) { status <- running })

	done := make(chan error, 1)
	go func() { done <- h.coord.Start() }()

	select {
	case running := <-status:
		assert.True(t, running)
	case <-time.After(2 * time.Second):
		t.Fatal("no status reported on start")
	}

	h.coord.Stop()
	require.NoError(t, <-done)
	select {
	case running := <-status:
		assert.False(t, running)
	default:
		t.Fatal("no status reported on stop")
	}
}
