package ws

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cory-johannsen/nearchat/internal/event"
)

func drain(o *Outbox) []Envelope {
	var out []Envelope
	for {
		select {
		case frame := <-o.Frames():
			var env Envelope
			if err := json.Unmarshal(frame, &env); err == nil {
				out = append(out, env)
			}
		default:
			return out
		}
	}
}

func TestHub_SendToReachesOnlyTarget(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t))
	a, b := NewOutbox("a", 4), NewOutbox("b", 4)
	h.Register(a)
	h.Register(b)

	h.SendTo("a", event.ChatError, "nope")

	got := drain(a)
	require.Len(t, got, 1)
	assert.Equal(t, event.ChatError, got[0].Event)
	assert.JSONEq(t, `"nope"`, string(got[0].Data))
	assert.Empty(t, drain(b))
}

func TestHub_SendToManySkipsUnknown(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t))
	a, b, c := NewOutbox("a", 4), NewOutbox("b", 4), NewOutbox("c", 4)
	h.Register(a)
	h.Register(b)
	h.Register(c)

	h.SendToMany([]string{"a", "ghost", "c"}, event.ChatMessage, event.MessagePayload{From: "a", Text: "hi"})

	assert.Len(t, drain(a), 1)
	assert.Empty(t, drain(b))
	assert.Len(t, drain(c), 1)
}

func TestHub_BroadcastReachesEveryone(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t))
	peers := []*Outbox{NewOutbox("a", 4), NewOutbox("b", 4), NewOutbox("c", 4)}
	for _, p := range peers {
		h.Register(p)
	}

	h.Broadcast(event.UpdatePlayers, map[string]any{})

	for _, p := range peers {
		got := drain(p)
		require.Len(t, got, 1, p.ID())
		assert.Equal(t, event.UpdatePlayers, got[0].Event)
	}
}

func TestHub_UnregisterClosesPeer(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t))
	a := NewOutbox("a", 4)
	h.Register(a)
	require.Equal(t, 1, h.Count())

	h.Unregister("a")
	h.Unregister("a")

	assert.Equal(t, 0, h.Count())
	assert.True(t, a.IsClosed())
	h.SendTo("a", event.LeftGroup, nil)
}

func TestHub_RegisterReplacesExisting(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t))
	old, fresh := NewOutbox("a", 4), NewOutbox("a", 4)
	h.Register(old)
	h.Register(fresh)

	assert.True(t, old.IsClosed())
	assert.False(t, fresh.IsClosed())
	assert.Equal(t, 1, h.Count())
}

func TestHub_CloseAll(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t))
	a, b := NewOutbox("a", 4), NewOutbox("b", 4)
	h.Register(a)
	h.Register(b)

	h.CloseAll()

	assert.Equal(t, 0, h.Count())
	assert.True(t, a.IsClosed())
	assert.True(t, b.IsClosed())
}

func TestHub_FullPeerDropsAndLogs(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	h := NewHub(zap.New(core))
	slow, fast := NewOutbox("slow", 1), NewOutbox("fast", 4)
	h.Register(slow)
	h.Register(fast)

	h.Broadcast(event.UpdatePlayers, nil)
	h.Broadcast(event.UpdatePlayers, nil)

	assert.Len(t, drain(slow), 1)
	assert.Len(t, drain(fast), 2)
	assert.Equal(t, int64(1), slow.Dropped())
	require.Equal(t, 1, logs.FilterMessage("dropping outbound event").Len())
	assert.Equal(t, "slow", logs.All()[0].ContextMap()["conn_id"])
}

func TestHub_EncodeFailureSendsNothing(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	h := NewHub(zap.New(core))
	a := NewOutbox("a", 4)
	h.Register(a)

	h.Broadcast(event.ChatMessage, make(chan int))

	assert.Empty(t, drain(a))
	assert.Equal(t, 1, logs.Len())
}
