package console

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-support/internal/clock"
	"github.com/pelusa-v/pelusa-support/internal/metrics"
	"github.com/pelusa-v/pelusa-support/internal/protocol"
)

func newTestState(t *testing.T) (*State, *clock.FakeClock) {
	t.Helper()
	fc := clock.Fake(time.Unix(1_700_000_000, 0))
	s := NewState(StateOptions{OperatorID: "op1", Clock: fc, TypingTTL: 10 * time.Second})
	s.ApplyDirectory([]protocol.Conversation{
		conv("c1", 3, time.Unix(100, 0)),
		conv("c2", 0, time.Unix(200, 0)),
	})
	return s, fc
}

func unread(t *testing.T, s *State, id string) int {
	t.Helper()
	c, ok := s.Directory().Get(id)
	require.True(t, ok, "conversation %s", id)
	return c.Unread
}

func history(counterpart string, n int) []protocol.Message {
	out := make([]protocol.Message, n)
	for i := range out {
		out[i] = msg("h"+string(rune('a'+i)), counterpart, protocol.RoleCounterpart)
	}
	return out
}

func TestSelectLoadsHistoryAndZeroesUnread(t *testing.T) {
	s, _ := newTestState(t)

	gen, prev := s.BeginSelect("c1")
	assert.Empty(t, prev)
	assert.Equal(t, 3, unread(t, s, "c1"))

	require.True(t, s.ApplyHistory(gen, "c1", history("c1", 5)))
	assert.Equal(t, 5, s.Timeline().Len())
	assert.Zero(t, unread(t, s, "c1"))
}

func TestPushesIncrementUnread(t *testing.T) {
	s, _ := newTestState(t)

	for i := 0; i < 4; i++ {
		eff := s.Apply(protocol.MessageReceived{Message: msg("p"+string(rune('0'+i)), "c2", protocol.RoleCounterpart)})
		assert.True(t, eff.Changed)
		assert.False(t, eff.ScrollToLatest)
	}
	assert.Equal(t, 4, unread(t, s, "c2"))

	// operator echoes never count
	s.Apply(protocol.MessageReceived{Message: msg("o1", "c2", protocol.RoleOperator)})
	assert.Equal(t, 4, unread(t, s, "c2"))

	c, _ := s.Directory().Get("c2")
	assert.Equal(t, "body o1", c.Preview)
}

func TestPushesDuringPullAreZeroedAndKept(t *testing.T) {
	s, _ := newTestState(t)
	gen, _ := s.BeginSelect("c1")

	s.Apply(protocol.MessageReceived{Message: msg("live1", "c1", protocol.RoleCounterpart)})
	s.Apply(protocol.MessageReceived{Message: msg("ha", "c1", protocol.RoleCounterpart)})
	assert.Equal(t, 5, unread(t, s, "c1"))

	require.True(t, s.ApplyHistory(gen, "c1", history("c1", 2)))
	assert.Zero(t, unread(t, s, "c1"))
	assert.Equal(t, []string{"ha", "hb", "live1"}, ids(s.Timeline().Messages()))

	// once loaded, the viewed conversation stays read
	eff := s.Apply(protocol.MessageReceived{Message: msg("live2", "c1", protocol.RoleCounterpart)})
	assert.True(t, eff.ScrollToLatest)
	assert.Zero(t, unread(t, s, "c1"))
}

func TestDuplicatePushIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewState(StateOptions{Metrics: metrics.NewConsole(reg)})
	s.ApplyDirectory([]protocol.Conversation{conv("c1", 0, time.Time{})})
	gen, _ := s.BeginSelect("c1")
	s.ApplyHistory(gen, "c1", nil)

	m := msg("m1", "c1", protocol.RoleCounterpart)
	first := s.Apply(protocol.MessageReceived{Message: m})
	second := s.Apply(protocol.MessageReceived{Message: m})

	assert.True(t, first.Changed)
	assert.Equal(t, Effects{}, second)
	assert.Equal(t, 1, s.Timeline().Len())

	expected := `
# HELP support_console_duplicate_messages_total Messages discarded because their identity was already in the timeline.
# TYPE support_console_duplicate_messages_total counter
support_console_duplicate_messages_total{source="push"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "support_console_duplicate_messages_total"))
}

func TestStaleHistoryIsDiscarded(t *testing.T) {
	s, _ := newTestState(t)

	genA, _ := s.BeginSelect("c1")
	genB, prev := s.BeginSelect("c2")
	assert.Equal(t, "c1", prev)

	require.True(t, s.ApplyHistory(genB, "c2", history("c2", 2)))
	assert.False(t, s.ApplyHistory(genA, "c1", history("c1", 5)))

	assert.Equal(t, "c2", s.Timeline().CounterpartID())
	assert.Equal(t, 2, s.Timeline().Len())
	assert.Equal(t, 3, unread(t, s, "c1"))
}

func TestReselectSameConversationDiscardsOlderPull(t *testing.T) {
	s, _ := newTestState(t)

	gen1, _ := s.BeginSelect("c1")
	gen2, _ := s.BeginSelect("c1")
	assert.False(t, s.ApplyHistory(gen1, "c1", history("c1", 1)))
	assert.True(t, s.ApplyHistory(gen2, "c1", history("c1", 3)))
	assert.Equal(t, 3, s.Timeline().Len())
}

func TestUnknownCounterpartRequestsRefresh(t *testing.T) {
	s, _ := newTestState(t)

	eff := s.Apply(protocol.MessageReceived{Message: msg("x", "stranger", protocol.RoleCounterpart)})
	assert.True(t, eff.RefreshDirectory)
	assert.False(t, s.HasConversation("stranger"))

	eff = s.Apply(protocol.ConversationPatched{CounterpartID: "stranger", UnreadCount: 2})
	assert.True(t, eff.RefreshDirectory)
}

func TestTypingOnlyForSelected(t *testing.T) {
	s, fc := newTestState(t)
	s.BeginSelect("c1")

	assert.Equal(t, Effects{}, s.Apply(protocol.TypingChanged{CounterpartID: "c2", Active: true}))
	assert.Nil(t, s.Snapshot().Typing)

	assert.True(t, s.Apply(protocol.TypingChanged{CounterpartID: "c1", Active: true}).Changed)
	require.NotNil(t, s.Snapshot().Typing)

	fc.Advance(9 * time.Second)
	assert.False(t, s.ExpireTyping())
	fc.Advance(time.Second)
	assert.Nil(t, s.Snapshot().Typing)
	assert.True(t, s.ExpireTyping())

	s.Apply(protocol.TypingChanged{CounterpartID: "c1", Active: true})
	assert.True(t, s.Apply(protocol.TypingChanged{CounterpartID: "c1", Active: false}).Changed)
	assert.Nil(t, s.Snapshot().Typing)
}

func TestDeselectClearsTypingAndSelection(t *testing.T) {
	s, _ := newTestState(t)
	gen, _ := s.BeginSelect("c1")
	s.ApplyHistory(gen, "c1", history("c1", 1))
	s.Apply(protocol.TypingChanged{CounterpartID: "c1", Active: true})

	assert.Equal(t, "c1", s.EndSelect())
	snap := s.Snapshot()
	assert.Empty(t, snap.Selected)
	assert.Empty(t, snap.Messages)
	assert.Nil(t, snap.Typing)

	// no longer viewed, so pushes count again
	s.Apply(protocol.MessageReceived{Message: msg("n1", "c1", protocol.RoleCounterpart)})
	assert.Equal(t, 1, unread(t, s, "c1"))
}

func TestPresenceEvents(t *testing.T) {
	s, _ := newTestState(t)

	s.Apply(protocol.PresenceChanged{CounterpartID: "c1", Online: true})
	view, _ := s.Snapshot().Conversation("c1")
	assert.True(t, view.Online)
	assert.Equal(t, []string{"c1"}, s.Snapshot().Online)

	// listed conversations are only assumed online
	view, _ = s.Snapshot().Conversation("c2")
	assert.False(t, view.Online)
	assert.True(t, view.LikelyOnline)

	s.Apply(protocol.PresenceChanged{CounterpartID: "c2", Online: false})
	view, _ = s.Snapshot().Conversation("c2")
	assert.False(t, view.LikelyOnline)

	s.Apply(protocol.PresenceChanged{CounterpartID: "c1", Online: false})
	assert.Empty(t, s.Snapshot().Online)
}

func TestConversationPatch(t *testing.T) {
	s, _ := newTestState(t)

	s.Apply(protocol.ConversationPatched{OperatorID: "op1", CounterpartID: "c2", UnreadCount: 7})
	assert.Equal(t, 7, unread(t, s, "c2"))

	eff := s.Apply(protocol.ConversationPatched{OperatorID: "op2", CounterpartID: "c2", UnreadCount: 1})
	assert.False(t, eff.Changed)
	assert.Equal(t, 7, unread(t, s, "c2"))

	gen, _ := s.BeginSelect("c1")
	s.Apply(protocol.ConversationPatched{CounterpartID: "c1", UnreadCount: 9})
	assert.Equal(t, 9, unread(t, s, "c1"))
	s.ApplyHistory(gen, "c1", nil)
	s.Apply(protocol.ConversationPatched{CounterpartID: "c1", UnreadCount: 9})
	assert.Zero(t, unread(t, s, "c1"))
}

func TestRefreshKeepsSelectedRead(t *testing.T) {
	s, _ := newTestState(t)
	gen, _ := s.BeginSelect("c1")
	s.ApplyHistory(gen, "c1", nil)

	s.ApplyDirectory([]protocol.Conversation{conv("c1", 6, time.Time{}), conv("c3", 1, time.Time{})})
	assert.Zero(t, unread(t, s, "c1"))
	assert.Equal(t, 1, unread(t, s, "c3"))
	assert.True(t, s.HasConversation("c2"))
}
