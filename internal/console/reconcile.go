package console

import (
	"github.com/pelusa-v/pelusa-support/internal/protocol"
)

// Effects tells the caller of a transition what to do next.
type Effects struct {
	Changed bool
	// ScrollToLatest is set when a message was appended to the timeline.
	ScrollToLatest bool
	// RefreshDirectory is set when an event named a counterpart the
	// directory does not know yet.
	RefreshDirectory bool
}

// ApplyDirectory installs a conversation list pulled from the server.
func (s *State) ApplyDirectory(list []protocol.Conversation) {
	s.dir.Replace(list, s.selected)
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.CounterpartID)
	}
	s.presence.Assume(ids...)
}

// ApplyHistory merges a history pull issued for generation gen. Results for
// a selection that has since changed are discarded and false is returned.
// On success the conversation's unread counter is zeroed; pushes counted
// while the pull was in flight are zeroed with it.
func (s *State) ApplyHistory(gen uint64, counterpartID string, history []protocol.Message) bool {
	if gen != s.generation || counterpartID != s.selected {
		s.metrics.StaleHistory()
		return false
	}
	dropped := s.timeline.Merge(history)
	for i := 0; i < dropped; i++ {
		s.metrics.Duplicate("pull")
	}
	s.dir.SetUnread(counterpartID, 0)
	return true
}

// Apply reconciles one inbound channel event with the current state. Every
// push goes through here.
func (s *State) Apply(ev protocol.Event) Effects {
	s.metrics.Event(protocol.EventName(ev))

	switch e := ev.(type) {
	case protocol.MessageReceived:
		return s.applyMessage(e.Message)

	case protocol.TypingChanged:
		// Only the selected conversation renders typing; others are dropped.
		if e.CounterpartID == "" || e.CounterpartID != s.selected {
			return Effects{}
		}
		if !e.Active {
			if s.typing == nil {
				return Effects{}
			}
			s.typing = nil
			return Effects{Changed: true}
		}
		s.typing = &TypingIndicator{
			CounterpartID: e.CounterpartID,
			Active:        true,
			ExpiresAt:     s.clock.Now().Add(s.typingTTL),
		}
		return Effects{Changed: true}

	case protocol.PresenceChanged:
		if e.CounterpartID == "" {
			return Effects{}
		}
		s.presence.Set(e.CounterpartID, e.Online)
		return Effects{Changed: true}

	case protocol.ConversationPatched:
		if e.OperatorID != "" && s.operatorID != "" && e.OperatorID != s.operatorID {
			return Effects{}
		}
		if !s.dir.Has(e.CounterpartID) {
			return Effects{RefreshDirectory: e.CounterpartID != ""}
		}
		n := e.UnreadCount
		if e.CounterpartID == s.selected && s.timeline.Loaded() {
			n = 0
		}
		s.dir.SetUnread(e.CounterpartID, n)
		return Effects{Changed: true}
	}
	return Effects{}
}

func (s *State) applyMessage(m protocol.Message) Effects {
	var eff Effects
	id := m.CounterpartID
	if id == "" {
		return eff
	}

	viewing := id == s.selected && s.timeline.CounterpartID() == id
	if viewing {
		if !s.timeline.Append(m) {
			s.metrics.Duplicate("push")
			return eff
		}
		eff.Changed, eff.ScrollToLatest = true, true
	}

	if !s.dir.Has(id) {
		eff.RefreshDirectory = true
		return eff
	}
	s.dir.Touch(id, m.PreviewText(), m.CreatedAt)
	// The selected conversation stops counting once its history is loaded;
	// until then increments stand and are zeroed by ApplyHistory.
	if m.Sender == protocol.RoleCounterpart && !(viewing && s.timeline.Loaded()) {
		s.dir.Increment(id)
	}
	eff.Changed = true
	return eff
}
