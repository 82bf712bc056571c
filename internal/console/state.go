package console

import (
	"time"

	"github.com/pelusa-v/pelusa-support/internal/clock"
	"github.com/pelusa-v/pelusa-support/internal/metrics"
	"github.com/pelusa-v/pelusa-support/internal/protocol"
)

// DefaultTypingTTL bounds how long a counterpart typing indicator survives
// without a refreshing event, in case the stop event is lost.
const DefaultTypingTTL = 10 * time.Second

// State is the console's view of directory, timeline, presence and typing.
// It is not safe for concurrent use; Session confines it to one goroutine.
type State struct {
	operatorID string
	clock      clock.Clock
	typingTTL  time.Duration
	metrics    *metrics.Console

	dir      *Directory
	timeline Timeline
	presence *Presence
	typing   *TypingIndicator

	selected string
	// generation changes on every selection change so that a history pull
	// can tell whether it still targets the current selection.
	generation uint64
}

type StateOptions struct {
	// OperatorID filters conversation patches addressed to other operators.
	OperatorID string
	Clock      clock.Clock
	TypingTTL  time.Duration
	Metrics    *metrics.Console
}

func NewState(opts StateOptions) *State {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = DefaultTypingTTL
	}
	return &State{
		operatorID: opts.OperatorID,
		clock:      opts.Clock,
		typingTTL:  opts.TypingTTL,
		metrics:    opts.Metrics,
		dir:        NewDirectory(),
		presence:   NewPresence(),
	}
}

func (s *State) Selected() string { return s.selected }

func (s *State) Generation() uint64 { return s.generation }

func (s *State) Directory() *Directory { return s.dir }

func (s *State) Timeline() *Timeline { return &s.timeline }

func (s *State) Presence() *Presence { return s.presence }

func (s *State) HasConversation(id string) bool { return s.dir.Has(id) }

// AddConversation inserts a conversation created by a start call.
func (s *State) AddConversation(c protocol.Conversation) bool {
	return s.dir.Insert(c)
}

// BeginSelect switches the selection to id, clearing the timeline and the
// typing indicator. It returns the new generation and the previous
// selection.
func (s *State) BeginSelect(id string) (gen uint64, prev string) {
	prev = s.selected
	if prev != "" && prev != id {
		s.presence.Forget(prev)
	}
	s.selected = id
	s.generation++
	s.timeline.Reset(id)
	s.typing = nil
	s.presence.Assume(id)
	return s.generation, prev
}

// EndSelect clears the selection and returns what was selected.
func (s *State) EndSelect() string {
	prev := s.selected
	s.selected = ""
	s.generation++
	s.timeline.Reset("")
	s.typing = nil
	if prev != "" {
		s.presence.Forget(prev)
	}
	return prev
}

// ExpireTyping drops a typing indicator whose window has passed.
func (s *State) ExpireTyping() bool {
	if s.typing == nil || s.typing.live(s.clock.Now()) {
		return false
	}
	s.typing = nil
	return true
}

// ConversationView is a directory row with presence folded in.
type ConversationView struct {
	protocol.Conversation
	Online       bool
	LikelyOnline bool
}

// Snapshot is an immutable copy of the state for rendering.
type Snapshot struct {
	Conversations []ConversationView
	Selected      string
	// Loaded is false while the history pull of the selection is pending.
	Loaded    bool
	Messages  []protocol.Message
	Typing    *TypingIndicator
	Online    []string
	Connected bool
}

// Conversation finds id in the snapshot.
func (s Snapshot) Conversation(id string) (ConversationView, bool) {
	for _, c := range s.Conversations {
		if c.CounterpartID == id {
			return c, true
		}
	}
	return ConversationView{}, false
}

func (s *State) Snapshot() Snapshot {
	list := s.dir.List()
	views := make([]ConversationView, len(list))
	for i, c := range list {
		views[i] = ConversationView{
			Conversation: c,
			Online:       s.presence.Online(c.CounterpartID),
			LikelyOnline: s.presence.LikelyOnline(c.CounterpartID),
		}
	}
	snap := Snapshot{
		Conversations: views,
		Selected:      s.selected,
		Loaded:        s.timeline.Loaded(),
		Messages:      s.timeline.Messages(),
		Online:        s.presence.OnlineIDs(),
	}
	if s.typing.live(s.clock.Now()) {
		t := *s.typing
		snap.Typing = &t
	}
	return snap
}
