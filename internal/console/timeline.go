package console

import "github.com/pelusa-v/pelusa-support/internal/protocol"

// Timeline is the ordered message history of the selected conversation.
// Each message identity appears at most once.
type Timeline struct {
	counterpartID string
	messages      []protocol.Message
	seen          map[string]struct{}
	loaded        bool
}

// Reset discards the content and scopes the timeline to counterpartID.
func (t *Timeline) Reset(counterpartID string) {
	t.counterpartID = counterpartID
	t.messages = nil
	t.seen = map[string]struct{}{}
	t.loaded = false
}

func (t *Timeline) CounterpartID() string { return t.counterpartID }

// Loaded reports whether the history pull for this selection has been merged.
func (t *Timeline) Loaded() bool { return t.loaded }

func (t *Timeline) Len() int { return len(t.messages) }

func (t *Timeline) Contains(id string) bool {
	_, ok := t.seen[id]
	return ok
}

// Append adds m unless its identity is already present.
func (t *Timeline) Append(m protocol.Message) bool {
	if t.seen == nil {
		t.seen = map[string]struct{}{}
	}
	if _, dup := t.seen[m.ID]; dup {
		return false
	}
	t.seen[m.ID] = struct{}{}
	t.messages = append(t.messages, m)
	return true
}

// Merge installs pulled history. Messages pushed while the pull was in
// flight stay after the history unless the history already holds them.
// It returns the number of entries discarded as duplicates.
func (t *Timeline) Merge(history []protocol.Message) int {
	pushed := t.messages
	t.messages = make([]protocol.Message, 0, len(history)+len(pushed))
	t.seen = make(map[string]struct{}, len(history)+len(pushed))

	dropped := 0
	for _, m := range history {
		if !t.Append(m) {
			dropped++
		}
	}
	for _, m := range pushed {
		if !t.Append(m) {
			dropped++
		}
	}
	t.loaded = true
	return dropped
}

// Messages returns a copy of the timeline.
func (t *Timeline) Messages() []protocol.Message {
	return append([]protocol.Message(nil), t.messages...)
}
