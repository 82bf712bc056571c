package console

import (
	"sort"
	"time"
)

// Presence keeps the authoritative online set, toggled only by presence
// events, apart from the assumed set the console fills in as a display
// hint (conversation listed, conversation joined).
type Presence struct {
	online  map[string]struct{}
	assumed map[string]struct{}
}

func NewPresence() *Presence {
	return &Presence{online: map[string]struct{}{}, assumed: map[string]struct{}{}}
}

func (p *Presence) Set(id string, online bool) {
	if online {
		p.online[id] = struct{}{}
		return
	}
	delete(p.online, id)
	delete(p.assumed, id)
}

func (p *Presence) Online(id string) bool {
	_, ok := p.online[id]
	return ok
}

// LikelyOnline folds in the assumed set. Never use it for correctness.
func (p *Presence) LikelyOnline(id string) bool {
	if p.Online(id) {
		return true
	}
	_, ok := p.assumed[id]
	return ok
}

func (p *Presence) Assume(ids ...string) {
	for _, id := range ids {
		p.assumed[id] = struct{}{}
	}
}

// Forget drops the assumption for id. The authoritative set is untouched.
func (p *Presence) Forget(id string) { delete(p.assumed, id) }

func (p *Presence) OnlineIDs() []string {
	ids := make([]string, 0, len(p.online))
	for id := range p.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TypingIndicator is the counterpart's typing state for the selected
// conversation.
type TypingIndicator struct {
	CounterpartID string
	Active        bool
	ExpiresAt     time.Time
}

func (t *TypingIndicator) live(now time.Time) bool {
	return t != nil && t.Active && now.Before(t.ExpiresAt)
}
