package console

import (
	"sort"
	"time"

	"github.com/pelusa-v/pelusa-support/internal/protocol"
)

// Directory holds exactly one Conversation per counterpart id. Entries are
// created by a refresh or an explicit start and are never removed.
type Directory struct {
	entries map[string]*protocol.Conversation
}

func NewDirectory() *Directory {
	return &Directory{entries: map[string]*protocol.Conversation{}}
}

func (d *Directory) Len() int { return len(d.entries) }

func (d *Directory) Has(id string) bool {
	_, ok := d.entries[id]
	return ok
}

func (d *Directory) Get(id string) (protocol.Conversation, bool) {
	c, ok := d.entries[id]
	if !ok {
		return protocol.Conversation{}, false
	}
	return *c, true
}

// Replace applies a refresh. Server unread counts overwrite local ones
// except for selected, which is forced to 0. Entries missing from list are
// kept as they are.
func (d *Directory) Replace(list []protocol.Conversation, selected string) {
	for _, in := range list {
		if in.CounterpartID == "" {
			continue
		}
		c := in
		if c.Unread < 0 || c.CounterpartID == selected {
			c.Unread = 0
		}
		d.entries[c.CounterpartID] = &c
	}
}

// Insert adds c when no entry exists for its counterpart and reports
// whether it did.
func (d *Directory) Insert(c protocol.Conversation) bool {
	if c.CounterpartID == "" || d.Has(c.CounterpartID) {
		return false
	}
	if c.Unread < 0 {
		c.Unread = 0
	}
	d.entries[c.CounterpartID] = &c
	return true
}

func (d *Directory) Increment(id string) bool {
	c, ok := d.entries[id]
	if !ok {
		return false
	}
	c.Unread++
	return true
}

func (d *Directory) SetUnread(id string, n int) bool {
	c, ok := d.entries[id]
	if !ok {
		return false
	}
	if n < 0 {
		n = 0
	}
	c.Unread = n
	return true
}

// Touch overwrites the preview fields. Last writer wins; no ordering by
// timestamp is attempted.
func (d *Directory) Touch(id, preview string, at time.Time) bool {
	c, ok := d.entries[id]
	if !ok {
		return false
	}
	c.Preview, c.PreviewAt = preview, at
	return true
}

// List returns copies ordered by most recent preview first.
func (d *Directory) List() []protocol.Conversation {
	out := make([]protocol.Conversation, 0, len(d.entries))
	for _, c := range d.entries {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PreviewAt.Equal(out[j].PreviewAt) {
			return out[i].PreviewAt.After(out[j].PreviewAt)
		}
		return out[i].CounterpartID < out[j].CounterpartID
	})
	return out
}
