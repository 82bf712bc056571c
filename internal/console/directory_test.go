package console

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-support/internal/protocol"
)

func conv(id string, unread int, at time.Time) protocol.Conversation {
	return protocol.Conversation{CounterpartID: id, DisplayName: "name " + id, Unread: unread, PreviewAt: at}
}

func TestDirectoryReplaceKeepsMissingEntries(t *testing.T) {
	d := NewDirectory()
	d.Replace([]protocol.Conversation{conv("a", 1, time.Time{}), conv("b", 2, time.Time{})}, "")
	d.Replace([]protocol.Conversation{conv("b", 5, time.Time{})}, "")

	require.Equal(t, 2, d.Len())
	a, _ := d.Get("a")
	b, _ := d.Get("b")
	assert.Equal(t, 1, a.Unread)
	assert.Equal(t, 5, b.Unread)
}

func TestDirectoryReplaceZeroesSelected(t *testing.T) {
	d := NewDirectory()
	d.Replace([]protocol.Conversation{conv("a", 4, time.Time{}), conv("b", -2, time.Time{})}, "a")

	a, _ := d.Get("a")
	b, _ := d.Get("b")
	assert.Zero(t, a.Unread)
	assert.Zero(t, b.Unread)
}

func TestDirectoryInsertOnlyOnce(t *testing.T) {
	d := NewDirectory()
	assert.True(t, d.Insert(conv("a", 0, time.Time{})))
	assert.False(t, d.Insert(conv("a", 7, time.Time{})))
	assert.False(t, d.Insert(conv("", 0, time.Time{})))

	a, _ := d.Get("a")
	assert.Zero(t, a.Unread)
}

func TestDirectoryCountersIgnoreUnknown(t *testing.T) {
	d := NewDirectory()
	assert.False(t, d.Increment("ghost"))
	assert.False(t, d.SetUnread("ghost", 3))
	assert.False(t, d.Touch("ghost", "hi", time.Now()))
	assert.Zero(t, d.Len())

	d.Insert(conv("a", 0, time.Time{}))
	d.SetUnread("a", -1)
	a, _ := d.Get("a")
	assert.Zero(t, a.Unread)
}

func TestDirectoryListOrder(t *testing.T) {
	base := time.Unix(1000, 0)
	d := NewDirectory()
	d.Replace([]protocol.Conversation{
		conv("old", 0, base),
		conv("new", 0, base.Add(time.Minute)),
		conv("tie-b", 0, base.Add(time.Second)),
		conv("tie-a", 0, base.Add(time.Second)),
	}, "")

	var ids []string
	for _, c := range d.List() {
		ids = append(ids, c.CounterpartID)
	}
	assert.Equal(t, []string{"new", "tie-a", "tie-b", "old"}, ids)

	// last writer wins, even with an older timestamp
	d.Touch("new", "late", base.Add(-time.Hour))
	list := d.List()
	assert.Equal(t, "new", list[len(list)-1].CounterpartID)
	assert.Equal(t, "late", list[len(list)-1].Preview)
}
