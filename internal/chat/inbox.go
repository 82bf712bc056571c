package chat

import (
	"path"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/pelusa-v/pelusa-support/internal/protocol"
)

func (h *Hub) ensureInbox(operatorID string) {
	if _, ok := h.inbox[operatorID]; !ok {
		h.inbox[operatorID] = map[string]*Thread{}
	}
}

func (h *Hub) ensureThread(operatorID, customerID string) *Thread {
	h.ensureInbox(operatorID)
	t, ok := h.inbox[operatorID][customerID]
	if !ok {
		t = &Thread{CustomerID: customerID}
		if msgs := h.history[customerID]; len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			t.LastBody, t.LastAt = last.PreviewText(), last.CreatedAt
		}
		h.inbox[operatorID][customerID] = t
	}
	return t
}

func (h *Hub) conversation(t *Thread) protocol.Conversation {
	name := t.CustomerID
	if c, ok := h.customers[t.CustomerID]; ok && c.Name != "" {
		name = c.Name
	}
	return protocol.Conversation{
		CounterpartID: t.CustomerID,
		DisplayName:   name,
		Preview:       t.LastBody,
		PreviewAt:     t.LastAt,
		Unread:        t.Unread,
	}
}

// Conversations returns the operator's inbox, most recent first.
func (h *Hub) Conversations(operatorID string) []protocol.Conversation {
	h.mu.RLock()
	defer h.mu.RUnlock()
	list := make([]protocol.Conversation, 0, len(h.inbox[operatorID]))
	for _, t := range h.inbox[operatorID] {
		list = append(list, h.conversation(t))
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].PreviewAt.Equal(list[j].PreviewAt) {
			return list[i].PreviewAt.After(list[j].PreviewAt)
		}
		return list[i].CounterpartID < list[j].CounterpartID
	})
	return list
}

// History returns the messages exchanged with customerID and marks the
// conversation read for the operator.
func (h *Hub) History(operatorID, customerID string) ([]protocol.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.customers[customerID]; !ok {
		return nil, ErrUnknownCustomer
	}
	out := append([]protocol.Message{}, h.history[customerID]...)
	h.markRead(operatorID, customerID)
	return out, nil
}

// StartConversation puts customerID in the operator's inbox.
func (h *Hub) StartConversation(operatorID, customerID string) (protocol.Conversation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.customers[customerID]; !ok {
		return protocol.Conversation{}, ErrUnknownCustomer
	}
	return h.conversation(h.ensureThread(operatorID, customerID)), nil
}

func (h *Hub) markRead(operatorID, customerID string) {
	t, ok := h.inbox[operatorID][customerID]
	if !ok || t.Unread == 0 {
		return
	}
	t.Unread = 0
	h.pushInboxSignal(operatorID, t)
}

// pushInboxSignal tells the operator's connections the absolute unread
// count of a thread.
func (h *Hub) pushInboxSignal(operatorID string, t *Thread) {
	h.toOperator(operatorID, protocol.ConversationPatched{
		OperatorID:    operatorID,
		CounterpartID: t.CustomerID,
		UnreadCount:   t.Unread,
	})
}

// onCustomerMessage puts the conversation in every operator's inbox and
// counts the message as unread for operators not viewing it.
func (h *Hub) onCustomerMessage(m protocol.Message) {
	for opID := range h.operators {
		t := h.ensureThread(opID, m.CounterpartID)
		t.LastBody, t.LastAt = m.PreviewText(), m.CreatedAt
		if h.subs.Viewing(opID, m.CounterpartID) {
			continue
		}
		t.Unread++
		h.pushInboxSignal(opID, t)
	}
}

func (h *Hub) onOperatorMessage(m protocol.Message) {
	for opID := range h.inbox {
		if t, ok := h.inbox[opID][m.CounterpartID]; ok {
			t.LastBody, t.LastAt = m.PreviewText(), m.CreatedAt
		}
	}
}

// StoreUpload keeps data in memory and returns its descriptor. The URL is
// relative to the backend root.
func (h *Hub) StoreUpload(name, contentType string, data []byte) protocol.Attachment {
	key := uuid.NewString() + strings.ToLower(path.Ext(name))
	h.mu.Lock()
	h.uploads[key] = StoredUpload{Name: name, ContentType: contentType, Data: data}
	h.mu.Unlock()
	return protocol.Attachment{
		URL:  "/uploads/" + key,
		Kind: protocol.ClassifyAttachment(contentType, name),
		Name: name,
		Size: int64(len(data)),
	}
}

func (h *Hub) Upload(key string) (StoredUpload, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	u, ok := h.uploads[key]
	return u, ok
}
