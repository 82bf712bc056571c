package chat

import (
	"time"

	"github.com/pelusa-v/pelusa-support/internal/protocol"
)

// Operator is a console user known to the hub by its static token.
type Operator struct {
	ID    string
	Name  string
	Email string
	Token protocol.Credential
}

// Customer is a simulated counterpart.
type Customer struct {
	ID   string
	Name string
}

// Thread is one operator's inbox entry for a customer.
type Thread struct {
	CustomerID string
	LastBody   string
	LastAt     time.Time
	Unread     int
}

// InboxStore maps operator id -> customer id -> thread.
type InboxStore map[string]map[string]*Thread

// StoredUpload is an attachment kept in memory until the hub stops.
type StoredUpload struct {
	Name        string
	ContentType string
	Data        []byte
}

// Frames the hub sends to customer sockets only.
const (
	customerEventTyping = "operator-typing"
)

type customerTypingPayload struct {
	IsTyping bool `json:"isTyping"`
}
