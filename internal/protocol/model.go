package protocol

import (
	"path"
	"strings"
	"time"
)

// MaxAttachmentSize bounds an attachment payload (10 MiB).
const MaxAttachmentSize int64 = 10 * 1024 * 1024

type Role string

const (
	RoleOperator    Role = "operator"
	RoleCounterpart Role = "counterpart"
)

type AttachmentKind string

const (
	KindImage    AttachmentKind = "image"
	KindPDF      AttachmentKind = "pdf"
	KindDocument AttachmentKind = "document"
	KindOther    AttachmentKind = "other"
)

// ClassifyAttachment picks a kind from the declared content type, falling
// back to the file extension.
func ClassifyAttachment(contentType, name string) AttachmentKind {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return KindImage
	case strings.Contains(ct, "pdf"):
		return KindPDF
	case strings.Contains(ct, "msword"), strings.Contains(ct, "wordprocessingml"), strings.HasPrefix(ct, "text/"):
		return KindDocument
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return KindImage
	case ".pdf":
		return KindPDF
	case ".doc", ".docx", ".txt", ".odt", ".rtf":
		return KindDocument
	}
	return KindOther
}

type Attachment struct {
	URL  string         `json:"url"`
	Kind AttachmentKind `json:"kind"`
	Name string         `json:"name"`
	Size int64          `json:"size,omitempty"`
}

// Message is immutable once created. ID is assigned by the server.
type Message struct {
	ID            string      `json:"id"`
	CounterpartID string      `json:"counterpartId"`
	Sender        Role        `json:"senderRole"`
	Body          string      `json:"body,omitempty"`
	Attachment    *Attachment `json:"attachment,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// PreviewText is the one-line summary shown in a conversation list.
func (m Message) PreviewText() string {
	if m.Body != "" {
		return m.Body
	}
	if m.Attachment != nil {
		return "[" + string(m.Attachment.Kind) + "] " + m.Attachment.Name
	}
	return ""
}

// Conversation is the directory record for one counterpart.
type Conversation struct {
	CounterpartID string    `json:"counterpartId"`
	DisplayName   string    `json:"displayName"`
	Preview       string    `json:"preview,omitempty"`
	PreviewAt     time.Time `json:"previewAt,omitempty"`
	Unread        int       `json:"unreadCount"`
}

// Credential is an opaque bearer token. It is only ever read.
type Credential string

// Bearer returns the Authorization header value.
func (c Credential) Bearer() string { return "Bearer " + string(c) }

// String keeps tokens out of logs.
func (c Credential) String() string {
	if c == "" {
		return ""
	}
	return "[redacted]"
}

// ParseAuthorization accepts both "Bearer <token>" and a raw token, the
// latter being what older consoles send.
func ParseAuthorization(header string) Credential {
	h := strings.TrimSpace(header)
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		h = strings.TrimSpace(h[7:])
	}
	return Credential(h)
}
