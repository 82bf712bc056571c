package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownFrame is returned for frames whose name is not part of the
// protocol. Readers are expected to skip such frames.
var ErrUnknownFrame = errors.New("protocol: unknown frame")

// Frame is the envelope of every channel message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type targetPayload struct {
	CounterpartID string `json:"counterpartId"`
}

type typingPayload struct {
	CounterpartID string `json:"counterpartId"`
	IsTyping      bool   `json:"isTyping"`
}

type patchPayload struct {
	UserID        string `json:"userId,omitempty"`
	CounterpartID string `json:"counterpartId"`
	UnreadCount   int    `json:"unreadCount"`
}

type sendPayload struct {
	CounterpartID  string         `json:"counterpartId"`
	Body           string         `json:"body,omitempty"`
	AttachmentURL  string         `json:"attachmentUrl,omitempty"`
	AttachmentName string         `json:"attachmentName,omitempty"`
	AttachmentKind AttachmentKind `json:"attachmentKind,omitempty"`
	AttachmentSize int64          `json:"attachmentSize,omitempty"`
}

func encodeFrame(name string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", name, err)
	}
	return json.Marshal(Frame{Event: name, Data: data})
}

func decodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return f, fmt.Errorf("protocol: malformed frame: %w", err)
	}
	if f.Event == "" {
		return f, fmt.Errorf("protocol: frame without event name")
	}
	return f, nil
}

func decodeData(f Frame, v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("protocol: %s: empty payload", f.Event)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("protocol: %s: %w", f.Event, err)
	}
	return nil
}

// EncodeCommand serializes an outbound command.
func EncodeCommand(c Command) ([]byte, error) {
	switch cmd := c.(type) {
	case JoinConversation, LeaveConversation, TypingStart, TypingStop:
		return encodeFrame(c.commandName(), targetPayload{CounterpartID: cmd.Target()})
	case SendMessage:
		p := sendPayload{CounterpartID: cmd.CounterpartID, Body: cmd.Body}
		if a := cmd.Attachment; a != nil {
			p.AttachmentURL, p.AttachmentName, p.AttachmentKind, p.AttachmentSize = a.URL, a.Name, a.Kind, a.Size
		}
		return encodeFrame(c.commandName(), p)
	default:
		return nil, fmt.Errorf("protocol: cannot encode command %T", c)
	}
}

// DecodeCommand parses a frame sent by a console.
func DecodeCommand(b []byte) (Command, error) {
	f, err := decodeFrame(b)
	if err != nil {
		return nil, err
	}
	switch f.Event {
	case CommandJoin, CommandLeave, CommandTypingStart, CommandTypingStop:
		var p targetPayload
		if err := decodeData(f, &p); err != nil {
			return nil, err
		}
		switch f.Event {
		case CommandJoin:
			return JoinConversation{CounterpartID: p.CounterpartID}, nil
		case CommandLeave:
			return LeaveConversation{CounterpartID: p.CounterpartID}, nil
		case CommandTypingStart:
			return TypingStart{CounterpartID: p.CounterpartID}, nil
		default:
			return TypingStop{CounterpartID: p.CounterpartID}, nil
		}
	case CommandSendMessage:
		var p sendPayload
		if err := decodeData(f, &p); err != nil {
			return nil, err
		}
		cmd := SendMessage{CounterpartID: p.CounterpartID, Body: p.Body}
		if p.AttachmentURL != "" {
			cmd.Attachment = &Attachment{URL: p.AttachmentURL, Name: p.AttachmentName, Kind: p.AttachmentKind, Size: p.AttachmentSize}
		}
		return cmd, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, f.Event)
}

// EncodeEvent serializes an inbound event as the server sends it.
func EncodeEvent(e Event) ([]byte, error) {
	switch ev := e.(type) {
	case MessageReceived:
		return encodeFrame(e.eventName(), ev.Message)
	case TypingChanged:
		return encodeFrame(e.eventName(), typingPayload{CounterpartID: ev.CounterpartID, IsTyping: ev.Active})
	case PresenceChanged:
		return encodeFrame(e.eventName(), targetPayload{CounterpartID: ev.CounterpartID})
	case ConversationPatched:
		return encodeFrame(e.eventName(), patchPayload{UserID: ev.OperatorID, CounterpartID: ev.CounterpartID, UnreadCount: ev.UnreadCount})
	default:
		return nil, fmt.Errorf("protocol: cannot encode event %T", e)
	}
}

// DecodeEvent parses a frame received from the server.
func DecodeEvent(b []byte) (Event, error) {
	f, err := decodeFrame(b)
	if err != nil {
		return nil, err
	}
	switch f.Event {
	case EventMessageReceived:
		var m Message
		if err := decodeData(f, &m); err != nil {
			return nil, err
		}
		if m.ID == "" {
			return nil, fmt.Errorf("protocol: %s without message id", f.Event)
		}
		return MessageReceived{Message: m}, nil
	case EventTypingChanged:
		var p typingPayload
		if err := decodeData(f, &p); err != nil {
			return nil, err
		}
		return TypingChanged{CounterpartID: p.CounterpartID, Active: p.IsTyping}, nil
	case EventCustomerOnline, EventCustomerOffline:
		var p targetPayload
		if err := decodeData(f, &p); err != nil {
			return nil, err
		}
		return PresenceChanged{CounterpartID: p.CounterpartID, Online: f.Event == EventCustomerOnline}, nil
	case EventConversationPatched:
		var p patchPayload
		if err := decodeData(f, &p); err != nil {
			return nil, err
		}
		if p.UnreadCount < 0 {
			p.UnreadCount = 0
		}
		return ConversationPatched{OperatorID: p.UserID, CounterpartID: p.CounterpartID, UnreadCount: p.UnreadCount}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, f.Event)
}
