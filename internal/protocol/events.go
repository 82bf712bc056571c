package protocol

// Wire names of channel frames.
const (
	EventMessageReceived     = "receive-message"
	EventTypingChanged       = "customer-typing"
	EventCustomerOnline      = "customer-online"
	EventCustomerOffline     = "customer-offline"
	EventConversationPatched = "conversation-updated"

	CommandJoin        = "join-chat"
	CommandLeave       = "leave-chat"
	CommandSendMessage = "send-message"
	CommandTypingStart = "typing-start"
	CommandTypingStop  = "typing-stop"
)

// Event is an inbound channel event. The set of implementations is closed.
type Event interface {
	eventName() string
}

type MessageReceived struct {
	Message Message
}

type TypingChanged struct {
	CounterpartID string
	Active        bool
}

type PresenceChanged struct {
	CounterpartID string
	Online        bool
}

// ConversationPatched carries an absolute unread count. OperatorID is empty
// when the patch applies to every operator.
type ConversationPatched struct {
	OperatorID    string
	CounterpartID string
	UnreadCount   int
}

// Disconnected is synthesized locally when the channel drops. It is never
// sent on the wire.
type Disconnected struct {
	Err error
}

func (MessageReceived) eventName() string { return EventMessageReceived }
func (TypingChanged) eventName() string   { return EventTypingChanged }
func (e PresenceChanged) eventName() string {
	if e.Online {
		return EventCustomerOnline
	}
	return EventCustomerOffline
}
func (ConversationPatched) eventName() string { return EventConversationPatched }
func (Disconnected) eventName() string        { return "disconnect" }

// EventName returns the wire name for e.
func EventName(e Event) string { return e.eventName() }

// Command is an outbound channel command. The set of implementations is closed.
type Command interface {
	commandName() string
	// Target is the counterpart the command is about.
	Target() string
}

type JoinConversation struct{ CounterpartID string }

type LeaveConversation struct{ CounterpartID string }

type SendMessage struct {
	CounterpartID string
	Body          string
	Attachment    *Attachment
}

type TypingStart struct{ CounterpartID string }

type TypingStop struct{ CounterpartID string }

func (JoinConversation) commandName() string  { return CommandJoin }
func (LeaveConversation) commandName() string { return CommandLeave }
func (SendMessage) commandName() string       { return CommandSendMessage }
func (TypingStart) commandName() string       { return CommandTypingStart }
func (TypingStop) commandName() string        { return CommandTypingStop }

func (c JoinConversation) Target() string  { return c.CounterpartID }
func (c LeaveConversation) Target() string { return c.CounterpartID }
func (c SendMessage) Target() string       { return c.CounterpartID }
func (c TypingStart) Target() string       { return c.CounterpartID }
func (c TypingStop) Target() string        { return c.CounterpartID }

// CommandName returns the wire name for c.
func CommandName(c Command) string { return c.commandName() }
