// Package chat is the in-memory reference backend: it speaks the console
// channel protocol to operators, simulates customers over a second socket
// and keeps conversations, unread counters and uploads for the REST layer.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pelusa-v/pelusa-support/internal/metrics"
	"github.com/pelusa-v/pelusa-support/internal/protocol"
)

var (
	ErrUnknownCustomer = errors.New("chat: unknown customer")
	ErrHubStopped      = errors.New("chat: hub stopped")
)

type Config struct {
	Operators []Operator
	Customers []Customer
	// CommandRate and CommandBurst bound inbound frames per connection.
	CommandRate  float64
	CommandBurst int
	Logger       zerolog.Logger
	Metrics      *metrics.Hub
	Now          func() time.Time
}

type Hub struct {
	mu sync.RWMutex

	log     zerolog.Logger
	metrics *metrics.Hub
	now     func() time.Time
	rate    rate.Limit
	burst   int

	operators map[string]Operator
	tokens    map[protocol.Credential]string
	customers map[string]Customer

	clients   map[string]*Client
	operatorC map[string]map[*Client]bool // operator id -> connections
	customerC map[string]map[*Client]bool // customer id -> connections
	subs      *Subscriptions
	inbox     InboxStore
	history   map[string][]protocol.Message
	uploads   map[string]StoredUpload

	registerChan   chan *Client
	unregisterChan chan *Client
	inboundChan    chan inbound
	done           chan struct{}
}

func NewHub(cfg Config) *Hub {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	h := &Hub{
		log:            cfg.Logger.With().Str("component", "hub").Logger(),
		metrics:        cfg.Metrics,
		now:            cfg.Now,
		rate:           rate.Inf,
		operators:      map[string]Operator{},
		tokens:         map[protocol.Credential]string{},
		customers:      map[string]Customer{},
		clients:        map[string]*Client{},
		operatorC:      map[string]map[*Client]bool{},
		customerC:      map[string]map[*Client]bool{},
		subs:           newSubscriptions(),
		inbox:          InboxStore{},
		history:        map[string][]protocol.Message{},
		uploads:        map[string]StoredUpload{},
		registerChan:   make(chan *Client),
		unregisterChan: make(chan *Client),
		inboundChan:    make(chan inbound),
		done:           make(chan struct{}),
	}
	if cfg.CommandRate > 0 {
		h.rate = rate.Limit(cfg.CommandRate)
		h.burst = cfg.CommandBurst
		if h.burst <= 0 {
			h.burst = 1
		}
	}
	for _, op := range cfg.Operators {
		h.operators[op.ID] = op
		h.tokens[op.Token] = op.ID
	}
	for _, c := range cfg.Customers {
		h.customers[c.ID] = c
	}
	return h
}

// Start runs the hub until ctx ends. Every socket connection goes through
// it; REST calls use the hub's lock directly.
func (h *Hub) Start(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.registerChan:
			h.attach(c)
		case c := <-h.unregisterChan:
			h.detach(c)
		case in := <-h.inboundChan:
			switch in.client.Role {
			case protocol.RoleOperator:
				h.fromOperator(in.client, in.cmd)
			default:
				h.fromCustomer(in.client, in.cmd)
			}
		}
	}
}

// NewClient builds a connection record with the hub's rate limit.
func (h *Hub) NewClient(role protocol.Role, owner string, conn ConnLike) *Client {
	return &Client{
		ID:      uuid.NewString(),
		Role:    role,
		Owner:   owner,
		Conn:    conn,
		Send:    make(chan []byte, 64),
		limiter: rate.NewLimiter(h.rate, h.burst),
	}
}

// Serve registers c, pumps it until the connection fails and unregisters it.
// It returns only after the writer has stopped touching the connection.
func (h *Hub) Serve(c *Client) error {
	select {
	case h.registerChan <- c:
	case <-h.done:
		return ErrHubStopped
	}
	written := make(chan struct{})
	go func() {
		defer close(written)
		c.WritePump()
	}()
	c.ReadPump(h)
	select {
	case h.unregisterChan <- c:
	case <-h.done:
	}
	// detach or closeAll has closed c.Send by now
	<-written
	return nil
}

func (h *Hub) submit(in inbound) bool {
	select {
	case h.inboundChan <- in:
		return true
	case <-h.done:
		return false
	}
}

// Authenticate maps a bearer credential to its operator.
func (h *Hub) Authenticate(cred protocol.Credential) (Operator, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.tokens[cred]
	if !ok || cred == "" {
		return Operator{}, false
	}
	return h.operators[id], true
}

// ConnectionCount is the number of registered sockets.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// OnlineCustomers lists customers with at least one open socket.
func (h *Hub) OnlineCustomers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.customerC))
	for id := range h.customerC {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) attach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID] = c
	h.metrics.Connected(string(c.Role))

	switch c.Role {
	case protocol.RoleOperator:
		addConn(h.operatorC, c.Owner, c)
		for id := range h.customerC {
			h.deliverEvent(c, protocol.PresenceChanged{CounterpartID: id, Online: true})
		}
	default:
		h.ensureCustomer(c.Owner)
		first := len(h.customerC[c.Owner]) == 0
		addConn(h.customerC, c.Owner, c)
		if first {
			h.toOperators(protocol.PresenceChanged{CounterpartID: c.Owner, Online: true})
		}
	}
	h.log.Info().Str("client", c.ID).Str("role", string(c.Role)).Str("owner", c.Owner).Msg("connected")
}

func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	delete(h.clients, c.ID)
	close(c.Send)
	h.metrics.Disconnected(string(c.Role))

	switch c.Role {
	case protocol.RoleOperator:
		removeConn(h.operatorC, c.Owner, c)
		h.subs.Drop(c)
	default:
		removeConn(h.customerC, c.Owner, c)
		if len(h.customerC[c.Owner]) == 0 {
			h.toOperators(protocol.PresenceChanged{CounterpartID: c.Owner, Online: false})
		}
	}
	h.log.Info().Str("client", c.ID).Str("role", string(c.Role)).Str("owner", c.Owner).Msg("disconnected")
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		_ = c.Conn.Close()
		close(c.Send)
		delete(h.clients, id)
		h.metrics.Disconnected(string(c.Role))
	}
	h.operatorC = map[string]map[*Client]bool{}
	h.customerC = map[string]map[*Client]bool{}
	h.subs = newSubscriptions()
}

func (h *Hub) fromOperator(c *Client, cmd protocol.Command) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch cmd := cmd.(type) {
	case protocol.JoinConversation:
		h.subs.Join(c, cmd.CounterpartID)
	case protocol.LeaveConversation:
		h.subs.Leave(c, cmd.CounterpartID)
	case protocol.TypingStart, protocol.TypingStop:
		_, active := cmd.(protocol.TypingStart)
		data, _ := json.Marshal(protocol.Frame{Event: customerEventTyping, Data: mustJSON(customerTypingPayload{IsTyping: active})})
		for cc := range h.customerC[cmd.Target()] {
			h.deliver(cc, data)
		}
	case protocol.SendMessage:
		if _, ok := h.customers[cmd.CounterpartID]; !ok {
			h.log.Warn().Str("operator", c.Owner).Str("customer", cmd.CounterpartID).Msg("message to unknown customer")
			return
		}
		if strings.TrimSpace(cmd.Body) == "" && cmd.Attachment == nil {
			return
		}
		m := h.store(cmd.CounterpartID, protocol.RoleOperator, cmd.Body, cmd.Attachment)
		h.ensureThread(c.Owner, cmd.CounterpartID)
		h.onOperatorMessage(m)
		h.publishMessage(m)
	}
}

func (h *Hub) fromCustomer(c *Client, cmd protocol.Command) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch cmd := cmd.(type) {
	case protocol.TypingStart, protocol.TypingStop:
		_, active := cmd.(protocol.TypingStart)
		ev := protocol.TypingChanged{CounterpartID: c.Owner, Active: active}
		for _, oc := range h.subs.Joined(c.Owner) {
			h.deliverEvent(oc, ev)
		}
	case protocol.SendMessage:
		if strings.TrimSpace(cmd.Body) == "" && cmd.Attachment == nil {
			return
		}
		m := h.store(c.Owner, protocol.RoleCounterpart, cmd.Body, cmd.Attachment)
		h.publishMessage(m)
		h.onCustomerMessage(m)
	}
}

func (h *Hub) store(customerID string, sender protocol.Role, body string, att *protocol.Attachment) protocol.Message {
	m := protocol.Message{
		ID:            uuid.NewString(),
		CounterpartID: customerID,
		Sender:        sender,
		Body:          body,
		Attachment:    att,
		CreatedAt:     h.now().UTC(),
	}
	h.history[customerID] = append(h.history[customerID], m)
	h.metrics.Message(string(sender))
	return m
}

// publishMessage pushes m to every operator and echoes it to the customer.
func (h *Hub) publishMessage(m protocol.Message) {
	ev := protocol.MessageReceived{Message: m}
	h.toOperators(ev)
	for cc := range h.customerC[m.CounterpartID] {
		h.deliverEvent(cc, ev)
	}
}

func (h *Hub) toOperators(ev protocol.Event) {
	for _, conns := range h.operatorC {
		for c := range conns {
			h.deliverEvent(c, ev)
		}
	}
}

func (h *Hub) toOperator(operatorID string, ev protocol.Event) {
	for c := range h.operatorC[operatorID] {
		h.deliverEvent(c, ev)
	}
}

func (h *Hub) deliverEvent(c *Client, ev protocol.Event) {
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		h.log.Error().Err(err).Msg("encode event")
		return
	}
	h.deliver(c, data)
}

// deliver never blocks the hub; a connection that does not keep up loses
// frames.
func (h *Hub) deliver(c *Client, data []byte) {
	select {
	case c.Send <- data:
	default:
		h.log.Warn().Str("client", c.ID).Msg("send buffer full, dropping frame")
	}
}

func (h *Hub) ensureCustomer(id string) {
	if _, ok := h.customers[id]; !ok {
		h.customers[id] = Customer{ID: id, Name: id}
	}
}

func addConn(m map[string]map[*Client]bool, owner string, c *Client) {
	if _, ok := m[owner]; !ok {
		m[owner] = map[*Client]bool{}
	}
	m[owner][c] = true
}

func removeConn(m map[string]map[*Client]bool, owner string, c *Client) {
	if conns, ok := m[owner]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(m, owner)
		}
	}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
