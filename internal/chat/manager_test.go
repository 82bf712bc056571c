package chat

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-support/internal/metrics"
	"github.com/pelusa-v/pelusa-support/internal/protocol"
)

type fakeConn struct {
	in     chan []byte
	out    chan []byte
	once   sync.Once
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), out: make(chan []byte, 64), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-f.in:
		return 1, b, nil
	case <-f.closed:
		return 0, nil, io.EOF
	}
}

func (f *fakeConn) WriteMessage(_ int, b []byte) error {
	select {
	case f.out <- b:
		return nil
	case <-f.closed:
		return io.ErrClosedPipe
	}
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) next(t *testing.T) []byte {
	t.Helper()
	select {
	case b := <-f.out:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("no frame")
		return nil
	}
}

func (f *fakeConn) nextEvent(t *testing.T) protocol.Event {
	t.Helper()
	ev, err := protocol.DecodeEvent(f.next(t))
	require.NoError(t, err)
	return ev
}

func (f *fakeConn) command(t *testing.T, cmd protocol.Command) {
	t.Helper()
	b, err := protocol.EncodeCommand(cmd)
	require.NoError(t, err)
	f.in <- b
}

func newTestHub(t *testing.T, mutate ...func(*Config)) *Hub {
	t.Helper()
	cfg := Config{
		Operators: []Operator{
			{ID: "op1", Name: "Ana", Token: "tok-1"},
			{ID: "op2", Name: "Luis", Token: "tok-2"},
		},
		Customers: []Customer{{ID: "cust1", Name: "Carla"}},
		Logger:    zerolog.Nop(),
		Now:       func() time.Time { return time.Unix(1_700_000_000, 0) },
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h := NewHub(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Start(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return h
}

func connect(t *testing.T, h *Hub, role protocol.Role, owner string) *fakeConn {
	t.Helper()
	before := h.ConnectionCount()
	conn := newFakeConn()
	go func() { _ = h.Serve(h.NewClient(role, owner, conn)) }()
	require.Eventually(t, func() bool { return h.ConnectionCount() == before+1 }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func TestAuthenticate(t *testing.T) {
	h := newTestHub(t)

	op, ok := h.Authenticate("tok-2")
	require.True(t, ok)
	assert.Equal(t, "op2", op.ID)

	_, ok = h.Authenticate("nope")
	assert.False(t, ok)
	_, ok = h.Authenticate("")
	assert.False(t, ok)
}

func TestCustomerMessageReachesOperators(t *testing.T) {
	h := newTestHub(t)
	op := connect(t, h, protocol.RoleOperator, "op1")
	cust := connect(t, h, protocol.RoleCounterpart, "cust1")

	assert.Equal(t, protocol.PresenceChanged{CounterpartID: "cust1", Online: true}, op.nextEvent(t))

	cust.in <- []byte(`{"event":"send-message","data":{"body":"hola"}}`)

	ev := op.nextEvent(t)
	got, ok := ev.(protocol.MessageReceived)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "cust1", got.Message.CounterpartID)
	assert.Equal(t, protocol.RoleCounterpart, got.Message.Sender)
	assert.NotEmpty(t, got.Message.ID)

	assert.Equal(t, protocol.ConversationPatched{OperatorID: "op1", CounterpartID: "cust1", UnreadCount: 1}, op.nextEvent(t))

	echo, err := protocol.DecodeEvent(cust.next(t))
	require.NoError(t, err)
	assert.Equal(t, got, echo)

	list := h.Conversations("op1")
	require.Len(t, list, 1)
	assert.Equal(t, "Carla", list[0].DisplayName)
	assert.Equal(t, "hola", list[0].Preview)
	assert.Equal(t, 1, list[0].Unread)

	history, err := h.History("op1", "cust1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, protocol.ConversationPatched{OperatorID: "op1", CounterpartID: "cust1", UnreadCount: 0}, op.nextEvent(t))
	assert.Zero(t, h.Conversations("op1")[0].Unread)
	// op2 has no connection but still accumulates unread
	assert.Equal(t, 1, h.Conversations("op2")[0].Unread)
}

func TestJoinedOperatorSeesTypingAndStaysRead(t *testing.T) {
	h := newTestHub(t)
	cust := connect(t, h, protocol.RoleCounterpart, "cust1")
	op := connect(t, h, protocol.RoleOperator, "op1")
	assert.Equal(t, protocol.PresenceChanged{CounterpartID: "cust1", Online: true}, op.nextEvent(t))

	op.command(t, protocol.JoinConversation{CounterpartID: "cust1"})
	op.command(t, protocol.TypingStart{CounterpartID: "cust1"})

	var f protocol.Frame
	require.NoError(t, json.Unmarshal(cust.next(t), &f))
	assert.Equal(t, "operator-typing", f.Event)
	assert.JSONEq(t, `{"isTyping":true}`, string(f.Data))

	cust.in <- []byte(`{"event":"typing-start","data":{"counterpartId":""}}`)
	assert.Equal(t, protocol.TypingChanged{CounterpartID: "cust1", Active: true}, op.nextEvent(t))

	cust.in <- []byte(`{"event":"send-message","data":{"body":"there?"}}`)
	_, ok := op.nextEvent(t).(protocol.MessageReceived)
	require.True(t, ok)
	assert.Zero(t, h.Conversations("op1")[0].Unread)
}

func TestOperatorMessageIsEchoed(t *testing.T) {
	h := newTestHub(t)
	op := connect(t, h, protocol.RoleOperator, "op1")
	other := connect(t, h, protocol.RoleOperator, "op2")

	op.command(t, protocol.SendMessage{CounterpartID: "cust1", Body: "welcome"})

	for _, c := range []*fakeConn{op, other} {
		ev, ok := c.nextEvent(t).(protocol.MessageReceived)
		require.True(t, ok)
		assert.Equal(t, protocol.RoleOperator, ev.Message.Sender)
		assert.Equal(t, "welcome", ev.Message.Body)
	}
	list := h.Conversations("op1")
	require.Len(t, list, 1)
	assert.Zero(t, list[0].Unread)
	assert.Empty(t, h.Conversations("op2"))
}

func TestCustomerPresenceFollowsConnections(t *testing.T) {
	h := newTestHub(t)
	op := connect(t, h, protocol.RoleOperator, "op1")

	first := connect(t, h, protocol.RoleCounterpart, "walk-in")
	assert.Equal(t, protocol.PresenceChanged{CounterpartID: "walk-in", Online: true}, op.nextEvent(t))
	second := connect(t, h, protocol.RoleCounterpart, "walk-in")
	assert.Equal(t, []string{"walk-in"}, h.OnlineCustomers())

	_ = first.Close()
	require.Eventually(t, func() bool { return h.ConnectionCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	_ = second.Close()
	assert.Equal(t, protocol.PresenceChanged{CounterpartID: "walk-in", Online: false}, op.nextEvent(t))
	assert.Empty(t, h.OnlineCustomers())

	// unknown ids become customers when they connect
	_, err := h.StartConversation("op1", "walk-in")
	assert.NoError(t, err)
}

func TestStartConversation(t *testing.T) {
	h := newTestHub(t)

	conv, err := h.StartConversation("op1", "cust1")
	require.NoError(t, err)
	assert.Equal(t, protocol.Conversation{CounterpartID: "cust1", DisplayName: "Carla"}, conv)
	assert.Len(t, h.Conversations("op1"), 1)

	_, err = h.StartConversation("op1", "ghost")
	assert.ErrorIs(t, err, ErrUnknownCustomer)
	_, err = h.History("op1", "ghost")
	assert.ErrorIs(t, err, ErrUnknownCustomer)
}

func TestUploads(t *testing.T) {
	h := newTestHub(t)

	att := h.StoreUpload("Invoice.PDF", "application/pdf", []byte("%PDF"))
	assert.True(t, strings.HasPrefix(att.URL, "/uploads/"))
	assert.True(t, strings.HasSuffix(att.URL, ".pdf"))
	assert.Equal(t, protocol.KindPDF, att.Kind)
	assert.EqualValues(t, 4, att.Size)

	u, ok := h.Upload(strings.TrimPrefix(att.URL, "/uploads/"))
	require.True(t, ok)
	assert.Equal(t, "Invoice.PDF", u.Name)
	assert.Equal(t, []byte("%PDF"), u.Data)
}

func TestInboundFramesAreRateLimited(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newTestHub(t, func(c *Config) {
		c.CommandRate = 0.001
		c.CommandBurst = 1
		c.Metrics = metrics.NewHub(reg)
	})
	cust := connect(t, h, protocol.RoleCounterpart, "cust1")
	op := connect(t, h, protocol.RoleOperator, "op1")
	assert.Equal(t, protocol.PresenceChanged{CounterpartID: "cust1", Online: true}, op.nextEvent(t))

	op.command(t, protocol.TypingStart{CounterpartID: "cust1"})
	op.command(t, protocol.TypingStop{CounterpartID: "cust1"})
	op.command(t, protocol.TypingStart{CounterpartID: "cust1"})

	cust.next(t)
	expected := `
# HELP support_hub_throttled_commands_total Inbound socket frames dropped by the per-connection rate limiter.
# TYPE support_hub_throttled_commands_total counter
support_hub_throttled_commands_total 2
`
	require.Eventually(t, func() bool {
		return testutil.GatherAndCompare(reg, strings.NewReader(expected), "support_hub_throttled_commands_total") == nil
	}, 2*time.Second, 10*time.Millisecond)
	select {
	case b := <-cust.out:
		t.Fatalf("unexpected frame %s", b)
	default:
	}
}

func TestSubscriptions(t *testing.T) {
	s := newSubscriptions()
	a := &Client{ID: "a", Owner: "op1"}
	b := &Client{ID: "b", Owner: "op2"}

	s.Join(a, "c1")
	s.Join(a, "c2")
	s.Join(b, "c1")
	s.Join(b, "")
	assert.Len(t, s.Joined("c1"), 2)
	assert.True(t, s.Viewing("op1", "c2"))

	s.Leave(a, "c2")
	assert.False(t, s.Viewing("op1", "c2"))
	assert.Empty(t, s.ConvClients["c2"])

	s.Drop(b)
	assert.Equal(t, []*Client{a}, s.Joined("c1"))
	_, ok := s.ClientConvs[b]
	assert.False(t, ok)
}

// slowConn takes a while to write each frame.
type slowConn struct {
	*fakeConn
	inflight atomic.Int32
}

func (s *slowConn) WriteMessage(int, []byte) error {
	s.inflight.Add(1)
	defer s.inflight.Add(-1)
	time.Sleep(100 * time.Millisecond)
	return nil
}

func TestServeWaitsForWriter(t *testing.T) {
	h := newTestHub(t)
	conn := &slowConn{fakeConn: newFakeConn()}
	served := make(chan struct{})
	go func() {
		_ = h.Serve(h.NewClient(protocol.RoleOperator, "op1", conn))
		close(served)
	}()
	require.Eventually(t, func() bool { return h.ConnectionCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	connect(t, h, protocol.RoleCounterpart, "cust1")
	require.Eventually(t, func() bool { return conn.inflight.Load() == 1 }, 2*time.Second, time.Millisecond)

	_ = conn.Close()
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Zero(t, conn.inflight.Load())
}
