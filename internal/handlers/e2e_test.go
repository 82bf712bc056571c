package handlers_test

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-support/internal/channel"
	"github.com/pelusa-v/pelusa-support/internal/chat"
	"github.com/pelusa-v/pelusa-support/internal/console"
	"github.com/pelusa-v/pelusa-support/internal/handlers"
	"github.com/pelusa-v/pelusa-support/internal/protocol"
	"github.com/pelusa-v/pelusa-support/internal/pull"
)

type backend struct {
	http string
	ws   string
}

func startBackend(t *testing.T) backend {
	t.Helper()
	hub := chat.NewHub(chat.Config{
		Operators: []chat.Operator{{ID: "op1", Name: "Ana", Token: "tok-1"}},
		Customers: []chat.Customer{{ID: "cust1", Name: "Carla"}},
		Logger:    zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Start(ctx)

	app := handlers.NewApp(hub, handlers.Options{Logger: zerolog.Nop()})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() {
		cancel()
		_ = app.Shutdown()
	})
	return backend{http: "http://" + ln.Addr().String(), ws: "ws://" + ln.Addr().String()}
}

func dialCustomer(t *testing.T, b backend, id string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(b.ws+"/api/ws/customer/"+id, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitFor(t *testing.T, s *console.Session, cond func(console.Snapshot) bool) console.Snapshot {
	t.Helper()
	var snap console.Snapshot
	require.Eventually(t, func() bool {
		snap = s.Snapshot()
		return cond(snap)
	}, 3*time.Second, 10*time.Millisecond)
	return snap
}

func TestOpenRejectsUnknownToken(t *testing.T) {
	b := startBackend(t)

	_, err := channel.Open(context.Background(), channel.Config{URL: b.ws + "/socket", Logger: zerolog.Nop()}, "bogus")
	require.Error(t, err)
	assert.True(t, channel.IsKind(err, channel.Unauthorized))

	client, err := pull.New(pull.Config{BaseURL: b.http}, "bogus")
	require.NoError(t, err)
	_, err = client.ListConversations(context.Background())
	assert.True(t, pull.IsPullKind(err, pull.Unauthorized))
}

func TestConsoleAgainstBackend(t *testing.T) {
	b := startBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := pull.New(pull.Config{BaseURL: b.http, Logger: zerolog.Nop()}, "tok-1")
	require.NoError(t, err)
	me, err := client.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "op1", me.ID)

	session := console.NewSession(console.Config{OperatorID: me.ID, Logger: zerolog.Nop()}, client)
	go func() { _ = session.Run(ctx) }()
	defer session.Close()

	ch, err := channel.Open(ctx, channel.Config{URL: b.ws + "/socket", Logger: zerolog.Nop()}, "tok-1")
	require.NoError(t, err)
	require.NoError(t, session.Attach(ch))
	require.NoError(t, session.Refresh(ctx))

	cust := dialCustomer(t, b, "cust1")
	waitFor(t, session, func(s console.Snapshot) bool { return len(s.Online) == 1 })

	for _, body := range []string{"hello", "anyone?"} {
		require.NoError(t, cust.WriteMessage(websocket.TextMessage,
			[]byte(`{"event":"send-message","data":{"body":"`+body+`"}}`)))
	}
	snap := waitFor(t, session, func(s console.Snapshot) bool {
		c, ok := s.Conversation("cust1")
		return ok && c.Unread == 2
	})
	conv, _ := snap.Conversation("cust1")
	assert.Equal(t, "Carla", conv.DisplayName)
	assert.True(t, conv.Online)

	require.NoError(t, session.Select(ctx, "cust1"))
	snap = session.Snapshot()
	assert.Len(t, snap.Messages, 2)
	conv, _ = snap.Conversation("cust1")
	assert.Zero(t, conv.Unread)

	require.NoError(t, session.Send(ctx, "how can I help?", nil))
	waitFor(t, session, func(s console.Snapshot) bool { return len(s.Messages) == 3 })

	file := bytes.NewReader([]byte("%PDF-1.4"))
	require.NoError(t, session.Send(ctx, "", &pull.Upload{Name: "invoice.pdf", ContentType: "application/pdf", Size: int64(file.Len()), Body: file}))
	snap = waitFor(t, session, func(s console.Snapshot) bool { return len(s.Messages) == 4 })
	last := snap.Messages[3]
	require.NotNil(t, last.Attachment)
	assert.Equal(t, protocol.KindPDF, last.Attachment.Kind)
	assert.Equal(t, protocol.RoleOperator, last.Sender)

	require.NoError(t, cust.WriteMessage(websocket.TextMessage, []byte(`{"event":"typing-start","data":{"counterpartId":""}}`)))
	waitFor(t, session, func(s console.Snapshot) bool { return s.Typing != nil })

	// viewing the conversation keeps it read
	require.NoError(t, cust.WriteMessage(websocket.TextMessage, []byte(`{"event":"send-message","data":{"body":"thanks"}}`)))
	snap = waitFor(t, session, func(s console.Snapshot) bool { return len(s.Messages) == 5 })
	conv, _ = snap.Conversation("cust1")
	assert.Zero(t, conv.Unread)

	_ = cust.Close()
	waitFor(t, session, func(s console.Snapshot) bool { return len(s.Online) == 0 })
}
