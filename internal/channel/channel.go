// Package channel owns the persistent websocket connection between a
// console and the support backend.
//
// [Open] performs the authenticated handshake and returns a [Handle]. The
// handle decodes inbound frames into typed [protocol.Event] values and
// encodes [protocol.Command] values for the wire. A connection that drops
// without Close being called yields a final [protocol.Disconnected] event;
// nothing is retried here, reconnect policy belongs to the caller.
package channel

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/pelusa-v/pelusa-support/internal/protocol"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultPingInterval     = 30 * time.Second
	defaultQueueSize        = 64
	defaultReadLimit        = 1 << 20
)

type Config struct {
	// URL is the websocket endpoint, e.g. "ws://127.0.0.1:3000/socket".
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PingInterval of zero uses the default; negative disables pings.
	PingInterval time.Duration
	QueueSize    int
	ReadLimit    int64
	// Dialer overrides the websocket dialer (TLS settings, proxies).
	Dialer *websocket.Dialer
	Logger zerolog.Logger
}

func (c *Config) withDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
}

// Handle is an open channel. It is safe for concurrent use.
type Handle struct {
	conn   *websocket.Conn
	cfg    Config
	log    zerolog.Logger
	events chan protocol.Event
	send   chan []byte

	mu      sync.Mutex
	closed  bool
	dropped bool
	closing chan struct{}
	once    sync.Once
}

// Open dials the backend presenting credential as a bearer token.
func Open(ctx context.Context, cfg Config, credential protocol.Credential) (*Handle, error) {
	cfg.withDefaults()
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}

	header := http.Header{}
	header.Set("Authorization", credential.Bearer())
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &Error{Kind: Unauthorized, Status: resp.StatusCode, Err: err}
		}
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, &Error{Kind: Unreachable, Status: status, Err: err}
	}
	conn.SetReadLimit(cfg.ReadLimit)

	h := &Handle{
		conn:    conn,
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "channel").Logger(),
		events:  make(chan protocol.Event, cfg.QueueSize),
		send:    make(chan []byte, cfg.QueueSize),
		closing: make(chan struct{}),
	}
	h.log.Info().Str("url", cfg.URL).Msg("channel open")
	go h.readPump()
	go h.writePump()
	return h, nil
}

// Events is closed after the connection ends. An unsolicited drop delivers
// a protocol.Disconnected first.
func (h *Handle) Events() <-chan protocol.Event { return h.events }

// Send queues cmd for delivery.
func (h *Handle) Send(cmd protocol.Command) error {
	b, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return &Error{Kind: Closed}
	}
	if h.dropped {
		return &Error{Kind: Unreachable, Err: ErrDropped}
	}
	select {
	case h.send <- b:
		return nil
	default:
		return &Error{Kind: Unreachable, Err: ErrQueueFull}
	}
}

// Close releases the connection. It is safe to call more than once, and
// after a drop it still marks the handle closed.
func (h *Handle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	var err error
	h.once.Do(func() {
		close(h.closing)

		deadline := time.Now().Add(h.cfg.WriteTimeout)
		_ = h.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout"), deadline)
		err = h.conn.Close()
		h.log.Info().Msg("channel closed")
	})
	return err
}

// markDropped reports false when Close already ran.
func (h *Handle) markDropped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.dropped = true
	return true
}

func (h *Handle) readDeadline() time.Time {
	if h.cfg.PingInterval < 0 {
		return time.Time{}
	}
	return time.Now().Add(2 * h.cfg.PingInterval)
}

func (h *Handle) readPump() {
	defer close(h.events)

	_ = h.conn.SetReadDeadline(h.readDeadline())
	h.conn.SetPongHandler(func(string) error {
		return h.conn.SetReadDeadline(h.readDeadline())
	})

	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			if !h.markDropped() {
				return
			}
			h.log.Warn().Err(err).Msg("channel dropped")
			h.once.Do(func() {
				close(h.closing)
				_ = h.conn.Close()
			})
			h.events <- protocol.Disconnected{Err: &Error{Kind: Unreachable, Err: err}}
			return
		}
		_ = h.conn.SetReadDeadline(h.readDeadline())

		ev, err := protocol.DecodeEvent(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownFrame) {
				h.log.Debug().Err(err).Msg("skipping frame")
			} else {
				h.log.Warn().Err(err).Msg("malformed frame")
			}
			continue
		}
		select {
		case h.events <- ev:
		case <-h.closing:
			return
		}
	}
}

func (h *Handle) writePump() {
	var tick <-chan time.Time
	if h.cfg.PingInterval > 0 {
		ticker := time.NewTicker(h.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-h.closing:
			return
		case b := <-h.send:
			_ = h.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := h.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				h.log.Warn().Err(err).Msg("write failed")
				// The reader observes the broken connection and reports it.
				_ = h.conn.Close()
				return
			}
		case <-tick:
			if err := h.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				_ = h.conn.Close()
				return
			}
		}
	}
}
