// Package console is the conversation synchronization core of the operator
// console.
//
// A [State] holds the conversation directory, the timeline of the selected
// conversation, presence and typing state, and exposes transition functions
// (ApplyDirectory, ApplyHistory, Apply) that encode the reconciliation rules
// between pulled and pushed data. A [Session] confines one State to a single
// event loop: channel events, pull results and timer firings are all applied
// there, while pulls themselves run on the caller's goroutine so the loop
// stays responsive during network round trips.
package console

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pelusa-v/pelusa-support/internal/channel"
	"github.com/pelusa-v/pelusa-support/internal/clock"
	"github.com/pelusa-v/pelusa-support/internal/metrics"
	"github.com/pelusa-v/pelusa-support/internal/protocol"
	"github.com/pelusa-v/pelusa-support/internal/pull"
)

// Channel is the subset of *channel.Handle the session uses.
type Channel interface {
	Events() <-chan protocol.Event
	Send(protocol.Command) error
	Close() error
}

// Puller is the set of request/response collaborators. *pull.Client
// implements it.
type Puller interface {
	ListConversations(ctx context.Context) ([]protocol.Conversation, error)
	FetchHistory(ctx context.Context, counterpartID string) ([]protocol.Message, error)
	StartConversation(ctx context.Context, counterpartID string) (protocol.Conversation, error)
	UploadAttachment(ctx context.Context, counterpartID string, file pull.Upload, caption string) (protocol.Attachment, error)
}

type UpdateKind int

const (
	StateChanged UpdateKind = iota + 1
	ScrollToLatest
	ConnectionChanged
)

// Update tells the renderer to redraw from Snapshot.
type Update struct {
	Kind          UpdateKind
	CounterpartID string
}

type Config struct {
	OperatorID string
	TypingIdle time.Duration
	TypingTTL  time.Duration
	// RefreshAfterSelect re-pulls the directory once a selection's history
	// has loaded, picking up the server's read marker.
	RefreshAfterSelect bool
	Clock              clock.Clock
	Logger             zerolog.Logger
	Metrics            *metrics.Console
}

type Session struct {
	cfg  Config
	pull Puller
	log  zerolog.Logger

	ops     chan func()
	updates chan Update
	lost    chan error
	quit    chan struct{}
	stopped chan struct{}
	started atomic.Bool
	once    sync.Once

	// Owned by the loop goroutine.
	state      *State
	typist     *Typist
	ch         Channel
	events     <-chan protocol.Event
	connected  bool
	closed     bool
	typingSeq  uint64
	typingExp  *clock.Timer
	runCtx     context.Context
	refreshing bool
	// refreshPending is set when a refresh is requested during another.
	refreshPending bool
}

func NewSession(cfg Config, p Puller) *Session {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	s := &Session{
		cfg:     cfg,
		pull:    p,
		log:     cfg.Logger.With().Str("component", "console").Logger(),
		ops:     make(chan func()),
		updates: make(chan Update, 64),
		lost:    make(chan error, 1),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		runCtx:  context.Background(),
	}
	s.state = NewState(StateOptions{
		OperatorID: cfg.OperatorID,
		Clock:      cfg.Clock,
		TypingTTL:  cfg.TypingTTL,
		Metrics:    cfg.Metrics,
	})
	s.typist = NewTypist(cfg.Clock, cfg.TypingIdle, func(f func()) { _ = s.do(f) }, s.emitLogged)
	return s
}

// Updates delivers render notifications. Notifications are dropped when
// the buffer is full; the next one still reflects the latest state.
func (s *Session) Updates() <-chan Update { return s.updates }

// Lost reports unsolicited disconnects. Reconnecting is up to the caller:
// open a new channel and Attach it.
func (s *Session) Lost() <-chan error { return s.lost }

// Run applies operations and channel events until ctx ends or Close is
// called.
func (s *Session) Run(ctx context.Context) error {
	s.started.Store(true)
	defer close(s.stopped)
	s.runCtx = ctx

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-s.quit:
			s.shutdown()
			return nil
		case op := <-s.ops:
			op()
		case ev, ok := <-s.events:
			if !ok {
				s.detach(nil)
				continue
			}
			s.handle(ev)
		}
	}
}

// Close ends the session (logout): the channel is closed and every later
// operation fails with a channel.Closed error.
func (s *Session) Close() error {
	s.once.Do(func() { close(s.quit) })
	if s.started.Load() {
		<-s.stopped
	}
	return nil
}

// do runs f on the loop and waits for it.
func (s *Session) do(f func()) error {
	done := make(chan struct{})
	select {
	case s.ops <- func() { f(); close(done) }:
		<-done
		return nil
	case <-s.quit:
		return errSessionClosed
	case <-s.stopped:
		return errSessionClosed
	}
}

func (s *Session) publish(kind UpdateKind, counterpartID string) {
	select {
	case s.updates <- Update{Kind: kind, CounterpartID: counterpartID}:
	default:
	}
}

func (s *Session) shutdown() {
	s.closed = true
	s.typist.Cancel()
	if s.typingExp != nil {
		s.typingExp.Stop()
	}
	if s.ch != nil {
		if err := s.ch.Close(); err != nil {
			s.log.Debug().Err(err).Msg("channel close")
		}
		s.ch, s.events = nil, nil
	}
	s.connected = false
}

// emit sends cmd on the attached channel. Loop only.
func (s *Session) emit(cmd protocol.Command) error {
	if s.closed {
		return errSessionClosed
	}
	if s.ch == nil {
		return &channel.Error{Kind: channel.Unreachable, Err: ErrDetached}
	}
	if err := s.ch.Send(cmd); err != nil {
		return err
	}
	s.cfg.Metrics.Command(protocol.CommandName(cmd))
	s.log.Debug().Str("command", protocol.CommandName(cmd)).Str("counterpart", cmd.Target()).Msg("emit")
	return nil
}

func (s *Session) emitLogged(cmd protocol.Command) {
	if err := s.emit(cmd); err != nil {
		s.log.Warn().Err(err).Str("command", protocol.CommandName(cmd)).Msg("command not sent")
	}
}

// Attach binds a freshly opened channel and re-joins the selected
// conversation. A previously attached channel is closed.
func (s *Session) Attach(ch Channel) error {
	return s.do(func() {
		if s.ch != nil && s.ch != ch {
			_ = s.ch.Close()
		}
		s.ch, s.events, s.connected = ch, ch.Events(), true
		if sel := s.state.Selected(); sel != "" {
			s.emitLogged(protocol.JoinConversation{CounterpartID: sel})
		}
		s.publish(ConnectionChanged, "")
	})
}

func (s *Session) detach(err error) {
	s.typist.Cancel()
	s.ch, s.events, s.connected = nil, nil, false
	if err != nil {
		s.log.Warn().Err(err).Msg("channel lost")
		select {
		case s.lost <- err:
		default:
		}
	}
	s.publish(ConnectionChanged, "")
}

func (s *Session) handle(ev protocol.Event) {
	if d, ok := ev.(protocol.Disconnected); ok {
		err := d.Err
		if err == nil {
			err = &channel.Error{Kind: channel.Unreachable}
		}
		s.detach(err)
		return
	}

	eff := s.state.Apply(ev)
	if _, ok := ev.(protocol.TypingChanged); ok && eff.Changed {
		s.armTypingExpiry()
	}
	if eff.Changed {
		s.publish(StateChanged, "")
	}
	if eff.ScrollToLatest {
		s.publish(ScrollToLatest, s.state.Selected())
	}
	if eff.RefreshDirectory {
		s.requestRefresh()
	}
}

// requestRefresh pulls the directory in the background. Requests made while
// a pull is in flight coalesce into one more pull after it.
func (s *Session) requestRefresh() {
	if s.refreshing {
		s.refreshPending = true
		return
	}
	s.refreshing = true
	ctx := s.runCtx
	go func() {
		for {
			if err := s.Refresh(ctx); err != nil {
				s.log.Warn().Err(err).Msg("background refresh")
			}
			again := false
			err := s.do(func() {
				again, s.refreshPending = s.refreshPending, false
				s.refreshing = again
			})
			if err != nil || !again {
				return
			}
		}
	}()
}

func (s *Session) armTypingExpiry() {
	if s.typingExp != nil {
		s.typingExp.Stop()
	}
	s.typingSeq++
	seq := s.typingSeq
	ttl := s.cfg.TypingTTL
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	s.typingExp = s.cfg.Clock.AfterFunc(ttl, func() {
		_ = s.do(func() {
			if seq == s.typingSeq && s.state.ExpireTyping() {
				s.publish(StateChanged, "")
			}
		})
	})
}

// Snapshot returns the current state for rendering.
func (s *Session) Snapshot() Snapshot {
	var snap Snapshot
	_ = s.do(func() {
		snap = s.state.Snapshot()
		snap.Connected = s.connected
	})
	return snap
}

// Refresh pulls the conversation list. On failure the directory is left
// untouched.
func (s *Session) Refresh(ctx context.Context) error {
	list, err := s.pull.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("console: refresh: %w", err)
	}
	return s.do(func() {
		s.state.ApplyDirectory(list)
		s.publish(StateChanged, "")
	})
}

// Select makes id the viewed conversation: the timeline is cleared, the
// history pull is issued, the conversation is joined, and once the history
// arrives it is merged and the unread counter zeroed. If another selection
// happens before the history arrives, the result is discarded and
// ErrSuperseded is returned.
func (s *Session) Select(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("console: select: empty counterpart id")
	}

	var gen uint64
	err := s.do(func() {
		var prev string
		gen, prev = s.state.BeginSelect(id)
		if prev != "" && prev != id {
			s.typist.Stop()
			s.emitLogged(protocol.LeaveConversation{CounterpartID: prev})
		}
		s.publish(StateChanged, "")
	})
	if err != nil {
		return err
	}

	type result struct {
		history []protocol.Message
		err     error
	}
	res := make(chan result, 1)
	go func() {
		h, err := s.pull.FetchHistory(ctx, id)
		res <- result{h, err}
	}()

	if err := s.do(func() {
		if s.state.Generation() == gen {
			s.emitLogged(protocol.JoinConversation{CounterpartID: id})
		}
	}); err != nil {
		return err
	}

	r := <-res
	if r.err != nil {
		var stale bool
		if err := s.do(func() { stale = s.state.Generation() != gen }); err != nil {
			return err
		}
		if stale {
			s.log.Debug().Err(r.err).Str("counterpart", id).Msg("stale history pull failed")
			return ErrSuperseded
		}
		return fmt.Errorf("console: select %s: %w", id, r.err)
	}

	var applied bool
	if err := s.do(func() {
		applied = s.state.ApplyHistory(gen, id, r.history)
		if applied {
			s.publish(StateChanged, "")
			s.publish(ScrollToLatest, id)
		}
	}); err != nil {
		return err
	}
	if !applied {
		s.log.Debug().Str("counterpart", id).Msg("discarding stale history")
		return ErrSuperseded
	}

	if s.cfg.RefreshAfterSelect {
		if err := s.Refresh(ctx); err != nil {
			s.log.Warn().Err(err).Msg("refresh after select")
		}
	}
	return nil
}

// Deselect leaves the selected conversation.
func (s *Session) Deselect() error {
	return s.do(func() {
		prev := s.state.EndSelect()
		if prev == "" {
			return
		}
		s.typist.Stop()
		s.emitLogged(protocol.LeaveConversation{CounterpartID: prev})
		s.publish(StateChanged, "")
	})
}

// StartConversation opens a conversation with id, creating it on the
// server when the directory does not know it, and selects it.
func (s *Session) StartConversation(ctx context.Context, id string) error {
	var known bool
	if err := s.do(func() { known = s.state.HasConversation(id) }); err != nil {
		return err
	}
	if !known {
		conv, err := s.pull.StartConversation(ctx, id)
		if err != nil {
			return fmt.Errorf("console: start %s: %w", id, err)
		}
		if err := s.do(func() {
			if s.state.AddConversation(conv) {
				s.publish(StateChanged, "")
			}
		}); err != nil {
			return err
		}
	}
	return s.Select(ctx, id)
}

// Send sends body and/or file to the selected conversation. With neither it
// is a no-op. A file is uploaded first; SendMessage is only emitted after
// the upload succeeded. The message enters the timeline when the server
// echoes it back.
func (s *Session) Send(ctx context.Context, body string, file *pull.Upload) error {
	body = strings.TrimSpace(body)
	if body == "" && file == nil {
		return nil
	}

	var target string
	if err := s.do(func() { target = s.state.Selected() }); err != nil {
		return err
	}
	if target == "" {
		return ErrNoSelection
	}

	cmd := protocol.SendMessage{CounterpartID: target, Body: body}
	if file != nil {
		if file.Size > protocol.MaxAttachmentSize {
			return &pull.UploadError{Kind: pull.TooLarge, Name: file.Name, Size: file.Size, Limit: protocol.MaxAttachmentSize}
		}
		att, err := s.pull.UploadAttachment(ctx, target, *file, body)
		if err != nil {
			return fmt.Errorf("console: send to %s: %w", target, err)
		}
		cmd.Attachment = &att
	}

	var sendErr error
	if err := s.do(func() {
		sendErr = s.emit(cmd)
		if s.typist.Target() == target {
			s.typist.Stop()
		}
	}); err != nil {
		return err
	}
	return sendErr
}

// Keystroke feeds the outgoing typing signal for the selected conversation.
func (s *Session) Keystroke() error {
	return s.do(func() { s.typist.Keystroke(s.state.Selected()) })
}
