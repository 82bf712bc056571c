package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/pelusa-v/pelusa-support/internal/channel"
	"github.com/pelusa-v/pelusa-support/internal/console"
	"github.com/pelusa-v/pelusa-support/internal/logging"
	"github.com/pelusa-v/pelusa-support/internal/metrics"
	"github.com/pelusa-v/pelusa-support/internal/protocol"
	"github.com/pelusa-v/pelusa-support/internal/pull"
)

const consoleHelp = `commands:
  /list               show conversations
  /select <id>        open a conversation
  /start <id>         start a conversation with a customer
  /leave              close the open conversation
  /history            show the open conversation
  /type               signal typing
  /send <text>        send text (plain lines are sent too)
  /file <path> [text] send a file with an optional caption
  /refresh            pull the conversation list again
  /quit               sign out`

var errSignedOut = errors.New("signed out: credential refused")

func newConsoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Run a headless operator console",
		Args:  cobra.NoArgs,
		RunE:  runConsole,
	}
	cmd.Flags().String("token", "", "operator bearer token (overrides console.token)")
	cmd.Flags().String("base-url", "", "backend base URL (overrides console.base_url)")
	cmd.Flags().String("metrics-addr", "", "serve console metrics on this address")
	return cmd
}

func runConsole(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	cc := cfg.Console
	if v, _ := cmd.Flags().GetString("token"); v != "" {
		cc.Token = v
	}
	if v, _ := cmd.Flags().GetString("base-url"); v != "" {
		cc.BaseURL, cc.SocketURL = v, ""
		cfg.Console = cc
		if err := cfg.Validate(); err != nil {
			return err
		}
		cc = cfg.Console
	}
	if cc.Token == "" {
		return errors.New("console.token (or SUPPORT_TOKEN) is required")
	}
	cred := protocol.Credential(cc.Token)

	sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(sigCtx)
	defer cancel(nil)
	signOut := func(err error) {
		log.Error().Err(err).Msg("signing out")
		cancel(errSignedOut)
	}

	client, err := pull.New(pull.Config{BaseURL: cc.BaseURL, Timeout: cc.RequestTimeout.Duration(), Logger: log}, cred)
	if err != nil {
		return err
	}
	me, err := client.Me(ctx)
	if err != nil {
		if pull.IsPullKind(err, pull.Unauthorized) {
			return fmt.Errorf("%w: %v", errSignedOut, err)
		}
		return err
	}
	operatorID := cc.OperatorID
	if operatorID == "" {
		operatorID = me.ID
	}

	reg := prometheus.NewRegistry()
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		go serveMetrics(ctx, addr, reg, log)
	}

	session := console.NewSession(console.Config{
		OperatorID:         operatorID,
		TypingIdle:         cc.TypingIdle.Duration(),
		TypingTTL:          cc.TypingTTL.Duration(),
		RefreshAfterSelect: cc.RefreshesAfterSelect(),
		Logger:             log,
		Metrics:            metrics.NewConsole(reg),
	}, client)
	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(ctx) }()

	out := &syncWriter{w: cmd.OutOrStdout()}
	fmt.Fprintf(out, "signed in as %s (%s)\n", me.Name, operatorID)

	chCfg := channel.Config{URL: cc.SocketURL, HandshakeTimeout: cc.HandshakeTimeout.Duration(), Logger: log}
	go keepConnected(ctx, session, chCfg, cred, cc.ReconnectInterval.Duration(), log, signOut)
	go render(ctx, session, out, log)

	r := &repl{s: session, out: out, log: logging.Component(log, "repl"), signOut: signOut}
	if err := session.Refresh(ctx); err != nil {
		r.report(err)
	}
	r.run(ctx, cmd.InOrStdin())

	_ = session.Close()
	<-runErr
	if errors.Is(context.Cause(ctx), errSignedOut) {
		return errSignedOut
	}
	return nil
}

// keepConnected opens the channel and reopens it after every loss, at most
// once per interval. A refused credential ends the session.
func keepConnected(ctx context.Context, s *console.Session, cfg channel.Config, cred protocol.Credential, interval time.Duration, log zerolog.Logger, signOut func(error)) {
	log = logging.Component(log, "reconnect")
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		ch, err := channel.Open(ctx, cfg, cred)
		if err != nil {
			if channel.IsKind(err, channel.Unauthorized) {
				signOut(err)
				return
			}
			log.Warn().Err(err).Dur("retry_in", interval).Msg("channel unavailable")
			continue
		}
		if err := s.Attach(ch); err != nil {
			_ = ch.Close()
			return
		}
		// pushes sent while disconnected are lost; the list carries the counters
		if err := s.Refresh(ctx); err != nil {
			log.Warn().Err(err).Msg("refresh after connect")
		}

		select {
		case <-ctx.Done():
			return
		case err := <-s.Lost():
			log.Warn().Err(err).Msg("channel lost, reconnecting")
		}
	}
}

func render(ctx context.Context, s *console.Session, out io.Writer, log zerolog.Logger) {
	log = logging.Component(log, "render")
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-s.Updates():
			snap := s.Snapshot()
			switch u.Kind {
			case console.ScrollToLatest:
				if n := len(snap.Messages); n > 0 {
					fmt.Fprintln(out, formatMessage(snap.Messages[n-1]))
				}
			case console.ConnectionChanged:
				if snap.Connected {
					fmt.Fprintln(out, "[connected]")
				} else {
					fmt.Fprintln(out, "[disconnected]")
				}
			}
			log.Debug().
				Int("conversations", len(snap.Conversations)).
				Int("unread", totalUnread(snap)).
				Str("selected", snap.Selected).
				Int("messages", len(snap.Messages)).
				Bool("typing", snap.Typing != nil).
				Bool("connected", snap.Connected).
				Msg("state")
		}
	}
}

type repl struct {
	s       *console.Session
	out     io.Writer
	log     zerolog.Logger
	signOut func(error)
}

func (r *repl) run(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || r.exec(ctx, line) {
				return
			}
		}
	}
}

// exec runs one input line and reports whether the console should quit.
func (r *repl) exec(ctx context.Context, line string) bool {
	verb, arg := parseLine(line)
	var err error
	switch verb {
	case "":
	case "quit":
		return true
	case "help":
		fmt.Fprintln(r.out, consoleHelp)
	case "list":
		for _, c := range r.s.Snapshot().Conversations {
			fmt.Fprintln(r.out, formatConversation(c))
		}
	case "history":
		snap := r.s.Snapshot()
		for _, m := range snap.Messages {
			fmt.Fprintln(r.out, formatMessage(m))
		}
		if snap.Typing != nil {
			fmt.Fprintln(r.out, "  ...typing")
		}
	case "select":
		err = r.s.Select(ctx, arg)
	case "start":
		err = r.s.StartConversation(ctx, arg)
	case "leave":
		err = r.s.Deselect()
	case "refresh":
		err = r.s.Refresh(ctx)
	case "type":
		err = r.s.Keystroke()
	case "send":
		err = r.s.Send(ctx, arg, nil)
	case "file":
		path, caption := splitFirst(arg)
		err = r.sendFile(ctx, path, caption)
	default:
		fmt.Fprintf(r.out, "unknown command /%s (try /help)\n", verb)
	}
	r.report(err)
	return false
}

func (r *repl) sendFile(ctx context.Context, path, caption string) error {
	if path == "" {
		return errors.New("usage: /file <path> [text]")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	return r.s.Send(ctx, caption, &pull.Upload{
		Name:        filepath.Base(path),
		ContentType: mime.TypeByExtension(filepath.Ext(path)),
		Size:        st.Size(),
		Body:        f,
	})
}

// report is the single place intent errors are surfaced.
func (r *repl) report(err error) {
	switch {
	case err == nil:
	case errors.Is(err, console.ErrSuperseded):
		r.log.Debug().Err(err).Msg("selection superseded")
	case pull.IsPullKind(err, pull.Unauthorized), channel.IsKind(err, channel.Unauthorized):
		r.signOut(err)
	case pull.IsUploadKind(err, pull.TooLarge):
		fmt.Fprintf(r.out, "not sent: %v\n", err)
	default:
		r.log.Warn().Err(err).Msg("command failed")
		fmt.Fprintf(r.out, "error: %v\n", err)
	}
}

// parseLine splits "/verb rest". Lines without a leading slash are text to
// send.
func parseLine(line string) (verb, arg string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", ""
	}
	if !strings.HasPrefix(line, "/") {
		return "send", line
	}
	verb, arg = splitFirst(line[1:])
	return strings.ToLower(verb), arg
}

func splitFirst(s string) (head, rest string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i], strings.TrimSpace(s[i+1:])
	}
	return s, ""
}

func formatConversation(c console.ConversationView) string {
	presence := " "
	switch {
	case c.Online:
		presence = "*"
	case c.LikelyOnline:
		presence = "~"
	}
	line := fmt.Sprintf("%s %-12s %-20s", presence, c.CounterpartID, c.DisplayName)
	if c.Unread > 0 {
		line += fmt.Sprintf(" (%d)", c.Unread)
	}
	if c.Preview != "" {
		line += "  " + c.Preview
	}
	return strings.TrimRight(line, " ")
}

func formatMessage(m protocol.Message) string {
	who := "them"
	if m.Sender == protocol.RoleOperator {
		who = "you"
	}
	text := m.PreviewText()
	if m.Attachment != nil && m.Body != "" {
		text += " [" + m.Attachment.Name + "]"
	}
	return fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), who, text)
}

func totalUnread(s console.Snapshot) int {
	n := 0
	for _, c := range s.Conversations {
		n += c.Unread
	}
	return n
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log zerolog.Logger) {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	go func() {
		<-ctx.Done()
		_ = app.Shutdown()
	}()
	if err := app.Listen(addr); err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("metrics listener")
	}
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}
