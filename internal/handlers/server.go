// Package handlers exposes the reference backend over HTTP: the operator
// and customer sockets, the pull endpoints and uploaded files.
package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pelusa-v/pelusa-support/internal/chat"
	"github.com/pelusa-v/pelusa-support/internal/metrics"
	"github.com/pelusa-v/pelusa-support/internal/protocol"
)

const localOperator = "operator"

type Options struct {
	// MaxUpload bounds an attachment; larger uploads get 413.
	MaxUpload int64
	Logger    zerolog.Logger
	Metrics   *metrics.Hub
	// Gatherer backs /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer
}

type Server struct {
	hub       *chat.Hub
	maxUpload int64
	log       zerolog.Logger
	metrics   *metrics.Hub
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// NewApp wires every route of the backend on a fresh fiber app.
func NewApp(hub *chat.Hub, opts Options) *fiber.App {
	if opts.MaxUpload <= 0 {
		opts.MaxUpload = protocol.MaxAttachmentSize
	}
	s := &Server{
		hub:       hub,
		maxUpload: opts.MaxUpload,
		log:       opts.Logger.With().Str("component", "http").Logger(),
		metrics:   opts.Metrics,
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		// room for the multipart framing around a maximal file
		BodyLimit:    int(opts.MaxUpload) + 1<<20,
		ErrorHandler: s.errorHandler,
	})
	app.Use(s.requestLog)

	app.Use("/socket", s.upgradeOperator)
	app.Get("/socket", websocket.New(s.OperatorSocket))
	app.Use("/api/ws/customer", s.upgradeCustomer)
	app.Get("/api/ws/customer/:customerId", websocket.New(s.CustomerSocket))

	app.Get("/api/auth/me", s.authenticate, s.MeHandler)
	api := app.Group("/api/chat", s.authenticate)
	api.Get("/conversations", s.ConversationsHandler)
	api.Get("/messages/:customerId", s.MessagesHandler)
	api.Post("/start/:customerId", s.StartHandler)
	api.Post("/upload", s.UploadHandler)

	app.Get("/uploads/:name", s.FileHandler)
	if opts.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
	return app
}

func ok(c *fiber.Ctx, data any) error {
	return c.JSON(envelope{Success: true, Data: data})
}

func fail(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(envelope{Success: false, Message: msg})
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return fail(c, code, err.Error())
}

func (s *Server) requestLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.log.Debug().
		Str("method", c.Method()).
		Str("path", c.Path()).
		Int("status", c.Response().StatusCode()).
		Dur("took", time.Since(start)).
		Msg("request")
	return err
}

func (s *Server) operatorFor(c *fiber.Ctx) (chat.Operator, bool) {
	cred := protocol.ParseAuthorization(c.Get(fiber.HeaderAuthorization))
	if cred == "" {
		cred = protocol.Credential(c.Query("token"))
	}
	return s.hub.Authenticate(cred)
}

func (s *Server) authenticate(c *fiber.Ctx) error {
	op, found := s.operatorFor(c)
	if !found {
		return fail(c, fiber.StatusUnauthorized, "invalid or missing credential")
	}
	c.Locals(localOperator, op)
	return c.Next()
}

func (s *Server) upgradeOperator(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return s.authenticate(c)
}

func (s *Server) upgradeCustomer(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return c.Next()
}

func operator(c *fiber.Ctx) chat.Operator {
	op, _ := c.Locals(localOperator).(chat.Operator)
	return op
}
