package handlers

import (
	"errors"
	"io"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/pelusa-v/pelusa-support/internal/chat"
	"github.com/pelusa-v/pelusa-support/internal/protocol"
)

// OperatorSocket GET /socket (Authorization: Bearer <token>)
func (s *Server) OperatorSocket(c *websocket.Conn) {
	op, _ := c.Locals(localOperator).(chat.Operator)
	client := s.hub.NewClient(protocol.RoleOperator, op.ID, c)
	if err := s.hub.Serve(client); err != nil {
		s.log.Warn().Err(err).Str("operator", op.ID).Msg("operator socket")
	}
}

// CustomerSocket GET /api/ws/customer/:customerId
func (s *Server) CustomerSocket(c *websocket.Conn) {
	id := strings.TrimSpace(c.Params("customerId"))
	if id == "" {
		_ = c.Close()
		return
	}
	client := s.hub.NewClient(protocol.RoleCounterpart, id, c)
	if err := s.hub.Serve(client); err != nil {
		s.log.Warn().Err(err).Str("customer", id).Msg("customer socket")
	}
}

type meResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// MeHandler GET /api/auth/me
func (s *Server) MeHandler(c *fiber.Ctx) error {
	op := operator(c)
	return ok(c, meResponse{ID: op.ID, Name: op.Name, Email: op.Email})
}

// ConversationsHandler GET /api/chat/conversations
func (s *Server) ConversationsHandler(c *fiber.Ctx) error {
	return ok(c, s.hub.Conversations(operator(c).ID))
}

// MessagesHandler GET /api/chat/messages/:customerId
func (s *Server) MessagesHandler(c *fiber.Ctx) error {
	history, err := s.hub.History(operator(c).ID, c.Params("customerId"))
	if errors.Is(err, chat.ErrUnknownCustomer) {
		return fail(c, fiber.StatusNotFound, "customer not found")
	}
	if err != nil {
		return err
	}
	return ok(c, history)
}

// StartHandler POST /api/chat/start/:customerId
func (s *Server) StartHandler(c *fiber.Ctx) error {
	conv, err := s.hub.StartConversation(operator(c).ID, c.Params("customerId"))
	if errors.Is(err, chat.ErrUnknownCustomer) {
		return fail(c, fiber.StatusNotFound, "customer not found")
	}
	if err != nil {
		return err
	}
	return ok(c, conv)
}

// UploadHandler POST /api/chat/upload (multipart: file, customerId, message)
func (s *Server) UploadHandler(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		s.metrics.Upload("rejected")
		return fail(c, fiber.StatusBadRequest, "file is required")
	}
	if strings.TrimSpace(c.FormValue("customerId")) == "" {
		s.metrics.Upload("rejected")
		return fail(c, fiber.StatusBadRequest, "customerId is required")
	}
	if fh.Size > s.maxUpload {
		s.metrics.Upload("too_large")
		return fail(c, fiber.StatusRequestEntityTooLarge, "file exceeds upload limit")
	}

	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, s.maxUpload+1))
	if err != nil {
		return err
	}
	if int64(len(data)) > s.maxUpload {
		s.metrics.Upload("too_large")
		return fail(c, fiber.StatusRequestEntityTooLarge, "file exceeds upload limit")
	}

	att := s.hub.StoreUpload(fh.Filename, fh.Header.Get(fiber.HeaderContentType), data)
	s.metrics.Upload("stored")
	s.log.Info().Str("operator", operator(c).ID).Str("name", att.Name).Int64("size", att.Size).Msg("upload stored")
	return ok(c, att)
}

// FileHandler GET /uploads/:name
func (s *Server) FileHandler(c *fiber.Ctx) error {
	u, found := s.hub.Upload(c.Params("name"))
	if !found {
		return fail(c, fiber.StatusNotFound, "file not found")
	}
	ct := u.ContentType
	if ct == "" {
		ct = fiber.MIMEOctetStream
	}
	c.Set(fiber.HeaderContentType, ct)
	return c.Send(u.Data)
}
