// Package pull implements the request/response collaborators of the
// console: conversation list, message history, conversation start and
// attachment upload. Every call presents the session credential.
package pull

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/pelusa-v/pelusa-support/internal/protocol"
)

const defaultTimeout = 10 * time.Second

type Config struct {
	// BaseURL is the backend root, e.g. "http://127.0.0.1:3000".
	BaseURL string
	Timeout time.Duration
	// HTTPClient is used for all requests. If nil a private client is created.
	HTTPClient *fasthttp.Client
	Logger     zerolog.Logger
}

type Client struct {
	base    string
	http    *fasthttp.Client
	cred    protocol.Credential
	timeout time.Duration
	log     zerolog.Logger
}

// Operator identifies the signed-in operator.
type Operator struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Upload is a file chosen for sending. Size is the declared size and is
// checked before any bytes are read.
type Upload struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func New(cfg Config, credential protocol.Credential) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("pull: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("pull: invalid BaseURL %q: %w", cfg.BaseURL, err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &fasthttp.Client{Name: "pelusa-support-console"}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		cred:    credential,
		timeout: timeout,
		log:     cfg.Logger.With().Str("component", "pull").Logger(),
	}, nil
}

// ResolveURL turns a server relative attachment path into a retrieval URL.
func (c *Client) ResolveURL(ref string) string {
	if ref == "" || strings.Contains(ref, "://") {
		return ref
	}
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	return c.base + ref
}

// Me returns the operator the credential belongs to.
func (c *Client) Me(ctx context.Context) (Operator, error) {
	var op Operator
	data, err := c.do(ctx, "me", fasthttp.MethodGet, "/api/auth/me", "", nil)
	if err != nil {
		return op, err
	}
	if err := json.Unmarshal(data, &op); err != nil {
		return op, &PullError{Kind: ServerError, Op: "me", Err: err}
	}
	return op, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]protocol.Conversation, error) {
	data, err := c.do(ctx, "list conversations", fasthttp.MethodGet, "/api/chat/conversations", "", nil)
	if err != nil {
		return nil, err
	}
	var list []protocol.Conversation
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, &PullError{Kind: ServerError, Op: "list conversations", Err: err}
		}
	}
	return list, nil
}

func (c *Client) FetchHistory(ctx context.Context, counterpartID string) ([]protocol.Message, error) {
	op := "fetch history " + counterpartID
	data, err := c.do(ctx, op, fasthttp.MethodGet, "/api/chat/messages/"+url.PathEscape(counterpartID), "", nil)
	if err != nil {
		return nil, err
	}
	var history []protocol.Message
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &history); err != nil {
			return nil, &PullError{Kind: ServerError, Op: op, Err: err}
		}
	}
	// Messages without an id cannot be deduplicated against pushes.
	kept := history[:0]
	for _, m := range history {
		if m.ID == "" {
			c.log.Warn().Str("op", op).Msg("dropping message without id")
			continue
		}
		if m.CounterpartID == "" {
			m.CounterpartID = counterpartID
		}
		if a := m.Attachment; a != nil {
			a.URL = c.ResolveURL(a.URL)
		}
		kept = append(kept, m)
	}
	return kept, nil
}

func (c *Client) StartConversation(ctx context.Context, counterpartID string) (protocol.Conversation, error) {
	op := "start conversation " + counterpartID
	var conv protocol.Conversation
	data, err := c.do(ctx, op, fasthttp.MethodPost, "/api/chat/start/"+url.PathEscape(counterpartID), "", nil)
	if err != nil {
		return conv, err
	}
	if err := json.Unmarshal(data, &conv); err != nil {
		return conv, &PullError{Kind: ServerError, Op: op, Err: err}
	}
	if conv.CounterpartID == "" {
		conv.CounterpartID = counterpartID
	}
	return conv, nil
}

// UploadAttachment stores file on the backend and returns its descriptor.
// Files over protocol.MaxAttachmentSize are refused without any request.
func (c *Client) UploadAttachment(ctx context.Context, counterpartID string, file Upload, caption string) (protocol.Attachment, error) {
	var att protocol.Attachment
	if file.Size > protocol.MaxAttachmentSize {
		return att, &UploadError{Kind: TooLarge, Name: file.Name, Size: file.Size, Limit: protocol.MaxAttachmentSize}
	}
	if file.Body == nil {
		return att, &UploadError{Kind: Rejected, Name: file.Name, Err: fmt.Errorf("no file content")}
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("customerId", counterpartID)
	_ = mw.WriteField("message", caption)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(file.Name)))
	ct := file.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	hdr.Set("Content-Type", ct)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return att, &UploadError{Kind: Rejected, Name: file.Name, Err: err}
	}
	// The declared size may understate the content; read one byte past the
	// limit to find out.
	n, err := io.Copy(part, io.LimitReader(file.Body, protocol.MaxAttachmentSize+1))
	if err != nil {
		return att, &UploadError{Kind: Rejected, Name: file.Name, Err: err}
	}
	if n > protocol.MaxAttachmentSize {
		return att, &UploadError{Kind: TooLarge, Name: file.Name, Size: n, Limit: protocol.MaxAttachmentSize}
	}
	if err := mw.Close(); err != nil {
		return att, &UploadError{Kind: Rejected, Name: file.Name, Err: err}
	}

	data, err := c.do(ctx, "upload "+file.Name, fasthttp.MethodPost, "/api/chat/upload", mw.FormDataContentType(), body.Bytes())
	if err != nil {
		return att, uploadErrorFrom(file.Name, n, err)
	}
	if err := json.Unmarshal(data, &att); err != nil {
		return att, &UploadError{Kind: Rejected, Name: file.Name, Err: err}
	}
	if att.URL == "" {
		return att, &UploadError{Kind: Rejected, Name: file.Name, Err: fmt.Errorf("descriptor without url")}
	}
	att.URL = c.ResolveURL(att.URL)
	if att.Name == "" {
		att.Name = file.Name
	}
	if att.Kind == "" {
		att.Kind = protocol.ClassifyAttachment(ct, file.Name)
	}
	if att.Size == 0 {
		att.Size = n
	}
	c.log.Debug().Str("name", att.Name).Int64("size", att.Size).Msg("attachment uploaded")
	return att, nil
}

func uploadErrorFrom(name string, size int64, err error) error {
	pullErr, ok := err.(*PullError)
	if !ok {
		return &UploadError{Kind: Rejected, Name: name, Err: err}
	}
	switch {
	case pullErr.Kind == NetworkError:
		return &UploadError{Kind: UploadNetworkError, Name: name, Err: pullErr}
	case pullErr.Status == fasthttp.StatusRequestEntityTooLarge:
		return &UploadError{Kind: TooLarge, Name: name, Size: size, Status: pullErr.Status, Err: pullErr}
	default:
		return &UploadError{Kind: Rejected, Name: name, Status: pullErr.Status, Err: pullErr}
	}
}

func escapeQuotes(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

// do performs one call and returns the envelope's data on success.
func (c *Client) do(ctx context.Context, op, method, path, contentType string, body []byte) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, &PullError{Kind: NetworkError, Op: op, Err: err}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.base + path)
	req.Header.SetMethod(method)
	req.Header.Set(fasthttp.HeaderAuthorization, c.cred.Bearer())
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	if body != nil {
		req.Header.SetContentType(contentType)
		req.SetBodyRaw(body)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	start := time.Now()
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		c.log.Warn().Err(err).Str("op", op).Msg("pull failed")
		return nil, &PullError{Kind: NetworkError, Op: op, Err: err}
	}

	status := resp.StatusCode()
	var env envelope
	// Error pages are not always JSON; the status decides.
	_ = json.Unmarshal(resp.Body(), &env)
	c.log.Debug().Str("op", op).Int("status", status).Dur("took", time.Since(start)).Msg("pull")

	switch {
	case status == fasthttp.StatusNotFound:
		return nil, &PullError{Kind: NotFound, Op: op, Status: status, Message: env.Message}
	case status == fasthttp.StatusUnauthorized || status == fasthttp.StatusForbidden:
		return nil, &PullError{Kind: Unauthorized, Op: op, Status: status, Message: env.Message}
	case status < 200 || status >= 300:
		return nil, &PullError{Kind: ServerError, Op: op, Status: status, Message: env.Message}
	}
	if !env.Success {
		return nil, &PullError{Kind: ServerError, Op: op, Status: status, Message: env.Message}
	}
	// resp is released on return.
	return append(json.RawMessage(nil), env.Data...), nil
}
