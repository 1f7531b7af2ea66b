package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/model/character"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

const defaultReconcileTimeout = 10 * time.Second

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// Client talks to the chat API under baseURL (for example http://localhost:8080/api).
type Client struct {
	baseURL          string
	http             *http.Client
	logger           *zap.Logger
	reconcileTimeout time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport. Its Timeout must be zero or longer than
// any expected reply, since it also bounds reading the stream.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger used for malformed frames and reconcile failures.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithReconcileTimeout bounds the transcript re-read after a session ends.
func WithReconcileTimeout(d time.Duration) Option {
	return func(c *Client) { c.reconcileTimeout = d }
}

// New 创建 API 客户端
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:          strings.TrimRight(baseURL, "/"),
		http:             &http.Client{},
		logger:           zap.NewNop(),
		reconcileTimeout: defaultReconcileTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

func (c *Client) ListCharacters(ctx context.Context) ([]character.Character, error) {
	var out []character.Character
	return out, c.getJSON(ctx, "/characters", &out)
}

func (c *Client) ListConversations(ctx context.Context) ([]chat.ConversationDetail, error) {
	var out []chat.ConversationDetail
	return out, c.getJSON(ctx, "/conversations", &out)
}

func (c *Client) GetConversation(ctx context.Context, id string) (chat.ConversationDetail, error) {
	var out chat.ConversationDetail
	return out, c.getJSON(ctx, "/conversations/"+url.PathEscape(id), &out)
}

// CreateConversation starts a conversation; the character greeting is its first message.
func (c *Client) CreateConversation(ctx context.Context, characterID string) (chat.ConversationDetail, error) {
	var out chat.ConversationDetail
	body := map[string]string{"characterId": characterID}
	return out, c.doJSON(ctx, http.MethodPost, "/conversations", body, &out)
}

// ListMessages returns the durable transcript in order.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	var out []chat.Message
	return out, c.getJSON(ctx, messagesPath(conversationID), &out)
}

// Send posts content and starts reading the reply stream. Pre-stream rejections
// come back as *APIError; once the stream is open every outcome is reported
// through the Session.
func (c *Client) Send(ctx context.Context, conversationID, content string, h Handlers) (*Session, error) {
	payload, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+messagesPath(conversationID), bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("send message: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		return nil, readAPIError(resp)
	}

	s := newSession(c, conversationID, cancel, h)
	go s.run(resp.Body)
	return s, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var body struct {
		Message string `json:"message"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err == nil {
		apiErr.Message = body.Message
	}
	return apiErr
}

func messagesPath(conversationID string) string {
	return "/conversations/" + url.PathEscape(conversationID) + "/messages"
}
