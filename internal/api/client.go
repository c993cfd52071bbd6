package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"time"

	"github.com/ticketrow/chatkit/internal/types"
)

const defaultRequestTimeout = 10 * time.Second

// ChatAPI is the REST collaborator contract the engine depends on. The
// server side of this contract lives elsewhere; internal/stubserver carries
// an in-memory stand-in for development and tests.
type ChatAPI interface {
	Session(ctx context.Context) (types.Identity, error)
	ListConversations(ctx context.Context) ([]ConversationSummary, error)
	GetMessages(ctx context.Context, userId, eventId int) ([]types.Message, error)
	SendMessage(ctx context.Context, params SendMessageParams) (types.Message, error)
	MarkRead(ctx context.Context, userId, eventId int) error
}

// ConversationSummary is one row of the directory snapshot.
type ConversationSummary struct {
	UserId            int       `json:"user_id"`
	EventId           int       `json:"event_id"`
	Username          string    `json:"username"`
	LastMessage       string    `json:"last_message"`
	LastMessageUserId int       `json:"last_message_user_id"`
	UpdatedAt         time.Time `json:"updated_at"`
	UnreadCount       int       `json:"unread_count"`
}

type SendMessageParams struct {
	RecipientId int    `json:"recipient_id"`
	EventId     int    `json:"event_id"`
	Content     string `json:"content"`
	TempId      string `json:"temp_id"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type MarkReadRequest struct {
	UserId  int `json:"user_id"`
	EventId int `json:"event_id"`
}

// Client talks to the marketplace chat API. The session token is carried as
// a cookie, set by Login and sent on every subsequent request.
type Client struct {
	baseUrl    *url.URL
	httpClient *http.Client
	log        *log.Logger
}

func NewClient(baseUrl string, logger *log.Logger) (*Client, error) {
	u, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	return &Client{
		baseUrl: u,
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: defaultRequestTimeout,
		},
		log: logger,
	}, nil
}

// Login authenticates and stores the session cookie on the client's jar.
func (c *Client) Login(ctx context.Context, email, password string) (types.Identity, error) {
	var ident types.Identity
	err := c.do(ctx, http.MethodPost, "/api/auth/login", nil,
		LoginRequest{Email: email, Password: password}, &ident)
	return ident, err
}

// Session returns the identity the session token belongs to.
func (c *Client) Session(ctx context.Context) (types.Identity, error) {
	var ident types.Identity
	err := c.do(ctx, http.MethodGet, "/api/auth/session", nil, nil, &ident)
	return ident, err
}

// ListConversations fetches the full directory snapshot.
func (c *Client) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	var summaries []ConversationSummary
	err := c.do(ctx, http.MethodGet, "/api/conversations", nil, nil, &summaries)
	return summaries, err
}

// GetMessages fetches the full history for one conversation key, ascending
// by timestamp.
func (c *Client) GetMessages(ctx context.Context, userId, eventId int) ([]types.Message, error) {
	query := url.Values{
		"user_id":  []string{strconv.Itoa(userId)},
		"event_id": []string{strconv.Itoa(eventId)},
	}

	var messages []types.Message
	err := c.do(ctx, http.MethodGet, "/api/messages", query, nil, &messages)
	return messages, err
}

// SendMessage dispatches a message and returns the confirmed copy with the
// server-assigned seq id and timestamp. The server echoes TempId so the
// caller can correlate the response to its optimistic entry.
func (c *Client) SendMessage(ctx context.Context, params SendMessageParams) (types.Message, error) {
	var msg types.Message
	err := c.do(ctx, http.MethodPost, "/api/messages", nil, params, &msg)
	return msg, err
}

// WSHeader returns headers carrying the session cookie for the live
// channel handshake.
func (c *Client) WSHeader() http.Header {
	header := http.Header{}
	for _, cookie := range c.httpClient.Jar.Cookies(c.baseUrl) {
		header.Add("Cookie", cookie.String())
	}
	return header
}

// MarkRead marks all messages from userId in the event's thread as read.
func (c *Client) MarkRead(ctx context.Context, userId, eventId int) error {
	return c.do(ctx, http.MethodPost, "/api/messages/read", nil,
		MarkReadRequest{UserId: userId, EventId: eventId}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.baseUrl
	u.Path = path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return newTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return newStatusError(resp.StatusCode)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return newTransportError(fmt.Errorf("decode response: %w", err))
	}

	return nil
}
