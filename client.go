// Package chatsync keeps a user's conversation list and per-conversation
// message timelines consistent across REST history, a live push channel, and
// optimistic local sends.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://shop.example.com"))
//	channel := client.Realtime(&chatsync.RealtimeConfig{Token: token, AutoReconnect: true})
//	if err := channel.Connect(ctx); err != nil {
//		return err
//	}
//	inbox := chatsync.NewInbox(chatsync.StaticIdentity(userID), channel, client)
//	defer inbox.Close()
//
//	inbox.LoadConversations(ctx)
//	inbox.Open(ctx, conversationID)
//	inbox.Send(ctx, conversationID, "hello", chatsync.TypeText)
//	timeline := inbox.Timeline(conversationID, chatsync.OldestFirst)
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Client
// ============================================================================

const (
	DefaultBaseURL = "http://localhost:9000"
	DefaultTimeout = 30 * time.Second
)

// ConversationAPI is the HTTP surface the inbox consumes.
type ConversationAPI interface {
	HistoryEndpoint
	ListConversations(ctx context.Context) ([]Conversation, error)
	CreateConversation(ctx context.Context, otherUserID string, kind ConversationKind) (Conversation, error)
}

// Client talks to the storefront chat HTTP API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (int, []byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// do performs a request and unwraps the {ok, data, error} envelope.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string, out interface{}) error {
	status, data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return err
	}
	result, err := decodeJSON[Result](data)
	if err != nil {
		if status >= http.StatusBadRequest {
			return &APIError{Code: "HTTP_" + strconv.Itoa(status), Message: http.StatusText(status)}
		}
		return err
	}
	if err := result.Err(); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := result.Decode(out); err != nil {
		return fmt.Errorf("failed to decode data: %w", err)
	}
	return nil
}

// ============================================================================
// Conversation endpoints
// ============================================================================

// ListConversations returns the user's conversations.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var convs []Conversation
	if err := c.do(ctx, "GET", "/api/chat/conversations", nil, nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// GetConversation returns one conversation.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	var conv Conversation
	err := c.do(ctx, "GET", "/api/chat/conversations/"+url.PathEscape(conversationID), nil, nil, &conv)
	return conv, err
}

// CreateConversation gets or creates the conversation with otherUserID.
func (c *Client) CreateConversation(ctx context.Context, otherUserID string, kind ConversationKind) (Conversation, error) {
	if kind == "" {
		kind = KindFriend
	}
	var conv Conversation
	err := c.do(ctx, "POST", "/api/chat/conversations", map[string]string{
		"otherUserId": otherUserID,
		"kind":        string(kind),
	}, nil, &conv)
	return conv, err
}

// FetchMessages returns one page of persisted messages.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, page, limit int) ([]Message, error) {
	q := map[string]string{"page": strconv.Itoa(page)}
	if limit > 0 {
		q["limit"] = strconv.Itoa(limit)
	}
	var msgs []Message
	if err := c.do(ctx, "GET", "/api/chat/conversations/"+url.PathEscape(conversationID)+"/messages", nil, q, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Realtime creates a WebSocket live channel against this client's base URL.
// Call Connect to establish the connection.
func (c *Client) Realtime(config *RealtimeConfig) *WSChannel {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	return NewWSChannel(c.baseURL, &cfg)
}
