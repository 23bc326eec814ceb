// Package privatechat is the conversation engine of the NEAR AI private chat
// client: it folds conversation items into a branching response graph,
// keeps shared conversations in sync over a WebSocket and caches everything
// for offline reads.
//
// Example:
//
//	client := privatechat.NewClient(privatechat.WithTokenSource(privatechat.StaticToken(tok)))
//	conn := privatechat.NewSyncConnection(privatechat.SyncConfig{BaseURL: client.BaseURL(), Tokens: client.Tokens()})
//	ctrl := privatechat.NewSyncController(conn, privatechat.ControllerConfig{UserID: me})
//	ctrl.Open(id, true)
//	conv, _ := client.Conversation(ctx, id)
//	ctrl.SetConversation(conv)
package privatechat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrConversationNotFound is wrapped into errors for a 404 on a conversation.
var ErrConversationNotFound = errors.New("privatechat: conversation not found")

const (
	DefaultBaseURL = "https://private-chat.near.ai"
	DefaultTimeout = 30 * time.Second
)

// ConversationSource is the read side of the chat API.
type ConversationSource interface {
	ListConversations(ctx context.Context) ([]ConversationInfo, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationItems(ctx context.Context, id string) (*ConversationItemsPage, error)
}

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat REST API.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	timeout    time.Duration
	log        zerolog.Logger
	http       *resty.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTokenSource(tokens TokenSource) ClientOption {
	return func(c *Client) { c.tokens = tokens }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = logger }
}

// NewClient creates a REST client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		timeout: DefaultTimeout,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient != nil {
		c.http = resty.NewWithClient(c.httpClient)
	} else {
		c.http = resty.New()
	}
	c.http.
		SetBaseURL(c.baseURL).
		SetTimeout(c.timeout).
		SetHeader("Accept", "application/json").
		OnBeforeRequest(c.authorize)
	return c
}

// BaseURL returns the API origin.
func (c *Client) BaseURL() string { return c.baseURL }

// Tokens returns the credential source, which the socket shares.
func (c *Client) Tokens() TokenSource { return c.tokens }

func (c *Client) authorize(_ *resty.Client, req *resty.Request) error {
	if c.tokens == nil {
		return ErrNoToken
	}
	token, ok := c.tokens.Token()
	if !ok || token == "" {
		return ErrNoToken
	}
	req.SetAuthToken(token)
	return nil
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) get(ctx context.Context, path string, params map[string]string, query map[string]string, out any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(params).
		SetQueryParams(query).
		Get(path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.IsError() {
		apiErr := parseAPIError(resp)
		c.log.Debug().Int("status", apiErr.StatusCode).Str("path", resp.Request.URL).Msg("chat api error")
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func parseAPIError(resp *resty.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
	var body struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Detail  json.RawMessage `json:"detail"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(resp.Body(), &body) != nil {
		return apiErr
	}
	apiErr.Code, apiErr.Message = body.Code, body.Message
	if body.Error != nil {
		apiErr.Code, apiErr.Message = body.Error.Code, body.Error.Message
	}
	if apiErr.Message == "" && len(body.Detail) > 0 {
		var detail string
		if json.Unmarshal(body.Detail, &detail) == nil {
			apiErr.Message = detail
		} else {
			apiErr.Message = string(body.Detail)
		}
	}
	return apiErr
}

func notFound(err error, id string) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s: %w", ErrConversationNotFound, id, err)
	}
	return err
}

// ============================================================================
// Conversations
// ============================================================================

// ListConversations returns the caller's conversations. The endpoint answers
// either with a bare array or a {data: [...]} list object.
func (c *Client) ListConversations(ctx context.Context) ([]ConversationInfo, error) {
	var raw json.RawMessage
	if err := c.get(ctx, "/v1/conversations", nil, nil, &raw); err != nil {
		return nil, err
	}

	var list []ConversationInfo
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Data []ConversationInfo `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode conversation list: %w", err)
	}
	return wrapped.Data, nil
}

// GetConversation returns a conversation's detail without items.
func (c *Client) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	err := c.get(ctx, "/v1/conversations/{id}", map[string]string{"id": id}, nil, &conv)
	if err != nil {
		return nil, notFound(err, id)
	}
	return &conv, nil
}

// GetConversationItems returns a conversation's items page.
func (c *Client) GetConversationItems(ctx context.Context, id string) (*ConversationItemsPage, error) {
	var page ConversationItemsPage
	err := c.get(ctx, "/v1/conversations/{id}/items", map[string]string{"id": id}, nil, &page)
	if err != nil {
		return nil, notFound(err, id)
	}
	return &page, nil
}

// Conversation fetches detail and items concurrently and merges them.
func (c *Client) Conversation(ctx context.Context, id string) (*Conversation, error) {
	return FetchConversation(ctx, c, id)
}

// FetchConversation loads detail and items from src concurrently and merges
// them into one Conversation.
func FetchConversation(ctx context.Context, src ConversationSource, id string) (*Conversation, error) {
	var (
		detail *Conversation
		page   *ConversationItemsPage
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		detail, err = src.GetConversation(gctx, id)
		return err
	})
	g.Go(func() error {
		var err error
		page, err = src.GetConversationItems(gctx, id)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if detail.ID == "" {
		detail.ID = id
	}
	return mergeConversation(detail, page), nil
}

// ============================================================================
// Users & Signatures
// ============================================================================

// CurrentUser returns the signed-in user's profile.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var user User
	if err := c.get(ctx, "/v1/users/me", nil, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetMessageSignature fetches the attestation of a chat completion. An empty
// algo requests DefaultSigningAlgo.
func (c *Client) GetMessageSignature(ctx context.Context, model, chatCompletionID, algo string) (*MessageSignature, error) {
	if algo == "" {
		algo = DefaultSigningAlgo
	}
	var sig MessageSignature
	err := c.get(ctx, "/v1/signature/{id}",
		map[string]string{"id": chatCompletionID},
		map[string]string{"model": model, "signing_algo": algo},
		&sig)
	if err != nil {
		return nil, err
	}
	return &sig, nil
}
