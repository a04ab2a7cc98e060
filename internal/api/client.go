package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/npezzotti/go-chatsync/internal/auth"
	"github.com/npezzotti/go-chatsync/internal/types"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 4096
)

type CreateConversationRequest struct {
	BusinessId string `json:"business_id"`
}

// Client talks to the REST history collaborator. It never retries; retry
// policy belongs to the caller.
type Client struct {
	log     *log.Logger
	baseURL *url.URL
	http    *http.Client
	tokens  auth.TokenSource
	limiter *rate.Limiter
}

// NewClient creates a client for baseURL. Requests are throttled to rps per
// second when rps > 0; a nil httpClient gets a client with a default timeout.
func NewClient(logger *log.Logger, baseURL string, tokens auth.TokenSource, httpClient *http.Client, rps float64) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if tokens == nil {
		return nil, fmt.Errorf("token source cannot be nil")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	c := &Client{
		log:     logger,
		baseURL: u,
		http:    httpClient,
		tokens:  tokens,
	}
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}

	return c, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]types.ConversationSummary, error) {
	var conversations []types.ConversationSummary
	if err := c.do(ctx, http.MethodGet, c.baseURL.JoinPath("conversations"), nil, &conversations); err != nil {
		return nil, err
	}
	return conversations, nil
}

func (c *Client) CreateConversation(ctx context.Context, businessId string) (types.ConversationSummary, error) {
	var conversation types.ConversationSummary
	err := c.do(ctx, http.MethodPost, c.baseURL.JoinPath("conversations"),
		CreateConversationRequest{BusinessId: businessId}, &conversation)
	if err != nil {
		return types.ConversationSummary{}, err
	}
	return conversation, nil
}

func (c *Client) GetMessages(ctx context.Context, conversationId string, page, limit int) (types.MessagePage, error) {
	u := c.baseURL.JoinPath("conversations", conversationId, "messages")
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	var messagePage types.MessagePage
	if err := c.do(ctx, http.MethodGet, u, nil, &messagePage); err != nil {
		return types.MessagePage{}, err
	}
	return messagePage, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationId string) error {
	return c.do(ctx, http.MethodPost, c.baseURL.JoinPath("conversations", conversationId, "read"), nil, nil)
}

func (c *Client) do(ctx context.Context, method string, u *url.URL, in, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return newTransportError("rate limit", err)
		}
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return newTransportError("encode request", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return newTransportError("new request", err)
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return newTransportError("get token", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return newTransportError(fmt.Sprintf("%s %s", method, u.Path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.readError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &RequestError{
			StatusCode: resp.StatusCode,
			Message:    "decode response",
			Err:        err,
		}
	}

	return nil
}

func (c *Client) readError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var apiErr RequestError
	if err := json.Unmarshal(raw, &apiErr); err != nil {
		c.log.Printf("%s %s: non-json error body (%d bytes)", resp.Request.Method, resp.Request.URL.Path, len(raw))
	}

	return newStatusError(resp.StatusCode, apiErr.Message)
}
