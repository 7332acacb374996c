package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/woodshed-app/shedsync/internal/entity"
)

// ErrUnauthorized indicates the access token was missing or rejected.
var ErrUnauthorized = errors.New("sync unauthorized")

// StatusError is a non-2xx remote response. Treated as recoverable: the
// affected operations are retried on the next cycle.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("remote status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("remote status %d", e.Status)
}

// TokenFunc supplies the current access token for a request. Returning an
// empty token sends the request unauthenticated.
type TokenFunc func(ctx context.Context) (string, error)

// Client is the HTTP implementation of Transport.
//
// Wire format:
//
//	POST {base}/v1/sync/push   {"entities": [...], "token": "..."}
//	GET  {base}/v1/sync/delta?token=...
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenFunc
}

type pushRequest struct {
	Entities []*entity.Entity `json:"entities"`
	Token    string           `json:"token"`
}

// NewClient creates an HTTP transport for the given base URL.
//
// If httpClient is nil, a client with a 30 second timeout is used.
// If token is nil, requests are sent unauthenticated.
func NewClient(baseURL string, httpClient *http.Client, token TokenFunc) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
		token:      token,
	}
}

// PushBatch implements Transport.
func (c *Client) PushBatch(ctx context.Context, entities []*entity.Entity, token string) (*PushResult, error) {
	var out PushResult
	if err := c.do(ctx, http.MethodPost, "/v1/sync/push", pushRequest{Entities: entities, Token: token}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PullDelta implements Transport.
func (c *Client) PullDelta(ctx context.Context, token string) (*Delta, error) {
	var out Delta
	path := "/v1/sync/delta?token=" + url.QueryEscape(token)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.token != nil {
		tok, err := c.token(ctx)
		if err != nil {
			return fmt.Errorf("failed to obtain access token: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
}
