// Package gateway is the boundary to the payer backend. The core consumes
// exactly three operation shapes: collection fetch, pagination continuation
// by URL, and mutate. Retry of transient failures lives here, not in the
// core; cancellation flows through the request context.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	json "github.com/goccy/go-json"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// ErrConflict is returned when the server rejects a mutation whose base
// state has changed since the client last fetched it. The caller keeps the
// delta unsynced until the conflict is resolved.
var ErrConflict = errors.New("sync conflict: base state changed on server")

// Page is one page of a collection fetch. NextURL is empty on the last page.
type Page struct {
	Items   []json.RawMessage `json:"items"`
	NextURL string            `json:"next,omitempty"`
}

// Gateway is the network surface the sync engine talks to.
type Gateway interface {
	FetchCollection(ctx context.Context, kind string, params url.Values) (*Page, error)
	FetchByURL(ctx context.Context, pageURL string) (*Page, error)
	Mutate(ctx context.Context, kind string, payload json.RawMessage) (json.RawMessage, error)
}

// Client is the HTTP gateway implementation. Transient failures retry with
// backoff via retryablehttp; 4xx responses never retry.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
	logger  *zap.Logger
}

// NewClient creates a gateway client for the given base URL.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 4
	rc.Logger = nil
	return &Client{
		baseURL: baseURL,
		http:    rc,
		logger:  logger,
	}
}

// FetchCollection fetches the first page of a collection.
func (c *Client) FetchCollection(ctx context.Context, kind string, params url.Values) (*Page, error) {
	u := c.baseURL + "/" + kind
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return c.fetch(ctx, u)
}

// FetchByURL follows a pagination continuation URL returned by the server.
func (c *Client) FetchByURL(ctx context.Context, pageURL string) (*Page, error) {
	return c.fetch(ctx, pageURL)
}

func (c *Client) fetch(ctx context.Context, u string) (*Page, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", u, resp.StatusCode)
	}

	var page Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	return &page, nil
}

// Mutate creates or updates one entity and returns the server's canonical
// copy. A 409 maps to ErrConflict.
func (c *Client) Mutate(ctx context.Context, kind string, payload json.RawMessage) (json.RawMessage, error) {
	u := c.baseURL + "/" + kind
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mutate %s: %w", kind, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusConflict:
		return nil, fmt.Errorf("mutate %s: %w", kind, ErrConflict)
	default:
		return nil, fmt.Errorf("mutate %s: unexpected status %d", kind, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return json.RawMessage(body), nil
}
