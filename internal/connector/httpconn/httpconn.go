// Package httpconn drives any remote connector exposing the small CRUD
// surface over HTTP. Retries are deliberately off; the core owns retry
// policy and this adapter only reports outcomes.
package httpconn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/tandem-run/tandem/internal/build"
	"github.com/tandem-run/tandem/internal/connector"
	"github.com/tandem-run/tandem/internal/secrets"
)

const defaultTimeout = 30 * time.Second

// Client implements connector.Connector against a remote base URL.
type Client struct {
	http    *resty.Client
	credRef string
	secrets secrets.Provider

	mu    sync.Mutex
	token string
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.SetTimeout(d)
	}
}

// New creates a client. credRef is resolved through the secrets provider
// on Connect and sent as a bearer token; empty means unauthenticated.
func New(baseURL, credRef string, provider secrets.Provider, opts ...Option) *Client {
	c := &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetRetryCount(0).
			SetTimeout(defaultTimeout).
			SetHeader("User-Agent", build.UserAgent()),
		credRef: credRef,
		secrets: provider,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect resolves credentials and probes the remote health endpoint.
func (c *Client) Connect(ctx context.Context) connector.Result {
	if c.credRef != "" {
		token, err := c.secrets.Resolve(ctx, c.credRef)
		if err != nil {
			return connector.Fail("credential resolution failed: " + err.Error())
		}
		c.mu.Lock()
		c.token = token
		c.mu.Unlock()
	}
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Disconnect drops the cached token. The remote side is stateless.
func (c *Client) Disconnect(_ context.Context) connector.Result {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	return connector.Ok(nil)
}

func (c *Client) ListResources(ctx context.Context, resourceType string, filters map[string]any) connector.Result {
	query := make(map[string]string, len(filters))
	for k, v := range filters {
		query[k] = fmt.Sprint(v)
	}
	return c.do(ctx, http.MethodGet, "/"+resourceType, query, nil)
}

func (c *Client) GetResource(ctx context.Context, resourceType, id string) connector.Result {
	return c.do(ctx, http.MethodGet, "/"+resourceType+"/"+id, nil, nil)
}

func (c *Client) CreateResource(ctx context.Context, resourceType string, payload map[string]any) connector.Result {
	return c.do(ctx, http.MethodPost, "/"+resourceType, nil, payload)
}

func (c *Client) UpdateResource(ctx context.Context, resourceType, id string, payload map[string]any) connector.Result {
	return c.do(ctx, http.MethodPut, "/"+resourceType+"/"+id, nil, payload)
}

func (c *Client) DeleteResource(ctx context.Context, resourceType, id string) connector.Result {
	return c.do(ctx, http.MethodDelete, "/"+resourceType+"/"+id, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query map[string]string, body any) connector.Result {
	req := c.http.R().SetContext(ctx)
	c.mu.Lock()
	if c.token != "" {
		req.SetAuthToken(c.token)
	}
	c.mu.Unlock()
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetBody(body)
	}

	rsp, err := req.Execute(method, path)
	if err != nil {
		return connector.Fail("request failed: " + err.Error())
	}

	switch code := rsp.StatusCode(); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return connector.Deny(rsp.Status())
	case code >= 200 && code < 300:
		return connector.Ok(decodeBody(rsp.Body()))
	default:
		return connector.Fail(fmt.Sprintf("%s: %s", rsp.Status(), truncate(string(rsp.Body()), 200)))
	}
}

func decodeBody(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return string(body)
	}
	return data
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
