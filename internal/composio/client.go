// Package composio talks to the Composio integration platform: tool
// listing, connection initiation and connection status.
package composio

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

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"slashy.ai/slashy/internal/core"
)

const (
	DefaultBaseURL = "https://backend.composio.dev"

	providerName         = "composio"
	defaultTimeout       = 30 * time.Second
	defaultRetryInterval = 250 * time.Millisecond
	maxErrorBody         = 2048
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	// RetryInterval is the first backoff delay. Later delays grow
	// exponentially with jitter.
	RetryInterval time.Duration
	HTTPClient    *http.Client
}

// Client implements core.ToolProvider over Composio's HTTP API.
type Client struct {
	baseURL       string
	apiKey        string
	timeout       time.Duration
	maxRetries    int
	retryInterval time.Duration
	httpClient    *http.Client
}

var _ core.ToolProvider = (*Client)(nil)

func New(opts Options) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		apiKey:        opts.APIKey,
		timeout:       opts.Timeout,
		maxRetries:    opts.MaxRetries,
		retryInterval: opts.RetryInterval,
		httpClient:    opts.HTTPClient,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.retryInterval <= 0 {
		c.retryInterval = defaultRetryInterval
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	return c
}

type toolsResponse struct {
	Tools []struct {
		Name        string         `json:"name"`
		AppName     string         `json:"app_name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"tools"`
}

// ListActions returns every action available to the account. Without an API
// key there are none.
func (c *Client) ListActions(ctx context.Context, ownerID string) ([]core.Tool, error) {
	if c.apiKey == "" {
		log.Debug().Msg("Composio API key not configured, no tools available")
		return nil, nil
	}

	var resp toolsResponse
	headers := http.Header{"Authorization": {"Bearer " + c.apiKey}}
	if err := c.do(ctx, http.MethodGet, "/api/v1/tools", headers, nil, &resp); err != nil {
		return nil, err
	}

	tools := make([]core.Tool, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		tools = append(tools, core.Tool{
			Name:        t.Name,
			AppName:     strings.ToLower(t.AppName),
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	log.Debug().Str("owner", ownerID).Int("tools", len(tools)).Msg("Fetched Composio tools")
	return tools, nil
}

type initiateBody struct {
	ToolName     string `json:"toolName"`
	AuthConfigID string `json:"authConfigId,omitempty"`
	UserID       string `json:"userId"`
}

type initiateResponse struct {
	ID                string `json:"id"`
	RedirectURL       string `json:"redirectUrl"`
	RedirectURLLegacy string `json:"redirect_url"`
	ConnectionStatus  *struct {
		ID string `json:"id"`
	} `json:"connectionStatus"`
}

func (c *Client) Initiate(ctx context.Context, req core.InitiateRequest) (core.Initiation, error) {
	if c.apiKey == "" {
		return core.Initiation{}, &core.UpstreamError{Provider: providerName, Err: errors.New("API key not configured")}
	}

	body, err := json.Marshal(initiateBody{ToolName: req.ToolName, AuthConfigID: req.AuthConfigID, UserID: req.UserID})
	if err != nil {
		return core.Initiation{}, fmt.Errorf("marshal initiate request: %w", err)
	}

	var resp initiateResponse
	if err := c.do(ctx, http.MethodPost, "/api/v3/toolkits/initiate", c.keyHeader(), body, &resp); err != nil {
		return core.Initiation{}, err
	}

	initiation := core.Initiation{RedirectURL: resp.RedirectURL, ConnectionRequestID: resp.ID}
	if initiation.RedirectURL == "" {
		initiation.RedirectURL = resp.RedirectURLLegacy
	}
	if resp.ConnectionStatus != nil && resp.ConnectionStatus.ID != "" {
		initiation.ConnectionRequestID = resp.ConnectionStatus.ID
	}
	return initiation, nil
}

type statusResponse struct {
	ID               string          `json:"id"`
	Status           string          `json:"status"`
	ConnectionStatus json.RawMessage `json:"connectionStatus"`
}

func (c *Client) Status(ctx context.Context, connectionRequestID string) (core.ProviderStatus, error) {
	if c.apiKey == "" {
		return core.ProviderStatus{}, &core.UpstreamError{Provider: providerName, Err: errors.New("API key not configured")}
	}

	var resp statusResponse
	path := "/api/v3/connected-accounts/" + url.PathEscape(connectionRequestID)
	if err := c.do(ctx, http.MethodGet, path, c.keyHeader(), nil, &resp); err != nil {
		return core.ProviderStatus{}, err
	}

	status := resp.Status
	// connectionStatus is either the status string or an object with one.
	var asString string
	var asObject struct {
		Status string `json:"status"`
	}
	switch {
	case json.Unmarshal(resp.ConnectionStatus, &asString) == nil && asString != "":
		status = asString
	case json.Unmarshal(resp.ConnectionStatus, &asObject) == nil && asObject.Status != "":
		status = asObject.Status
	}
	return core.ProviderStatus{Status: strings.ToUpper(status), ConnectionID: resp.ID}, nil
}

func (c *Client) keyHeader() http.Header {
	return http.Header{"X-API-Key": {c.apiKey}}
}

// do sends one logical request. Reads are retried on transport failures, 5xx
// and 429. Writes are retried only on 429 and 503, where the request was
// refused before any work was done.
func (c *Client) do(ctx context.Context, method, path string, headers http.Header, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	attempt := 0
	operation := func() error {
		attempt++
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		for k, v := range headers {
			req.Header[k] = v
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			upstream := &core.UpstreamError{Provider: providerName, Err: err}
			if ctx.Err() != nil || !idempotent(method) {
				return backoff.Permanent(upstream)
			}
			return upstream
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			upstream := &core.UpstreamError{Provider: providerName, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
			if !idempotent(method) {
				return backoff.Permanent(upstream)
			}
			return upstream
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			upstream := &core.UpstreamError{
				Provider:   providerName,
				StatusCode: resp.StatusCode,
				Body:       truncate(strings.TrimSpace(string(data)), maxErrorBody),
			}
			if retryableStatus(method, resp.StatusCode) {
				return upstream
			}
			return backoff.Permanent(upstream)
		}

		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(&core.UpstreamError{
					Provider:   providerName,
					StatusCode: resp.StatusCode,
					Err:        fmt.Errorf("decode response: %w", err),
				})
			}
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).
			Str("method", method).
			Str("path", path).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Composio request failed, retrying")
	}

	return backoff.RetryNotify(operation, c.policy(ctx), notify)
}

func idempotent(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func retryableStatus(method string, code int) bool {
	switch {
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		return true
	case code >= 500:
		return idempotent(method)
	}
	return false
}

func (c *Client) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	b.MaxInterval = 10 * c.retryInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
