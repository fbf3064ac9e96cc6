// Package rest holds the REST collaborators of the session layer: exchange
// history, attachment upload and feedback.
package rest

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	convErrors "github.com/harunnryd/convstream/internal/errors"
	"github.com/harunnryd/convstream/internal/metrics"

	"github.com/go-resty/resty/v2"
)

const (
	HeaderTenant    = "X-UiPath-Internal-TenantName"
	HeaderFolderKey = "X-UiPath-FolderKey"
	userAgent       = "convstream/1.0"
)

type Config struct {
	BaseURL   string
	Token     string
	Tenant    string
	FolderKey string
	Timeout   time.Duration
}

type Client struct {
	baseURL string
	api     *resty.Client
	// upload talks to presigned storage URLs, so it carries no credentials.
	upload *resty.Client
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, convErrors.InvalidInput("agent base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	api := resty.New().
		SetBaseURL(baseURL).
		SetHeader("User-Agent", userAgent).
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)
	if cfg.Token != "" {
		api.SetAuthToken(cfg.Token)
	}
	if cfg.Tenant != "" {
		api.SetHeader(HeaderTenant, cfg.Tenant)
	}
	if cfg.FolderKey != "" {
		api.SetHeader(HeaderFolderKey, cfg.FolderKey)
	}

	upload := resty.New().
		SetHeader("User-Agent", userAgent).
		SetTimeout(timeout)

	return &Client{baseURL: baseURL, api: api, upload: upload}, nil
}

// BaseURL returns the normalized service URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.api.R().SetContext(ctx)
}

// check converts a transport error or a non-2xx response into the error
// taxonomy and records the call.
func check(operation string, started time.Time, resp *resty.Response, err error) error {
	status := "error"
	if resp != nil && resp.StatusCode() > 0 {
		status = strconv.Itoa(resp.StatusCode())
	}
	metrics.RecordRESTRequest(operation, status, time.Since(started).Seconds())

	if err != nil {
		return convErrors.NewDefaultErrorMapper().MapError(fmt.Errorf("%s: %w", operation, err))
	}
	if resp.IsError() {
		body := strings.TrimSpace(resp.String())
		if len(body) > 200 {
			body = body[:200]
		}
		return fmt.Errorf("%s: %d %s: %s: %w", operation, resp.StatusCode(), http.StatusText(resp.StatusCode()), body, convErrors.FromStatus(resp.StatusCode()))
	}
	return nil
}
