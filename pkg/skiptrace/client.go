// Package skiptrace is the HTTP client for the contact-lookup vendor.
package skiptrace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	pkgerrors "github.com/angelmondragon/propwatch-backend/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	lookupPath                  = "v1/lookups"
	responseBodyReadLimit int64 = 1024
)

var (
	errAPIKeyRequired = errors.New("skip-trace api key is required")

	// ErrNoMatch means the vendor answered but found no contacts.
	ErrNoMatch = errors.New("skip-trace: no match")
)

// Client wraps the vendor lookup API behind a client-side rate limit.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
}

// Option configures optional client behavior.
type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimSpace(baseURL); trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

// WithRateLimit caps outbound calls at rps with the given burst. rps <= 0 disables the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func NewClient(baseURL, apiKey string, opts ...Option) (*Client, error) {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		return nil, errAPIKeyRequired
	}
	c := &Client{
		apiKey:     key,
		baseURL:    strings.TrimSpace(baseURL),
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Inf, 0),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.baseURL == "" {
		return nil, errors.New("skip-trace base url is required")
	}
	return c, nil
}

// Request is the address bundle sent for one property.
type Request struct {
	Address string `json:"address"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zip     string `json:"zip,omitempty"`
}

type Contact struct {
	Name   string   `json:"name"`
	Phones []string `json:"phones,omitempty"`
	Emails []string `json:"emails,omitempty"`
}

type Result struct {
	Contacts []Contact `json:"contacts"`
}

// Lookup performs one vendor call. The caller owns the per-call deadline via ctx.
// Errors: ErrNoMatch for a negative answer, CodeVendorTimeout when the deadline
// expires, CodeVendor for anything else.
func (c *Client) Lookup(ctx context.Context, req Request) (*Result, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "skip-trace client not configured")
	}
	if strings.TrimSpace(req.Address) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "address is required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, classifyTransportErr(ctx, err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeVendor, err, "marshal lookup request")
	}
	url := fmt.Sprintf("%s/%s", strings.TrimRight(c.baseURL, "/"), lookupPath)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeVendor, err, "build lookup request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportErr(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNoMatch
	case resp.StatusCode == http.StatusGatewayTimeout:
		return nil, pkgerrors.New(pkgerrors.CodeVendorTimeout, "vendor reported upstream timeout")
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
		return nil, pkgerrors.Wrap(pkgerrors.CodeVendor, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), "lookup request failed")
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, classifyTransportErr(ctx, err)
	}
	if len(result.Contacts) == 0 {
		return nil, ErrNoMatch
	}
	return &result, nil
}

func classifyTransportErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return pkgerrors.Wrap(pkgerrors.CodeVendorTimeout, err, "vendor call timed out")
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return pkgerrors.Wrap(pkgerrors.CodeVendorTimeout, err, "vendor call timed out")
	}
	return pkgerrors.Wrap(pkgerrors.CodeVendor, err, "vendor call failed")
}
