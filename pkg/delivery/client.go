// Package delivery posts attendance batches to the collection endpoint.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/PunchAgent/internal/metrics"
)

const (
	// DefaultTimeout bounds a single POST.
	DefaultTimeout = 30 * time.Second
	// DefaultAuthScheme prefixes the token in the Authorization header.
	DefaultAuthScheme = "Token"

	maxBodyBytes = 4 << 10
)

// Outcome classifies one delivery attempt. Only HTTP 200 is a success.
type Outcome struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty"`
	Body       string `json:"body,omitempty"`
	Err        error  `json:"-"`
}

// Error describes a failed outcome, or returns nil for a successful one.
func (o Outcome) Error() error {
	switch {
	case o.Success:
		return nil
	case o.Err != nil:
		return o.Err
	default:
		return errors.Errorf("endpoint answered HTTP %d: %s", o.StatusCode, strings.TrimSpace(o.Body))
	}
}

// Client sends batches with a single attempt per call. Retrying is left to
// the scheduler's cadence.
type Client struct {
	httpClient *http.Client
	authScheme string
	timeout    time.Duration
}

// Options tune a Client.
type Options struct {
	HTTPClient *http.Client
	AuthScheme string
	Timeout    time.Duration
}

// New builds a delivery client, filling in defaults.
func New(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if strings.TrimSpace(opts.AuthScheme) == "" {
		opts.AuthScheme = DefaultAuthScheme
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Client{
		httpClient: opts.HTTPClient,
		authScheme: strings.TrimSpace(opts.AuthScheme),
		timeout:    opts.Timeout,
	}
}

// Deliver encodes records as a JSON array and POSTs it to endpoint. The
// Authorization header is only sent when token is non-empty.
func (c *Client) Deliver(ctx context.Context, records any, endpoint, token string) Outcome {
	body, err := json.Marshal(records)
	if err != nil {
		return c.failed(errors.Wrap(err, "encode records"))
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return c.failed(errors.Wrap(err, "build delivery request"))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token = strings.TrimSpace(token); token != "" {
		req.Header.Set("Authorization", c.authScheme+" "+token)
	}

	log.Debug().
		Str("method", http.MethodPost).
		Str("url", endpoint).
		Int("bytes", len(body)).
		Bool("authorized", token != "").
		Msg("delivery request")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.failed(errors.Wrap(err, "post records"))
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	metrics.DeliveryResponses.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	out := Outcome{
		Success:    resp.StatusCode == http.StatusOK,
		StatusCode: resp.StatusCode,
		Body:       string(raw),
	}
	log.Info().
		Str("url", endpoint).
		Int("http_status", resp.StatusCode).
		Bool("success", out.Success).
		Msg("delivery response")
	return out
}

func (c *Client) failed(err error) Outcome {
	metrics.DeliveryResponses.WithLabelValues("error").Inc()
	return Outcome{Err: err}
}
