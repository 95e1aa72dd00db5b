// Package runapi is the HTTP client for the run control plane: authoritative
// status lookups and best-effort stop requests. The core depends only on the
// shape of these two endpoints.
package runapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"

	"runwatch/internal/domain"
	"runwatch/internal/infra/config"
	"runwatch/internal/infra/tracer"
)

// maxResponseBody bounds what we read from the control plane.
const maxResponseBody = 1 * 1024 * 1024

// Default circuit breaker settings for status lookups. Ambiguous-close
// resolution must fail fast when the backend is down instead of stacking
// blocked lookups.
const (
	defaultCBMaxFailures uint32 = 5
	defaultCBTimeout            = 30 * time.Second
	defaultCBInterval           = 60 * time.Second
)

// StatusResult is the decoded status lookup response.
type StatusResult struct {
	Status domain.RunStatus `json:"status"`
	Error  string           `json:"error,omitempty"`
}

// Client talks to the run control plane. Status lookups are routed through a
// circuit breaker; Stop is best-effort and never trips it.
type Client struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[StatusResult]
	logger  *slog.Logger
}

// New creates a control plane client with pooled transport and breaker
// defaults suitable for low-volume control traffic.
func New(cfg config.APIConfig, logger *slog.Logger) *Client {
	connTimeout := cfg.ConnTimeout
	if connTimeout <= 0 {
		connTimeout = 10 * time.Second
	}
	respTimeout := cfg.RespTimeout
	if respTimeout <= 0 {
		respTimeout = 15 * time.Second
	}

	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	cbTimeout := cfg.BreakerTimeout
	if cbTimeout <= 0 {
		cbTimeout = defaultCBTimeout
	}
	cbInterval := cfg.BreakerInterval
	if cbInterval <= 0 {
		cbInterval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[StatusResult](gobreaker.Settings{
		Name:        "runapi",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    cbInterval,
		Timeout:     cbTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// A not-found answer is authoritative, not a backend failure.
			return err == nil || errors.Is(err, domain.ErrNotFound)
		},
	})

	return &Client{
		baseURL: cfg.BaseURL,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   connTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: respTimeout,
				MaxIdleConns:          5,
				IdleConnTimeout:       120 * time.Second,
				ForceAttemptHTTP2:     true,
			},
			Timeout: connTimeout + respTimeout,
		},
		breaker: cb,
		logger:  logger,
	}
}

// Status fetches the authoritative backend status for a run.
// Returns domain.ErrRunNotFound when the backend no longer knows the run.
func (c *Client) Status(ctx context.Context, runID string) (domain.RunStatus, error) {
	ctx, span := tracer.StartSpan(ctx, "runapi.status",
		trace.WithAttributes(tracer.StringAttr("run.id", runID)),
	)
	defer span.End()

	result, err := c.breaker.Execute(func() (StatusResult, error) {
		return c.fetchStatus(ctx, runID)
	})
	if err != nil {
		tracer.RecordError(span, err)
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return "", fmt.Errorf("runapi circuit open: %w", err)
		}
		return "", err
	}
	if result.Error != "" {
		c.logger.Debug("run status carried error detail", "run_id", runID, "error", result.Error)
	}

	tracer.SetOK(span)
	return result.Status, nil
}

func (c *Client) fetchStatus(ctx context.Context, runID string) (StatusResult, error) {
	endpoint := fmt.Sprintf("%s/runs/%s/status", c.baseURL, url.PathEscape(runID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return StatusResult{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return StatusResult{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return StatusResult{}, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return StatusResult{}, domain.NewDomainError("runapi.Status", domain.ErrRunNotFound, runID)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return StatusResult{}, domain.NewDomainError("runapi.Status", domain.ErrAuthInvalid, runID)
	case resp.StatusCode == http.StatusTooManyRequests:
		return StatusResult{}, domain.NewDomainError("runapi.Status", domain.ErrRateLimit, runID)
	case resp.StatusCode != http.StatusOK:
		return StatusResult{}, fmt.Errorf("status lookup: API error %d: %s", resp.StatusCode, body)
	}

	var result StatusResult
	if err := json.Unmarshal(body, &result); err != nil {
		return StatusResult{}, fmt.Errorf("unmarshal status: %w", err)
	}
	return result, nil
}

// Stop requests the backend stop a run. Best-effort: callers finalize locally
// regardless of the outcome, so a network failure here must not hang the
// consumer.
func (c *Client) Stop(ctx context.Context, runID string) error {
	ctx, span := tracer.StartSpan(ctx, "runapi.stop",
		trace.WithAttributes(tracer.StringAttr("run.id", runID)),
	)
	defer span.End()

	endpoint := fmt.Sprintf("%s/runs/%s/stop", c.baseURL, url.PathEscape(runID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		tracer.RecordError(span, err)
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		tracer.RecordError(span, err)
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("stop run: API error %d", resp.StatusCode)
		tracer.RecordError(span, err)
		return err
	}

	tracer.SetOK(span)
	return nil
}

// BreakerState returns the current circuit breaker state for monitoring.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}
