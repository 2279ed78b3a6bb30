// Anchorlog - Tamper-Evident Log Ingestion with Merkle Anchoring
// Copyright 2026 Anchorlog Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/anchorlog/anchorlog

package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/anchorlog/anchorlog/internal/logging"
)

// HTTPConfig holds HTTP ledger client configuration.
type HTTPConfig struct {
	// BaseURL is the ledger service root, e.g. https://ledger.internal:8443.
	BaseURL string `koanf:"base_url"`

	// APIKey is sent as a bearer token when non-empty.
	APIKey string `koanf:"api_key"`

	// Timeout bounds each ledger request.
	Timeout time.Duration `koanf:"timeout"`

	// RateLimit caps outbound requests per second; RateBurst is the bucket
	// size. Zero RateLimit disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`

	// BreakerTimeout is how long the circuit stays open before probing.
	BreakerTimeout time.Duration `koanf:"breaker_timeout"`
}

// DefaultHTTPConfig returns client defaults tuned for a ledger that is slow
// but authoritative.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:        30 * time.Second,
		RateLimit:      10,
		RateBurst:      5,
		BreakerTimeout: time.Minute,
	}
}

// Validate checks that the configuration is usable.
func (c *HTTPConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.New("ledger config error: BaseURL is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("ledger config error: BaseURL: %w", err)
	}
	if c.Timeout <= 0 {
		return errors.New("ledger config error: Timeout must be positive")
	}
	return nil
}

// HTTPLedger talks to an anchoring service over HTTP. Calls are rate
// limited and wrapped in a circuit breaker so a struggling ledger sheds
// load instead of stacking timeouts.
type HTTPLedger struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[[]byte]
}

var _ Ledger = (*HTTPLedger)(nil)

// NewHTTPLedger builds the client. The circuit opens after a 60% failure
// rate over at least 5 requests and probes again after BreakerTimeout.
func NewHTTPLedger(cfg HTTPConfig) (*HTTPLedger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "ledger",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		// A missing anchor is a well-formed answer from a healthy ledger;
		// repeated lookups of unknown batch IDs must not open the circuit.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("ledger circuit breaker state change")
			metricBreakerState.Set(breakerStateValue(to))
		},
	})

	return &HTTPLedger{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		cb:      cb,
	}, nil
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// Anchor commits a batch root via POST /api/v1/anchors.
func (l *HTTPLedger) Anchor(ctx context.Context, req *AnchorRequest) (string, error) {
	body, err := l.do(ctx, http.MethodPost, "/api/v1/anchors", req)
	if err != nil {
		return "", err
	}
	return decodeRef(body)
}

// AnchorRecord commits a single record hash via POST /api/v1/anchors/records.
func (l *HTTPLedger) AnchorRecord(ctx context.Context, req *RecordAnchorRequest) (string, error) {
	body, err := l.do(ctx, http.MethodPost, "/api/v1/anchors/records", req)
	if err != nil {
		return "", err
	}
	return decodeRef(body)
}

// FetchAnchored retrieves a stored commitment via GET /api/v1/anchors/{id}.
func (l *HTTPLedger) FetchAnchored(ctx context.Context, batchID string) (*AnchoredBatch, error) {
	body, err := l.do(ctx, http.MethodGet, "/api/v1/anchors/"+url.PathEscape(batchID), nil)
	if err != nil {
		return nil, err
	}
	var anchored AnchoredBatch
	if err := json.Unmarshal(body, &anchored); err != nil {
		return nil, fmt.Errorf("decode ledger anchor response: %w", err)
	}
	return &anchored, nil
}

func decodeRef(body []byte) (string, error) {
	var resp struct {
		LedgerRef string `json:"ledger_ref"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode ledger anchor response: %w", err)
	}
	if resp.LedgerRef == "" {
		return "", errors.New("ledger: anchor response missing ledger_ref")
	}
	return resp.LedgerRef, nil
}

// do runs one request through the rate limiter and circuit breaker.
func (l *HTTPLedger) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limiter: %v", ErrUnavailable, err)
		}
	}

	start := time.Now()
	body, err := l.cb.Execute(func() ([]byte, error) {
		return l.roundTrip(ctx, method, path, payload)
	})
	metricRequestDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metricRequests.WithLabelValues("rejected").Inc()
			return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		if errors.Is(err, ErrNotFound) {
			metricRequests.WithLabelValues("not_found").Inc()
			return nil, err
		}
		metricRequests.WithLabelValues("failure").Inc()
		return nil, err
	}
	metricRequests.WithLabelValues("success").Inc()
	return body, nil
}

func (l *HTTPLedger) roundTrip(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode ledger request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(l.cfg.BaseURL, "/")+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build ledger request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if l.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.cfg.APIKey)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	default:
		return nil, fmt.Errorf("%w: ledger returned %d: %s", ErrUnavailable, resp.StatusCode, truncate(string(body), 256))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
