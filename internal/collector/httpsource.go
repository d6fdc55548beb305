// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/mindex-io/mindex/internal/logging"
)

const (
	userAgent = "mindex/1.0 (https://github.com/mindex-io/mindex)"

	// rateLimitBackoff is how long a source sits out after an upstream 429
	// before its fetch returns an empty batch.
	rateLimitBackoff = 60 * time.Second

	// maxResponseBytes caps upstream bodies; the largest well-behaved feed
	// (OpenSky global state vectors) stays well under this.
	maxResponseBytes = 64 << 20
)

var (
	errRateLimited = errors.New("rate limited by upstream")

	// errAuth marks 401/403 responses. Non-retryable for the source; the
	// orchestrator keeps the collector registered but the run fails.
	errAuth = errors.New("upstream rejected credentials")
)

// httpSource is the HTTP plumbing shared by the concrete collectors: a
// timeout-bounded client, a politeness rate limiter, and uniform status
// handling.
type httpSource struct {
	client  *http.Client
	limiter *rate.Limiter
	name    string

	// authorize adds source-specific credentials to a request. Optional.
	authorize func(*http.Request)
}

func newHTTPSource(name string, timeout time.Duration, rps float64) *httpSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if rps <= 0 {
		rps = 1
	}
	return &httpSource{
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		name:    name,
	}
}

// getJSON fetches a URL and decodes the body into out. 429 responses sleep
// out the rate-limit window and return errRateLimited so the caller can
// yield an empty batch.
func (s *httpSource) getJSON(ctx context.Context, url string, out interface{}) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if s.authorize != nil {
		s.authorize(req)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		logging.Warn().
			Str("collector", s.name).
			Dur("backoff", rateLimitBackoff).
			Msg("upstream rate limit, backing off")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rateLimitBackoff):
		}
		return errRateLimited
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", errAuth, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", s.name, err)
	}
	return nil
}

// close releases idle connections.
func (s *httpSource) close() {
	s.client.CloseIdleConnections()
}

// asFloat coerces the numeric shapes JSON decoding produces.
func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
