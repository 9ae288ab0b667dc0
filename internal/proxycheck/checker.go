// Package proxycheck verifies that an upstream proxy is reachable and
// measures its round-trip latency against a known probe URL.
package proxycheck

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"autopost-engine/internal/models"
)

// Outcome is the result of one proxy probe.
type Outcome struct {
	Alive     bool
	LatencyMS int
	Detail    string
}

// Checker probes proxies over HTTP.
type Checker struct {
	probeURL string
	timeout  time.Duration
	logger   *zap.Logger
}

// New builds a checker that hits probeURL through each proxy.
func New(probeURL string, timeout time.Duration, logger *zap.Logger) *Checker {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{probeURL: probeURL, timeout: timeout, logger: logger}
}

// ProxyURL renders the proxy's connection URL, with credentials when set.
func ProxyURL(p models.Proxy) *url.URL {
	u := &url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
	}
	if p.Username != nil && *p.Username != "" {
		if p.Password != nil {
			u.User = url.UserPassword(*p.Username, *p.Password)
		} else {
			u.User = url.User(*p.Username)
		}
	}
	return u
}

// Check routes one request through the proxy and measures the round trip.
// A dead proxy is an Outcome, not an error; errors are reserved for bad input.
func (c *Checker) Check(ctx context.Context, p models.Proxy) (Outcome, error) {
	if p.Host == "" || p.Port <= 0 {
		return Outcome{}, fmt.Errorf("proxy %s has no usable address", p.ID)
	}

	transport := &http.Transport{
		Proxy:             http.ProxyURL(ProxyURL(p)),
		DisableKeepAlives: true,
	}
	client := &http.Client{Transport: transport, Timeout: c.timeout}
	defer transport.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.probeURL, nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("build probe request: %w", err)
	}

	started := time.Now()
	resp, err := client.Do(req)
	latency := int(time.Since(started).Milliseconds())
	if err != nil {
		c.logger.Debug("proxy probe failed", zap.String("proxy", p.ID), zap.Error(err))
		return Outcome{Alive: false, LatencyMS: latency, Detail: err.Error()}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return Outcome{
			Alive:     false,
			LatencyMS: latency,
			Detail:    fmt.Sprintf("probe returned status %d", resp.StatusCode),
		}, nil
	}
	return Outcome{Alive: true, LatencyMS: latency}, nil
}
