// Package source is the HTTP client for the remote production-data service.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"oee-monitor/internal/metrics"
	"oee-monitor/internal/shift"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 1 << 20
)

// Option is one entry of a reference-data list (plant, sector, line).
type Option struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Config configures a Client.
type Config struct {
	BaseURL  string
	Tokens   TokenSource
	DeviceID string
	Timeout  time.Duration
	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client talks to the production-data service.
type Client struct {
	base     *url.URL
	tokens   TokenSource
	deviceID string
	http     *http.Client
	logger   *slog.Logger
}

// New validates cfg and creates a client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("source: base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("source: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("source: unsupported scheme %q", base.Scheme)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = StaticToken("")
	}

	return &Client{
		base:     base,
		tokens:   tokens,
		deviceID: cfg.DeviceID,
		http:     hc,
		logger:   logger.With("component", "source"),
	}, nil
}

// ActiveShift returns the line's active shift, or nil when the service
// reports none.
func (c *Client) ActiveShift(ctx context.Context, lineID string) (*shift.Shift, error) {
	const op = "active shift"
	if lineID == "" {
		return nil, &Error{Kind: KindGated, Op: op}
	}
	var resp struct {
		Shift *shift.Shift `json:"shift"`
	}
	if err := c.get(ctx, op, "/api/shifts/active", url.Values{"line": {lineID}}, &resp); err != nil {
		return nil, err
	}
	return resp.Shift, nil
}

// Shifts returns the shift catalog.
func (c *Client) Shifts(ctx context.Context) ([]shift.Shift, error) {
	var resp struct {
		Shifts []shift.Shift `json:"shifts"`
	}
	if err := c.get(ctx, "shifts", "/api/shifts", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Shifts, nil
}

// LiveCounters returns one live-counter sample for the line.
func (c *Client) LiveCounters(ctx context.Context, lineID string) (metrics.RawCounters, error) {
	const op = "live counters"
	if lineID == "" {
		return metrics.RawCounters{}, &Error{Kind: KindGated, Op: op}
	}
	var rc metrics.RawCounters
	if err := c.get(ctx, op, "/api/production/live", url.Values{"line": {lineID}}, &rc); err != nil {
		return metrics.RawCounters{}, err
	}
	return rc, nil
}

// Plants lists the plants.
func (c *Client) Plants(ctx context.Context) ([]Option, error) {
	var resp struct {
		Plants []Option `json:"plants"`
	}
	if err := c.get(ctx, "plants", "/api/plants", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Plants, nil
}

// Sectors lists the sectors of a plant.
func (c *Client) Sectors(ctx context.Context, plantID string) ([]Option, error) {
	const op = "sectors"
	if plantID == "" {
		return nil, &Error{Kind: KindGated, Op: op}
	}
	var resp struct {
		Sectors []Option `json:"sectors"`
	}
	if err := c.get(ctx, op, "/api/sectors", url.Values{"plant": {plantID}}, &resp); err != nil {
		return nil, err
	}
	return resp.Sectors, nil
}

// Lines lists the lines of a sector.
func (c *Client) Lines(ctx context.Context, sectorID string) ([]Option, error) {
	const op = "lines"
	if sectorID == "" {
		return nil, &Error{Kind: KindGated, Op: op}
	}
	var resp struct {
		Lines []Option `json:"lines"`
	}
	if err := c.get(ctx, op, "/api/lines", url.Values{"sector": {sectorID}}, &resp); err != nil {
		return nil, err
	}
	return resp.Lines, nil
}

func (c *Client) get(ctx context.Context, op, path string, query url.Values, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}
	tok, err := c.tokens.Token()
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if c.deviceID != "" {
		req.Header.Set("X-Device-ID", c.deviceID)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()
	c.logger.Debug("request", "op", op, "status", resp.StatusCode, "took", time.Since(start))

	body := io.LimitReader(resp.Body, maxBodyBytes)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(body, 512))
		return &Error{Kind: KindTransient, Op: op, Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(msg)))}
	}
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return &Error{Kind: KindMalformed, Op: op, Err: err}
	}
	return nil
}
