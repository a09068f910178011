// Package simbridge drives one simulator actor through an HTTP bridge and
// receives its sensor frames from Kafka.
package simbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ILLUVRSE/coopdrive/coopcore/internal/ledger"
	"github.com/ILLUVRSE/coopdrive/coopcore/internal/orchestrator"
)

type Config struct {
	BaseURL string
	ActorID string
	// Timeout bounds one HTTP call. Defaults to 2s.
	Timeout time.Duration
	// Retries for idempotent reads. Defaults to 0.
	Retries    int
	HTTPClient *http.Client
	// Frames, when set, is read by Subscribe.
	Frames FrameSource
}

// Client implements orchestrator.Simulator for one actor.
type Client struct {
	baseURL string
	actor   string
	client  *http.Client
	timeout time.Duration
	retries int
	frames  FrameSource
}

var _ orchestrator.Simulator = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("simbridge base url required")
	}
	if cfg.ActorID == "" {
		return nil, fmt.Errorf("simbridge actor id required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		actor:   cfg.ActorID,
		client:  client,
		timeout: timeout,
		retries: retries,
		frames:  cfg.Frames,
	}, nil
}

func (c *Client) Position(ctx context.Context) (ledger.Position, error) {
	var p ledger.Position
	err := c.get(ctx, "location", &p)
	return p, err
}

func (c *Client) Velocity(ctx context.Context) (ledger.Position, error) {
	var v ledger.Position
	err := c.get(ctx, "velocity", &v)
	return v, err
}

// ApplyAction is sent once; control commands are not retried.
func (c *Client) ApplyAction(ctx context.Context, a ledger.Action) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("simbridge marshal control: %w", err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.actorURL("control"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("simbridge build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("simbridge control: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("simbridge control rejected: %s", resp.Status)
	}
	return nil
}

func (c *Client) get(ctx context.Context, what string, out interface{}) error {
	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.actorURL(what), nil)
		if err != nil {
			cancel()
			return fmt.Errorf("simbridge build request: %w", err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			lastErr = decode(resp, out)
			resp.Body.Close()
			if lastErr == nil {
				cancel()
				return nil
			}
		}
		cancel()
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 50 * time.Millisecond)
		}
	}
	return fmt.Errorf("simbridge %s: %w", what, lastErr)
}

func decode(resp *http.Response, out interface{}) error {
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) actorURL(what string) string {
	return c.baseURL + "/actors/" + url.PathEscape(c.actor) + "/" + what
}
