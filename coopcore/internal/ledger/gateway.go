package ledger

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
)

type GatewayConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// GatewayBackend talks to a ledger REST gateway:
//
//	POST {base}/channels/{channel}/chaincodes/{chaincode}/invoke
//	POST {base}/channels/{channel}/chaincodes/{chaincode}/query
//
// Both take {"function": ..., "args": [...]}. 4xx responses are permanent
// rejections; 5xx responses and network errors are transient. Retrying is
// left to the Client.
type GatewayBackend struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewGatewayBackend(cfg GatewayConfig) (*GatewayBackend, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ledger gateway base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &GatewayBackend{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  client,
	}, nil
}

type gatewayRequest struct {
	Function string   `json:"function"`
	Args     []string `json:"args"`
}

// Invoke implements Backend.
func (g *GatewayBackend) Invoke(ctx context.Context, channel, chaincode, function string, args []string) (TxReceipt, error) {
	body, err := g.do(ctx, channel, chaincode, "invoke", function, args)
	if err != nil {
		return TxReceipt{}, err
	}
	var tx TxReceipt
	if err := json.Unmarshal(body, &tx); err != nil {
		return TxReceipt{}, fmt.Errorf("ledger gateway decode receipt: %w", err)
	}
	if tx.TxID == "" {
		return TxReceipt{}, fmt.Errorf("ledger gateway returned empty tx id")
	}
	return tx, nil
}

// Query implements Backend.
func (g *GatewayBackend) Query(ctx context.Context, channel, chaincode, function string, args []string) ([]byte, error) {
	return g.do(ctx, channel, chaincode, "query", function, args)
}

func (g *GatewayBackend) do(ctx context.Context, channel, chaincode, verb, function string, args []string) ([]byte, error) {
	payload, err := json.Marshal(gatewayRequest{Function: function, Args: args})
	if err != nil {
		return nil, fmt.Errorf("ledger gateway marshal request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/channels/%s/chaincodes/%s/%s", g.baseURL, url.PathEscape(channel), url.PathEscape(chaincode), verb)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("ledger gateway build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledger gateway %s %s: %w", verb, function, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("ledger gateway read response: %w", err)
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("ledger gateway unavailable: %s", resp.Status)
	case resp.StatusCode >= 400:
		return nil, rejectedf("%s %s: %s: %s", verb, function, resp.Status, strings.TrimSpace(string(body)))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("ledger gateway unexpected status: %s", resp.Status)
	}
	return body, nil
}
