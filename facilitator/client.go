// Package facilitator is the HTTP client for the external x402 facilitator
// service, which verifies and settles payment authorizations. Its
// cryptographic behavior is opaque to the gateway; the client only moves
// requests and responses.
package facilitator

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/datafund/swarm-connect-sub000/types"
)

// defaultTimeout bounds every facilitator call so a slow facilitator fails
// the request instead of hanging it.
const defaultTimeout = 5 * time.Second

// Client calls a single facilitator endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a facilitator client. A non-positive timeout selects the
// default.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) post(ctx context.Context, path string, reqBody, out any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Verify asks the facilitator whether a payment authorization is valid for
// the given requirements.
func (c *Client) Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerifyResponse, error) {
	var verifyResp types.VerifyResponse
	if err := c.post(ctx, "/verify", req, &verifyResp); err != nil {
		return nil, err
	}
	return &verifyResp, nil
}

// Settle asks the facilitator to execute an authorized payment on chain.
func (c *Client) Settle(ctx context.Context, req *types.SettleRequest) (*types.SettleResponse, error) {
	var settleResp types.SettleResponse
	if err := c.post(ctx, "/settle", req, &settleResp); err != nil {
		return nil, err
	}
	return &settleResp, nil
}

// Supported lists the scheme/network pairs the facilitator accepts.
func (c *Client) Supported(ctx context.Context) (*types.SupportedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	var supportedResp types.SupportedResponse
	if err := json.NewDecoder(resp.Body).Decode(&supportedResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &supportedResp, nil
}
