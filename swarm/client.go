// Package swarm wraps the HTTP API of an upstream Swarm Bee node: chain
// state, postage stamps, wallet and chequebook queries, and raw data
// transfer. The chain-state endpoint doubles as the price oracle consumed
// by the pricing package.
package swarm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// ErrNotFound reports that the requested resource does not exist on the
// network.
var ErrNotFound = errors.New("swarm: not found")

// Per-operation timeout tiers. Stamp purchases and topups wait for on-chain
// confirmation and data transfers move real payloads, so they must not be
// capped by the short query timeout. The http.Client carries no global
// Timeout; each call derives its own deadline.
const (
	defaultQueryTimeout = 10 * time.Second
	purchaseTimeout     = 120 * time.Second
	transferTimeout     = 60 * time.Second
)

// Client talks to a single Bee node.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	queryTimeout time.Duration
	log          zerolog.Logger
}

// NewClient builds a client for the Bee node at baseURL. The queryTimeout
// bounds read queries (chainstate, stamps, wallet); purchase, topup and
// data transfer use their own longer tiers.
func NewClient(baseURL string, queryTimeout time.Duration, log zerolog.Logger) *Client {
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{},
		queryTimeout: queryTimeout,
		log:          log,
	}
}

func (c *Client) url(path string) string {
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("request %s: %w", path, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request %s: unexpected status code %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("request %s: unexpected status code %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

// Chainstate is the node's view of the postage contract chain state.
type Chainstate struct {
	ChainTip     int64       `json:"chainTip"`
	Block        int64       `json:"block"`
	TotalAmount  json.Number `json:"totalAmount"`
	CurrentPrice json.Number `json:"currentPrice"`
}

// Chainstate fetches the current chain state, including the storage price
// per chunk per block.
func (c *Client) Chainstate(ctx context.Context) (*Chainstate, error) {
	var state Chainstate
	if err := c.getJSON(ctx, "chainstate", &state); err != nil {
		return nil, err
	}
	if state.CurrentPrice == "" {
		return nil, fmt.Errorf("chainstate response missing currentPrice")
	}
	return &state, nil
}

// CurrentPrice implements pricing.Oracle.
func (c *Client) CurrentPrice(ctx context.Context) (int64, error) {
	state, err := c.Chainstate(ctx)
	if err != nil {
		return 0, err
	}
	price, err := state.CurrentPrice.Int64()
	if err != nil {
		return 0, fmt.Errorf("parse currentPrice %q: %w", state.CurrentPrice, err)
	}
	return price, nil
}

// WalletInfo is the node wallet state on the Gnosis chain.
type WalletInfo struct {
	WalletAddress      string      `json:"walletAddress"`
	BzzBalance         json.Number `json:"bzzBalance"`
	NativeTokenBalance json.Number `json:"nativeTokenBalance"`
	ChainID            int64       `json:"chainID"`
}

// Wallet fetches wallet address and balances.
func (c *Client) Wallet(ctx context.Context) (*WalletInfo, error) {
	var info WalletInfo
	if err := c.getJSON(ctx, "wallet", &info); err != nil {
		return nil, err
	}
	if info.WalletAddress == "" {
		return nil, fmt.Errorf("wallet response missing walletAddress")
	}
	return &info, nil
}

// ChequebookBalance is the bandwidth chequebook funding state.
type ChequebookBalance struct {
	TotalBalance     json.Number `json:"totalBalance"`
	AvailableBalance json.Number `json:"availableBalance"`
}

// ChequebookBalance fetches the chequebook balances.
func (c *Client) ChequebookBalance(ctx context.Context) (*ChequebookBalance, error) {
	var balance ChequebookBalance
	if err := c.getJSON(ctx, "chequebook/balance", &balance); err != nil {
		return nil, err
	}
	if balance.AvailableBalance == "" {
		return nil, fmt.Errorf("chequebook response missing availableBalance")
	}
	return &balance, nil
}

// ChequebookInfo combines the chequebook address with its balances.
type ChequebookInfo struct {
	ChequebookAddress string      `json:"chequebookAddress"`
	TotalBalance      json.Number `json:"totalBalance"`
	AvailableBalance  json.Number `json:"availableBalance"`
}

// Chequebook fetches the chequebook address and balances.
func (c *Client) Chequebook(ctx context.Context) (*ChequebookInfo, error) {
	var addr struct {
		ChequebookAddress string `json:"chequebookAddress"`
	}
	if err := c.getJSON(ctx, "chequebook/address", &addr); err != nil {
		return nil, err
	}
	if addr.ChequebookAddress == "" {
		return nil, fmt.Errorf("chequebook response missing chequebookAddress")
	}
	balance, err := c.ChequebookBalance(ctx)
	if err != nil {
		return nil, err
	}
	return &ChequebookInfo{
		ChequebookAddress: addr.ChequebookAddress,
		TotalBalance:      balance.TotalBalance,
		AvailableBalance:  balance.AvailableBalance,
	}, nil
}
