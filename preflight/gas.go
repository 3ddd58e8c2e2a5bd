package preflight

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const (
	// gasCacheTTL bounds how often the settlement chain is queried; public
	// RPC providers rate-limit aggressively and the balance moves slowly.
	gasCacheTTL = 60 * time.Second

	gasQueryTimeout = 10 * time.Second

	gasCheckName = "settlement_gas_balance"
)

var weiPerETH = new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// GasChecker watches the payee wallet's native balance on the settlement
// chain. Moving USDC burns that balance as gas, so an empty wallet means
// settlements start failing even though verification still succeeds.
type GasChecker struct {
	rpcURL    string
	wallet    common.Address
	threshold float64
	log       zerolog.Logger

	mu        sync.Mutex
	cached    *Check
	fetchedAt time.Time
}

func NewGasChecker(rpcURL, wallet string, threshold float64, log zerolog.Logger) *GasChecker {
	return &GasChecker{
		rpcURL:    rpcURL,
		wallet:    common.HexToAddress(wallet),
		threshold: threshold,
		log:       log,
	}
}

// Check returns the balance check, refreshing the cached value at most once
// per minute. Failed reads are not cached so recovery shows up immediately.
func (g *GasChecker) Check(ctx context.Context) Check {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cached != nil && time.Since(g.fetchedAt) < gasCacheTTL {
		return *g.cached
	}
	check := g.fetch(ctx)
	if check.Status != "error" {
		g.cached = &check
		g.fetchedAt = time.Now()
	}
	return check
}

func (g *GasChecker) fetch(ctx context.Context) Check {
	ctx, cancel := context.WithTimeout(ctx, gasQueryTimeout)
	defer cancel()

	client, err := ethclient.DialContext(ctx, g.rpcURL)
	if err != nil {
		g.log.Error().Err(err).Str("rpc_url", g.rpcURL).Msg("preflight: settlement chain dial failed")
		return errorCheck(gasCheckName, "ETH", err)
	}
	defer client.Close()

	wei, err := client.BalanceAt(ctx, g.wallet, nil)
	if err != nil {
		g.log.Error().Err(err).Str("wallet", g.wallet.Hex()).Msg("preflight: settlement gas query failed")
		return errorCheck(gasCheckName, "ETH", err)
	}
	return gradeBalance(gasCheckName, "ETH", wei, weiPerETH, g.threshold)
}
