package gateway

import (
	"github.com/datafund/swarm-connect-sub000/pricing"
	"github.com/datafund/swarm-connect-sub000/types"
)

// zeroAddress substitutes for a missing payee or unknown asset so the 402
// body stays structurally valid; payments to it cannot verify, which is the
// correct failure mode for a misconfigured gateway.
const zeroAddress = "0x0000000000000000000000000000000000000000"

// usdcAssets maps supported settlement networks to their USDC contract.
var usdcAssets = map[string]string{
	"base":         "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	"base-sepolia": "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
}

// requirements derives the advertised payment requirements from a quote and
// the static network configuration.
func (g *Gateway) requirements(quote *pricing.Quote, resource string) types.PaymentRequirements {
	payTo := g.cfg.PayToAddress
	if payTo == "" {
		g.log.Warn().Msg("no pay_to_address configured, advertising zero address")
		payTo = zeroAddress
	}
	asset, ok := usdcAssets[g.cfg.Network]
	if !ok {
		g.log.Warn().Str("network", g.cfg.Network).Msg("no known settlement asset for network")
		asset = zeroAddress
	}
	return types.PaymentRequirements{
		Scheme:            "exact",
		Network:           g.cfg.Network,
		MaxAmountRequired: quote.AtomicAmount(),
		Resource:          resource,
		Description:       quote.Description,
		MimeType:          "application/json",
		PayTo:             payTo,
		MaxTimeoutSeconds: g.cfg.MaxTimeoutSeconds,
		Asset:             asset,
	}
}
