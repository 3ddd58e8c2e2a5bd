// Package preflight checks whether the gateway is funded well enough to
// deliver what customers pay for: xBZZ for postage, xDAI for Gnosis gas, a
// funded chequebook for bandwidth, and native balance on the settlement
// chain so USDC transfers never stall for lack of gas.
package preflight

import (
	"context"
	"fmt"
	"math/big"

	"github.com/rs/zerolog"

	"github.com/datafund/swarm-connect-sub000/swarm"
)

var (
	// weiPerPlur scales: 1 BZZ = 10^16 PLUR, 1 xDAI = 10^18 wei.
	plurPerBZZ = new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil))
	weiPerXDAI = new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
)

// Thresholds are the minimum balances below which a check degrades to a
// warning. Zero balances always fail.
type Thresholds struct {
	XBZZ       float64
	XDAI       float64
	Chequebook float64
}

// Check is one balance check result.
type Check struct {
	Name    string  `json:"name"`
	Status  string  `json:"status"` // ok, warning, error
	Balance float64 `json:"balance"`
	Unit    string  `json:"unit"`
	Message string  `json:"message,omitempty"`
}

// Report aggregates the individual checks.
type Report struct {
	CanAcceptPayments bool    `json:"can_accept_payments"`
	WalletAddress     string  `json:"wallet_address,omitempty"`
	Checks            []Check `json:"checks"`
}

// Checker runs balance preflight against a node. A nil gas checker skips
// the settlement-chain check.
type Checker struct {
	node       *swarm.Client
	gas        *GasChecker
	thresholds Thresholds
	log        zerolog.Logger
}

func NewChecker(node *swarm.Client, gas *GasChecker, thresholds Thresholds, log zerolog.Logger) *Checker {
	return &Checker{node: node, gas: gas, thresholds: thresholds, log: log}
}

// Run performs all checks. Errors talking to the node become failed checks
// rather than a failed call, so the report always renders.
func (c *Checker) Run(ctx context.Context) *Report {
	report := &Report{}

	wallet, err := c.node.Wallet(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("preflight: wallet query failed")
		report.Checks = append(report.Checks,
			errorCheck("xbzz_balance", "xBZZ", err),
			errorCheck("xdai_balance", "xDAI", err),
		)
	} else {
		report.WalletAddress = wallet.WalletAddress
		report.Checks = append(report.Checks,
			balanceCheck("xbzz_balance", "xBZZ", wallet.BzzBalance.String(), plurPerBZZ, c.thresholds.XBZZ),
			balanceCheck("xdai_balance", "xDAI", wallet.NativeTokenBalance.String(), weiPerXDAI, c.thresholds.XDAI),
		)
	}

	cheq, err := c.node.ChequebookBalance(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("preflight: chequebook query failed")
		report.Checks = append(report.Checks, errorCheck("chequebook_balance", "xBZZ", err))
	} else {
		report.Checks = append(report.Checks,
			balanceCheck("chequebook_balance", "xBZZ", cheq.AvailableBalance.String(), plurPerBZZ, c.thresholds.Chequebook))
	}

	if c.gas != nil {
		report.Checks = append(report.Checks, c.gas.Check(ctx))
	}

	report.CanAcceptPayments = true
	for _, check := range report.Checks {
		if check.Status == "error" {
			report.CanAcceptPayments = false
		}
	}
	return report
}

// balanceCheck converts a raw atomic balance string into display units and
// grades it: zero (or unparseable) is an error, below threshold a warning.
func balanceCheck(name, unit, raw string, scale *big.Rat, threshold float64) Check {
	atomic, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return Check{
			Name:    name,
			Status:  "error",
			Unit:    unit,
			Message: fmt.Sprintf("unparseable balance %q", raw),
		}
	}
	return gradeBalance(name, unit, atomic, scale, threshold)
}

// gradeBalance converts an atomic balance into display units and grades it:
// zero is an error, below threshold a warning.
func gradeBalance(name, unit string, atomic *big.Int, scale *big.Rat, threshold float64) Check {
	value := new(big.Rat).SetInt(atomic)
	value.Quo(value, scale)
	balance, _ := value.Float64()

	check := Check{Name: name, Status: "ok", Balance: balance, Unit: unit}
	switch {
	case atomic.Sign() <= 0:
		check.Status = "error"
		check.Message = fmt.Sprintf("no %s available", unit)
	case balance < threshold:
		check.Status = "warning"
		check.Message = fmt.Sprintf("balance %.4f %s below threshold %.4f", balance, unit, threshold)
	}
	return check
}

func errorCheck(name, unit string, err error) Check {
	return Check{Name: name, Status: "error", Unit: unit, Message: err.Error()}
}
