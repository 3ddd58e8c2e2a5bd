package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/datafund/swarm-connect-sub000/access"
	"github.com/datafund/swarm-connect-sub000/audit"
	"github.com/datafund/swarm-connect-sub000/config"
	"github.com/datafund/swarm-connect-sub000/facilitator"
	"github.com/datafund/swarm-connect-sub000/gateway"
	"github.com/datafund/swarm-connect-sub000/handlers"
	"github.com/datafund/swarm-connect-sub000/preflight"
	"github.com/datafund/swarm-connect-sub000/pricing"
	"github.com/datafund/swarm-connect-sub000/ratelimit"
	"github.com/datafund/swarm-connect-sub000/swarm"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("gateway exited")
	}
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	node := swarm.NewClient(cfg.Swarm.APIURL, time.Duration(cfg.Swarm.TimeoutSeconds)*time.Second, log)
	quoter := pricing.NewQuoter(node, pricing.Config{
		BzzUSDRate:    cfg.X402.BzzUSDRate,
		MarkupPercent: cfg.X402.MarkupPercent,
		MinPriceUSD:   cfg.X402.MinPriceUSD,
	}, log)

	auditLog := audit.New(cfg.X402.AuditLogPath, log)
	accessCtl := access.NewController(cfg.X402.BlocklistIPs, cfg.X402.AllowlistIPs, log)

	// Paid requests are limited per minute; the free tier works through its
	// stricter hourly allowance.
	paidLimiter := ratelimit.New(cfg.X402.RateLimitPerIP, time.Minute, log)
	var freeLimiter *ratelimit.Limiter
	if cfg.X402.FreeTierEnabled {
		freeLimiter = ratelimit.New(cfg.X402.FreeTierRateLimit, time.Hour, log)
	}

	gw := gateway.New(gateway.Config{
		Enabled:      cfg.X402.Enabled,
		Network:      cfg.X402.Network,
		PayToAddress: cfg.X402.PayToAddress,
	}, gateway.Deps{
		Quoter:      quoter,
		Facilitator: facilitator.NewClient(cfg.X402.FacilitatorURL, 0),
		Access:      accessCtl,
		PaidLimiter: paidLimiter,
		FreeLimiter: freeLimiter,
		Audit:       auditLog,
		Log:         log,
	})

	var gas *preflight.GasChecker
	if cfg.Preflight.BaseRPCURL != "" && cfg.X402.PayToAddress != "" {
		gas = preflight.NewGasChecker(cfg.Preflight.BaseRPCURL, cfg.X402.PayToAddress,
			cfg.Preflight.BaseETHWarnThreshold, log)
	}
	checker := preflight.NewChecker(node, gas, preflight.Thresholds{
		XBZZ:       cfg.Preflight.XBZZWarnThreshold,
		XDAI:       cfg.Preflight.XDAIWarnThreshold,
		Chequebook: cfg.Preflight.ChequebookWarnThreshold,
	}, log)

	if cfg.X402.Enabled {
		report := checker.Run(ctx)
		if !report.CanAcceptPayments {
			log.Warn().Interface("checks", report.Checks).Msg("node not fully funded, payments may fail downstream")
		}
	}

	server := handlers.NewServer(cfg, handlers.Deps{
		Node:        node,
		Quoter:      quoter,
		Gateway:     gw,
		Audit:       auditLog,
		Access:      accessCtl,
		PaidLimiter: paidLimiter,
		FreeLimiter: freeLimiter,
		Preflight:   checker,
		Log:         log,
	})
	return server.Run(ctx)
}
