// Package handlers assembles the HTTP surface of the gateway: the
// payment-protected storage endpoints, read-only node queries and the x402
// operations endpoints (audit trail, access lists, rate limits, preflight).
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/datafund/swarm-connect-sub000/access"
	"github.com/datafund/swarm-connect-sub000/audit"
	"github.com/datafund/swarm-connect-sub000/config"
	"github.com/datafund/swarm-connect-sub000/gateway"
	"github.com/datafund/swarm-connect-sub000/preflight"
	"github.com/datafund/swarm-connect-sub000/pricing"
	"github.com/datafund/swarm-connect-sub000/ratelimit"
	"github.com/datafund/swarm-connect-sub000/swarm"
)

// Deps are the components the HTTP layer exposes. Everything is constructed
// by the composition root and injected here.
type Deps struct {
	Node        *swarm.Client
	Quoter      *pricing.Quoter
	Gateway     *gateway.Gateway
	Audit       *audit.Log
	Access      *access.Controller
	PaidLimiter *ratelimit.Limiter
	FreeLimiter *ratelimit.Limiter
	Preflight   *preflight.Checker
	Log         zerolog.Logger
}

// Server hosts the gateway API.
type Server struct {
	cfg  *config.Config
	deps Deps
	log  zerolog.Logger
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	return &Server{cfg: cfg, deps: deps, log: deps.Log}
}

// Router builds the gin engine with the payment middleware installed in
// front of every route.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())
	router.Use(s.deps.Gateway.Middleware())

	router.GET("/health", s.handleHealth)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/stamps", s.handleListStamps)
		v1.POST("/stamps", s.handlePurchaseStamp)
		v1.POST("/stamps/topup/:batchID", s.handleTopupStamp)

		v1.POST("/data", s.handleUpload)
		v1.POST("/data/manifest", s.handleUploadManifest)
		v1.GET("/data/:reference", s.handleDownload)

		v1.GET("/wallet", s.handleWallet)
		v1.GET("/chequebook", s.handleChequebook)

		x402 := v1.Group("/x402")
		{
			x402.GET("/audit", s.handleAuditRead)
			x402.GET("/audit/stats", s.handleAuditStats)
			x402.GET("/access", s.handleAccessStatus)
			x402.GET("/ratelimit", s.handleRateLimitStats)
			x402.GET("/preflight", s.handlePreflight)
		}
	}
	return router
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", srv.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"x402_enabled": s.cfg.X402.Enabled,
	})
}

// upstreamError maps node client failures onto responses: 404 for missing
// resources, 502 for everything else.
func upstreamError(c *gin.Context, err error) {
	if errors.Is(err, swarm.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusBadGateway, gin.H{"error": "storage node error: " + err.Error()})
}
