// Package gateway implements the x402 payment middleware that fronts the
// storage API.
//
// Each protected request walks a fixed decision sequence: access
// classification, price quoting, then either the free tier or the paid
// flow (decode, verify, execute, settle). Every decision on the paid path
// is recorded in the audit log. Each terminal branch produces a definite
// response; no collaborator error escapes the middleware.
package gateway

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/datafund/swarm-connect-sub000/access"
	"github.com/datafund/swarm-connect-sub000/audit"
	"github.com/datafund/swarm-connect-sub000/pricing"
	"github.com/datafund/swarm-connect-sub000/ratelimit"
	"github.com/datafund/swarm-connect-sub000/types"
)

const (
	defaultDurationHours = 24
	// The default quote prices the cheapest valid batch; clients wanting a
	// bigger one pass depth explicitly and are quoted accordingly.
	defaultStampDepth = pricing.MinDepth
	defaultUploadSize = 1 << 20
)

type opKind int

const (
	opStamp opKind = iota
	opUpload
)

type endpoint struct {
	method string
	prefix string
	kind   opKind
}

// protectedEndpoints is the fixed set of operations that cost the node
// money and therefore require payment. Matching is by method plus path
// prefix, trailing slash insensitive.
var protectedEndpoints = []endpoint{
	{http.MethodPost, "/api/v1/data/manifest", opUpload},
	{http.MethodPost, "/api/v1/data", opUpload},
	{http.MethodPost, "/api/v1/stamps", opStamp},
}

// Quoter prices a protected operation. Implemented by pricing.Quoter.
type Quoter interface {
	QuoteStampPurchase(ctx context.Context, durationHours, depth int) (*pricing.Quote, error)
	QuoteUpload(ctx context.Context, sizeBytes int64, durationHours int) (*pricing.Quote, error)
}

// Facilitator verifies and settles payments. Implemented by
// facilitator.Client.
type Facilitator interface {
	Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerifyResponse, error)
	Settle(ctx context.Context, req *types.SettleRequest) (*types.SettleResponse, error)
}

// Config is the static payment configuration.
type Config struct {
	Enabled           bool
	Network           string
	PayToAddress      string
	MaxTimeoutSeconds int
}

// Deps are the collaborating components, injected by the composition root.
// FreeLimiter may be nil, which disables the free tier.
type Deps struct {
	Quoter      Quoter
	Facilitator Facilitator
	Access      *access.Controller
	PaidLimiter *ratelimit.Limiter
	FreeLimiter *ratelimit.Limiter
	Audit       *audit.Log
	Log         zerolog.Logger
}

// Gateway is the payment middleware.
type Gateway struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
}

func New(cfg Config, deps Deps) *Gateway {
	if cfg.MaxTimeoutSeconds <= 0 {
		cfg.MaxTimeoutSeconds = 300
	}
	return &Gateway{cfg: cfg, deps: deps, log: deps.Log}
}

func matchEndpoint(method, path string) (endpoint, bool) {
	path = strings.TrimRight(path, "/")
	for _, ep := range protectedEndpoints {
		if method != ep.method {
			continue
		}
		if path == ep.prefix || strings.HasPrefix(path, ep.prefix+"/") {
			return ep, true
		}
	}
	return endpoint{}, false
}

// Middleware returns the gin handler implementing the payment flow.
func (g *Gateway) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.cfg.Enabled {
			c.Next()
			return
		}
		ep, ok := matchEndpoint(c.Request.Method, c.Request.URL.Path)
		if !ok {
			c.Next()
			return
		}

		clientIP := ClientIP(c.Request)
		meta := audit.Meta{ClientIP: clientIP, RequestID: audit.NewRequestID()}
		g.deps.Audit.Record(audit.KindRequestReceived, map[string]any{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
		}, meta)

		switch g.deps.Access.Classify(clientIP) {
		case access.VerdictBlocked:
			g.deps.Audit.Record(audit.KindAccessBlocked, map[string]any{
				"path": c.Request.URL.Path,
			}, meta)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied"})
			return
		case access.VerdictFree:
			g.deps.Audit.Record(audit.KindAccessWhitelisted, map[string]any{
				"path": c.Request.URL.Path,
			}, meta)
			c.Next()
			return
		}

		quote, err := g.quoteFor(c, ep)
		if err != nil {
			g.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("price quote failed")
			g.deps.Audit.Record(audit.KindError, map[string]any{
				"stage": "quote",
				"error": err.Error(),
			}, meta)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "pricing temporarily unavailable",
			})
			return
		}
		g.deps.Audit.Record(audit.KindPriceCalculated, map[string]any{
			"price_usd":       quote.PriceUSD,
			"price_bzz":       quote.PriceBZZ,
			"minimum_applied": quote.MinimumApplied,
			"description":     quote.Description,
		}, meta)

		requirements := g.requirements(quote, c.Request.URL.Path)

		headerValue := c.GetHeader(PaymentHeader)
		if headerValue == "" {
			g.handleUnpaid(c, clientIP, quote, requirements, meta)
			return
		}
		g.handlePaid(c, clientIP, headerValue, requirements, meta)
	}
}

// quoteFor extracts operation parameters from the request and prices it.
// Stamp purchases honor duration_hours and depth query parameters; uploads
// are sized from Content-Length. Missing parameters fall back to defaults.
func (g *Gateway) quoteFor(c *gin.Context, ep endpoint) (*pricing.Quote, error) {
	ctx := c.Request.Context()
	duration := queryInt(c, "duration_hours", defaultDurationHours)

	if ep.kind == opStamp {
		depth := queryInt(c, "depth", defaultStampDepth)
		return g.deps.Quoter.QuoteStampPurchase(ctx, duration, depth)
	}

	size := c.Request.ContentLength
	if size <= 0 {
		size = defaultUploadSize
	}
	return g.deps.Quoter.QuoteUpload(ctx, size, duration)
}

func queryInt(c *gin.Context, name string, fallback int) int {
	if v := c.Query(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// handleUnpaid serves requests without a payment header: the free tier when
// enabled, otherwise a 402 advertising the requirements.
func (g *Gateway) handleUnpaid(c *gin.Context, clientIP string, quote *pricing.Quote, requirements types.PaymentRequirements, meta audit.Meta) {
	if g.deps.FreeLimiter != nil {
		result := g.deps.FreeLimiter.Check(clientIP)
		if result.Allowed {
			g.deps.Audit.Record(audit.KindFreeTierServed, map[string]any{
				"remaining": result.Remaining,
				"limit":     result.Limit,
			}, meta)
			for k, v := range result.Headers() {
				c.Header(k, v)
			}
			c.Header(ModeHeader, "free-tier")
			c.Next()
			return
		}
		g.deps.Audit.Record(audit.KindPaymentRequiredSent, map[string]any{
			"reason":    "free_tier_exhausted",
			"price_usd": quote.PriceUSD,
		}, meta)
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "free tier limit exceeded, include an " + PaymentHeader + " header to continue",
			"payment_info": gin.H{
				"price_usd":           quote.PriceUSD,
				"max_amount_required": requirements.MaxAmountRequired,
				"network":             requirements.Network,
				"pay_to":              requirements.PayTo,
				"asset":               requirements.Asset,
			},
		})
		return
	}

	g.deps.Audit.Record(audit.KindPaymentRequiredSent, map[string]any{
		"price_usd":           quote.PriceUSD,
		"max_amount_required": requirements.MaxAmountRequired,
	}, meta)
	c.AbortWithStatusJSON(http.StatusPaymentRequired, types.PaymentRequiredResponse{
		X402Version: 1,
		Accepts:     []types.PaymentRequirements{requirements},
		Error:       "payment required",
	})
}

// handlePaid runs the paid flow: rate limit, decode, verify, execute,
// settle. The handler response is buffered so the settlement header can be
// attached before anything reaches the client.
func (g *Gateway) handlePaid(c *gin.Context, clientIP, headerValue string, requirements types.PaymentRequirements, meta audit.Meta) {
	if result := g.deps.PaidLimiter.Check(clientIP); !result.Allowed {
		for k, v := range result.Headers() {
			c.Header(k, v)
		}
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}

	payload, err := decodePaymentHeader(headerValue)
	if err != nil {
		g.deps.Audit.Record(audit.KindPaymentFailed, map[string]any{
			"stage": "decode",
			"error": err.Error(),
		}, meta)
		c.AbortWithStatusJSON(http.StatusPaymentRequired, types.PaymentRequiredResponse{
			X402Version: 1,
			Accepts:     []types.PaymentRequirements{requirements},
			Error:       "invalid payment header",
		})
		return
	}
	g.deps.Audit.Record(audit.KindPaymentReceived, map[string]any{
		"scheme":  payload.Scheme,
		"network": payload.Network,
	}, meta)

	ctx := c.Request.Context()
	verifyResp, err := g.deps.Facilitator.Verify(ctx, &types.VerifyRequest{
		X402Version:         1,
		PaymentPayload:      *payload,
		PaymentRequirements: requirements,
	})
	if err != nil {
		g.log.Error().Err(err).Msg("facilitator verify failed")
		g.deps.Audit.Record(audit.KindError, map[string]any{
			"stage": "verify",
			"error": err.Error(),
		}, meta)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "failed to verify payment"})
		return
	}
	if !verifyResp.IsValid {
		g.deps.Audit.Record(audit.KindPaymentFailed, map[string]any{
			"stage":  "verify",
			"reason": verifyResp.InvalidReason,
		}, meta)
		c.AbortWithStatusJSON(http.StatusPaymentRequired, types.PaymentRequiredResponse{
			X402Version: 1,
			Accepts:     []types.PaymentRequirements{requirements},
			Error:       "payment verification failed: " + verifyResp.InvalidReason,
		})
		return
	}
	meta.WalletAddress = verifyResp.Payer
	g.deps.Audit.Record(audit.KindPaymentVerified, map[string]any{
		"payer": verifyResp.Payer,
	}, meta)

	buffered := newBufferedWriter(c.Writer)
	c.Writer = buffered
	c.Next()

	if status := buffered.Status(); status >= 200 && status < 300 {
		g.settle(ctx, buffered, payload, requirements, meta)
	}

	if err := buffered.flush(); err != nil {
		g.log.Warn().Err(err).Msg("failed to write buffered response")
	}
}

// settle executes the payment after the resource has been produced. The
// handler's response is returned to the client even when settlement fails:
// the upload or purchase already happened and cannot be reversed here, so
// the failure is recorded for out-of-band reconciliation instead.
func (g *Gateway) settle(ctx context.Context, buffered *bufferedWriter, payload *types.PaymentPayload, requirements types.PaymentRequirements, meta audit.Meta) {
	settleResp, err := g.deps.Facilitator.Settle(ctx, &types.SettleRequest{
		X402Version:         1,
		PaymentPayload:      *payload,
		PaymentRequirements: requirements,
	})
	if err != nil {
		g.log.Error().Err(err).Str("request_id", meta.RequestID).Msg("settlement call failed after delivery")
		g.deps.Audit.Record(audit.KindError, map[string]any{
			"stage": "settle",
			"error": err.Error(),
		}, meta)
		return
	}
	if !settleResp.Success {
		g.log.Error().Str("reason", settleResp.ErrorReason).Str("request_id", meta.RequestID).Msg("settlement rejected after delivery")
		g.deps.Audit.Record(audit.KindPaymentFailed, map[string]any{
			"stage":  "settle",
			"reason": settleResp.ErrorReason,
		}, meta)
		return
	}

	g.deps.Audit.Record(audit.KindPaymentSettled, map[string]any{
		"transaction": settleResp.Transaction,
		"network":     settleResp.Network,
		"amount":      requirements.MaxAmountRequired,
	}, meta)
	if encoded, err := encodeSettlementHeader(settleResp); err == nil {
		buffered.Header().Set(SettlementHeader, encoded)
	} else {
		g.log.Warn().Err(err).Msg("failed to encode settlement header")
	}
	g.log.Info().
		Str("request_id", meta.RequestID).
		Str("transaction", settleResp.Transaction).
		Str("payer", settleResp.Payer).
		Msg("payment settled")
}
