package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/datafund/swarm-connect-sub000/audit"
	"github.com/datafund/swarm-connect-sub000/gateway"
	"github.com/datafund/swarm-connect-sub000/pricing"
)

const (
	defaultStampDurationHours = 24
	// Defaults match the gateway's quote path: the cheapest valid batch.
	defaultStampDepth = pricing.MinDepth
)

func (s *Server) handleListStamps(c *gin.Context) {
	stamps, err := s.deps.Node.Stamps(c.Request.Context())
	if err != nil {
		upstreamError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stamps": stamps,
		"count":  len(stamps),
	})
}

// handlePurchaseStamp buys a postage batch sized by duration_hours and
// depth query parameters. The per-chunk amount is derived from the live
// chain price.
func (s *Server) handlePurchaseStamp(c *gin.Context) {
	duration := queryInt(c, "duration_hours", defaultStampDurationHours)
	depth := queryInt(c, "depth", defaultStampDepth)
	label := c.Query("label")

	if depth < pricing.MinDepth || depth > pricing.MaxDepth {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "depth must be between " + strconv.Itoa(pricing.MinDepth) + " and " + strconv.Itoa(pricing.MaxDepth),
		})
		return
	}
	if duration <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "duration_hours must be positive"})
		return
	}

	ctx := c.Request.Context()
	currentPrice, err := s.deps.Node.CurrentPrice(ctx)
	if err != nil {
		upstreamError(c, err)
		return
	}
	if currentPrice <= 0 {
		c.JSON(http.StatusBadGateway, gin.H{"error": "invalid chain price"})
		return
	}

	amount := pricing.StampAmount(duration, currentPrice)
	batchID, err := s.deps.Node.PurchaseStamp(ctx, amount.String(), depth, label)
	if err != nil {
		upstreamError(c, err)
		return
	}

	totalCost := pricing.TotalCost(amount, depth)
	s.deps.Audit.Record(audit.KindStampPurchased, map[string]any{
		"batch_id":        batchID,
		"depth":           depth,
		"duration_hours":  duration,
		"amount_plur":     amount.String(),
		"total_cost_plur": totalCost.String(),
		"label":           label,
	}, audit.Meta{ClientIP: gateway.ClientIP(c.Request)})

	c.JSON(http.StatusCreated, gin.H{
		"batch_id":        batchID,
		"depth":           depth,
		"duration_hours":  duration,
		"amount_plur":     amount.String(),
		"total_cost_plur": totalCost.String(),
	})
}

// handleTopupStamp extends an existing batch by duration_hours at the
// current chain price.
func (s *Server) handleTopupStamp(c *gin.Context) {
	batchID := c.Param("batchID")
	duration := queryInt(c, "duration_hours", defaultStampDurationHours)
	if duration <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "duration_hours must be positive"})
		return
	}

	ctx := c.Request.Context()
	currentPrice, err := s.deps.Node.CurrentPrice(ctx)
	if err != nil {
		upstreamError(c, err)
		return
	}

	amount := pricing.StampAmount(duration, currentPrice)
	id, err := s.deps.Node.TopupStamp(ctx, batchID, amount.String())
	if err != nil {
		upstreamError(c, err)
		return
	}

	s.deps.Audit.Record(audit.KindStampPurchased, map[string]any{
		"action":         "topup",
		"batch_id":       id,
		"duration_hours": duration,
		"amount_plur":    amount.String(),
	}, audit.Meta{ClientIP: gateway.ClientIP(c.Request)})

	c.JSON(http.StatusOK, gin.H{
		"batch_id":       id,
		"duration_hours": duration,
		"amount_plur":    amount.String(),
	})
}

func queryInt(c *gin.Context, name string, fallback int) int {
	if v := c.Query(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
