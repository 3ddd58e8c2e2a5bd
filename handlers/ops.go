package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/datafund/swarm-connect-sub000/audit"
)

func (s *Server) handleWallet(c *gin.Context) {
	wallet, err := s.deps.Node.Wallet(c.Request.Context())
	if err != nil {
		upstreamError(c, err)
		return
	}
	c.JSON(http.StatusOK, wallet)
}

func (s *Server) handleChequebook(c *gin.Context) {
	cheq, err := s.deps.Node.Chequebook(c.Request.Context())
	if err != nil {
		upstreamError(c, err)
		return
	}
	c.JSON(http.StatusOK, cheq)
}

func (s *Server) handleAuditRead(c *gin.Context) {
	filter := audit.ReadFilter{
		MaxEntries: queryInt(c, "limit", 0),
		Kind:       audit.EventKind(c.Query("event_type")),
		ClientIP:   c.Query("client_ip"),
	}
	events, err := s.deps.Audit.Read(filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read audit log: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleAuditStats(c *gin.Context) {
	stats, err := s.deps.Audit.ReadStats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read audit log: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleAccessStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Access.Status())
}

// handleRateLimitStats reports the current window usage for a client,
// without consuming a slot.
func (s *Server) handleRateLimitStats(c *gin.Context) {
	clientIP := c.Query("client_ip")
	if clientIP == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_ip query parameter is required"})
		return
	}

	resp := gin.H{
		"client_ip": clientIP,
		"paid":      s.deps.PaidLimiter.Stats(clientIP),
	}
	if s.deps.FreeLimiter != nil {
		resp["free_tier"] = s.deps.FreeLimiter.Stats(clientIP)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePreflight(c *gin.Context) {
	report := s.deps.Preflight.Run(c.Request.Context())
	s.deps.Audit.Record(audit.KindPreflightCheck, map[string]any{
		"can_accept_payments": report.CanAcceptPayments,
	}, audit.Meta{})
	c.JSON(http.StatusOK, report)
}
