package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"

	"github.com/datafund/swarm-connect-sub000/audit"
	"github.com/datafund/swarm-connect-sub000/gateway"
)

// maxUploadBytes caps a single upload at 100 MB.
const maxUploadBytes = 100 << 20

// handleUpload stores the request body on the network. The batch_id query
// parameter selects the postage batch; without it the first usable owned
// batch is used.
func (s *Server) handleUpload(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUploadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty request body"})
		return
	}
	if len(data) > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload exceeds 100MB limit"})
		return
	}

	contentType := c.ContentType()
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	s.uploadData(c, data, contentType)
}

// handleUploadManifest stores a JSON manifest. The body must parse as JSON
// before it is accepted.
func (s *Server) handleUploadManifest(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUploadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	var manifest any
	if err := json.Unmarshal(data, &manifest); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "manifest is not valid JSON"})
		return
	}
	s.uploadData(c, data, "application/json")
}

func (s *Server) uploadData(c *gin.Context, data []byte, contentType string) {
	ctx := c.Request.Context()

	batchID := c.Query("batch_id")
	if batchID == "" {
		var err error
		batchID, err = s.usableBatch(c)
		if err != nil {
			upstreamError(c, err)
			return
		}
		if batchID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "no usable postage batch; purchase one via POST /api/v1/stamps or pass batch_id",
			})
			return
		}
	}

	reference, err := s.deps.Node.Upload(ctx, data, batchID, contentType)
	if err != nil {
		upstreamError(c, err)
		return
	}

	s.deps.Audit.Record(audit.KindDataUploaded, map[string]any{
		"reference":    reference,
		"size_bytes":   len(data),
		"content_type": contentType,
		"batch_id":     batchID,
	}, audit.Meta{ClientIP: gateway.ClientIP(c.Request)})

	c.JSON(http.StatusCreated, gin.H{
		"reference":    reference,
		"size_bytes":   len(data),
		"content_type": contentType,
		"batch_id":     batchID,
	})
}

func (s *Server) usableBatch(c *gin.Context) (string, error) {
	stamps, err := s.deps.Node.Stamps(c.Request.Context())
	if err != nil {
		return "", err
	}
	for _, stamp := range stamps {
		if stamp.Usable {
			return stamp.BatchID, nil
		}
	}
	return "", nil
}

func (s *Server) handleDownload(c *gin.Context) {
	reference := c.Param("reference")
	data, contentType, err := s.deps.Node.Download(c.Request.Context(), reference)
	if err != nil {
		upstreamError(c, err)
		return
	}
	c.Data(http.StatusOK, contentType, data)
}
