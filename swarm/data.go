package swarm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// DefaultRedundancyLevel enables erasure coding on uploads for durability.
const DefaultRedundancyLevel = 2

// Upload stores data on the network under the given postage batch and
// returns the content reference.
func (c *Client) Upload(ctx context.Context, data []byte, batchID, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, transferTimeout)
	defer cancel()

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("bzz"), bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Swarm-Postage-Batch-Id", strings.ToLower(batchID))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Swarm-Redundancy-Level", strconv.Itoa(DefaultRedundancyLevel))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("upload: unexpected status code %d", resp.StatusCode)
	}

	var body struct {
		Reference string `json:"reference"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if body.Reference == "" {
		return "", fmt.Errorf("upload response missing reference")
	}
	c.log.Info().Str("reference", body.Reference).Int("size", len(data)).Msg("uploaded data to swarm")
	return body.Reference, nil
}

// Download retrieves data by reference. Returns the payload and its content
// type; a missing reference yields ErrNotFound.
func (c *Client) Download(ctx context.Context, reference string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, transferTimeout)
	defer cancel()

	path := "bzz/" + strings.ToLower(reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", fmt.Errorf("download %s: %w", reference, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download: unexpected status code %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read download body: %w", err)
	}
	c.log.Info().Str("reference", reference).Int("size", len(data)).Msg("downloaded data from swarm")
	return data, resp.Header.Get("Content-Type"), nil
}
