package swarm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
)

const expirationFormat = "2006-01-02-15-04"

// Stamp is the merged view of a postage batch, combining the global
// /batches data with the richer local /stamps data when the node owns the
// batch.
type Stamp struct {
	BatchID            string `json:"batchID"`
	Amount             string `json:"amount"`
	BlockNumber        int64  `json:"blockNumber,omitempty"`
	Owner              string `json:"owner,omitempty"`
	Depth              int    `json:"depth"`
	BucketDepth        int    `json:"bucketDepth"`
	ImmutableFlag      bool   `json:"immutableFlag"`
	BatchTTL           int64  `json:"batchTTL"`
	Utilization        int    `json:"utilization,omitempty"`
	Usable             bool   `json:"usable"`
	Label              string `json:"label,omitempty"`
	Exists             bool   `json:"exists"`
	ExpectedExpiration string `json:"expectedExpiration,omitempty"`
}

// globalBatch matches the /batches wire format.
type globalBatch struct {
	BatchID     string      `json:"batchID"`
	Value       json.Number `json:"value"`
	Start       int64       `json:"start"`
	Owner       string      `json:"owner"`
	Depth       int         `json:"depth"`
	BucketDepth int         `json:"bucketDepth"`
	Immutable   bool        `json:"immutable"`
	BatchTTL    int64       `json:"batchTTL"`
}

// localStamp matches the /stamps wire format.
type localStamp struct {
	BatchID       string      `json:"batchID"`
	Amount        json.Number `json:"amount"`
	Utilization   int         `json:"utilization"`
	Usable        bool        `json:"usable"`
	Label         string      `json:"label"`
	Depth         int         `json:"depth"`
	BucketDepth   int         `json:"bucketDepth"`
	BlockNumber   int64       `json:"blockNumber"`
	ImmutableFlag bool        `json:"immutableFlag"`
	Exists        bool        `json:"exists"`
	BatchTTL      int64       `json:"batchTTL"`
}

func (c *Client) globalBatches(ctx context.Context) ([]globalBatch, error) {
	// The endpoint has returned both a bare array and a wrapped object
	// across Bee versions; accept either.
	var raw json.RawMessage
	if err := c.getJSON(ctx, "batches", &raw); err != nil {
		return nil, err
	}
	var wrapped struct {
		Batches []globalBatch `json:"batches"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Batches != nil {
		return wrapped.Batches, nil
	}
	var list []globalBatch
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode batches response: %w", err)
	}
	return list, nil
}

func (c *Client) localStamps(ctx context.Context) ([]localStamp, error) {
	var wrapped struct {
		Stamps []localStamp `json:"stamps"`
	}
	if err := c.getJSON(ctx, "stamps", &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Stamps, nil
}

// Stamps lists all postage batches with local data merged in and usability
// computed. A failure to fetch local stamps is tolerated; the global view
// is still returned.
func (c *Client) Stamps(ctx context.Context) ([]Stamp, error) {
	batches, err := c.globalBatches(ctx)
	if err != nil {
		return nil, err
	}

	local := map[string]localStamp{}
	localList, err := c.localStamps(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to fetch local stamps, using global data only")
	} else {
		for _, s := range localList {
			local[s.BatchID] = s
		}
	}

	now := time.Now().UTC()
	stamps := make([]Stamp, 0, len(batches))
	for _, b := range batches {
		stamps = append(stamps, mergeStamp(b, local, now))
	}
	return stamps, nil
}

// mergeStamp prefers local node data where available, since it reflects the
// node's live view (utilization, usability, label).
func mergeStamp(b globalBatch, local map[string]localStamp, now time.Time) Stamp {
	s := Stamp{
		BatchID:       b.BatchID,
		Amount:        b.Value.String(),
		BlockNumber:   b.Start,
		Owner:         b.Owner,
		Depth:         b.Depth,
		BucketDepth:   b.BucketDepth,
		ImmutableFlag: b.Immutable,
		BatchTTL:      b.BatchTTL,
		Exists:        true,
	}
	if l, ok := local[b.BatchID]; ok {
		s.Utilization = l.Utilization
		s.Usable = l.Usable
		s.Label = l.Label
		s.Exists = l.Exists
		s.ImmutableFlag = l.ImmutableFlag
		if l.Amount != "" {
			s.Amount = l.Amount.String()
		}
		if l.BlockNumber != 0 {
			s.BlockNumber = l.BlockNumber
		}
		if l.BatchTTL != 0 {
			s.BatchTTL = l.BatchTTL
		}
	} else {
		s.Usable = usableStatus(s)
	}
	if s.BatchTTL > 0 {
		s.ExpectedExpiration = now.Add(time.Duration(s.BatchTTL) * time.Second).Format(expirationFormat)
	}
	return s
}

// usableStatus estimates usability for batches without local data. A batch
// is usable when it exists, has not effectively expired and its depth is in
// the practical upload range. Immutable batches need a larger TTL margin.
func usableStatus(s Stamp) bool {
	if !s.Exists || s.BatchTTL <= 0 {
		return false
	}
	minTTL := int64(60)
	if s.ImmutableFlag {
		minTTL = 3600
	}
	if s.BatchTTL < minTTL {
		return false
	}
	return s.Depth >= 16 && s.Depth <= 32
}

// PurchaseStamp buys a new postage batch. Amount is the per-chunk PLUR
// value; the node derives total cost from amount * 2^depth. Returns the new
// batch id. The call blocks until the node confirms the purchase on chain,
// so it runs under the purchase timeout tier.
func (c *Client) PurchaseStamp(ctx context.Context, amount string, depth int, label string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, purchaseTimeout)
	defer cancel()

	var body any
	if label != "" {
		body = map[string]string{"label": label}
	}
	var resp struct {
		BatchID string `json:"batchID"`
	}
	path := fmt.Sprintf("stamps/%s/%d", amount, depth)
	if err := c.doJSON(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	if resp.BatchID == "" {
		return "", fmt.Errorf("stamp purchase response missing batchID")
	}
	c.log.Info().Str("batch_id", resp.BatchID).Int("depth", depth).Str("amount", amount).Msg("purchased postage stamp")
	return resp.BatchID, nil
}

// TopupStamp extends an existing batch with additional per-chunk amount.
// Like PurchaseStamp it waits for on-chain confirmation.
func (c *Client) TopupStamp(ctx context.Context, batchID, amount string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, purchaseTimeout)
	defer cancel()

	var resp struct {
		BatchID string `json:"batchID"`
	}
	path := fmt.Sprintf("stamps/topup/%s/%s", batchID, amount)
	if err := c.doJSON(ctx, http.MethodPatch, path, nil, &resp); err != nil {
		return "", err
	}
	if resp.BatchID == "" {
		resp.BatchID = batchID
	}
	c.log.Info().Str("batch_id", resp.BatchID).Str("amount", amount).Msg("extended postage stamp")
	return resp.BatchID, nil
}
