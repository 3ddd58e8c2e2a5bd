// Package pricing converts storage resource costs into quoted USD prices.
//
// The resource cost comes from the Swarm chain state (PLUR per chunk per
// block, reported by an Oracle). The quoter converts that cost to USD using
// a configured exchange rate, applies an operator markup and clamps to a
// price floor. All monetary math runs on big.Rat so repeated conversion
// never accumulates floating-point drift; the on-wire amount is produced by
// a single rounding to atomic USDC units.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/rs/zerolog"
)

const (
	// BlocksPerHour assumes the Gnosis chain's ~5 second block time.
	BlocksPerHour = 720

	// ChunkSize is the Swarm chunk size in bytes.
	ChunkSize = 4096

	// MinDepth and MaxDepth bound the stamp depth chosen for uploads.
	// Depth 17 holds 2^17 chunks (512 MB).
	MinDepth = 17
	MaxDepth = 32

	// AtomicUnitsPerUSD is the number of smallest settlement units (10^-6
	// USDC) per dollar.
	AtomicUnitsPerUSD = 1_000_000
)

// plurPerBZZ is the PLUR denomination of one BZZ (10^16).
var plurPerBZZ = new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil)

// ErrInvalidUpstreamPrice reports that the chain-state oracle returned a
// non-positive price. Quoting must fail rather than let a request through
// unpriced.
var ErrInvalidUpstreamPrice = errors.New("pricing: non-positive price from chain state")

// Oracle supplies the current network storage price in PLUR per chunk per
// block. Implemented by the Swarm node client.
type Oracle interface {
	CurrentPrice(ctx context.Context) (int64, error)
}

// Config holds the conversion parameters.
type Config struct {
	BzzUSDRate    float64
	MarkupPercent float64
	MinPriceUSD   float64
}

// Quoter computes per-operation price quotes.
type Quoter struct {
	oracle Oracle
	cfg    Config
	log    zerolog.Logger
}

func NewQuoter(oracle Oracle, cfg Config, log zerolog.Logger) *Quoter {
	return &Quoter{oracle: oracle, cfg: cfg, log: log}
}

// Breakdown carries the intermediate values of a quote, for audit events
// and diagnostics.
type Breakdown struct {
	DurationHours       int     `json:"duration_hours"`
	Depth               int     `json:"depth"`
	CurrentPricePlur    int64   `json:"current_price_plur"`
	AmountPlurPerChunk  string  `json:"amount_plur_per_chunk"`
	TotalCostPlur       string  `json:"total_cost_plur"`
	CostUSDBeforeMarkup float64 `json:"cost_usd_before_markup"`
	SizeBytes           int64   `json:"size_bytes,omitempty"`
	ChunksNeeded        int64   `json:"chunks_needed,omitempty"`
}

// Quote is an immutable price quote, computed fresh per request.
type Quote struct {
	PriceUSD       float64
	PriceBZZ       float64
	ExchangeRate   float64
	MarkupPercent  float64
	MinimumApplied bool
	Description    string
	Breakdown      Breakdown

	usd *big.Rat
}

// AtomicAmount renders the quoted price as an integer count of atomic USDC
// units (10^-6 USD), rounded half-up, as a decimal string.
func (q *Quote) AtomicAmount() string {
	scaled := new(big.Rat).Mul(q.usd, big.NewRat(AtomicUnitsPerUSD, 1))
	return ratRound(scaled).String()
}

// StampAmount returns the per-chunk amount in PLUR needed to keep a stamp
// alive for the given duration: currentPrice * durationBlocks.
func StampAmount(durationHours int, currentPrice int64) *big.Int {
	blocks := big.NewInt(int64(durationHours) * BlocksPerHour)
	return blocks.Mul(blocks, big.NewInt(currentPrice))
}

// TotalCost returns the full stamp cost in PLUR: amount * 2^depth.
func TotalCost(amount *big.Int, depth int) *big.Int {
	return new(big.Int).Lsh(amount, uint(depth))
}

// DepthForSize picks the smallest depth whose chunk capacity covers the
// payload with a 10% buffer for overhead.
func DepthForSize(sizeBytes int64) (depth int, chunksNeeded int64) {
	chunksNeeded = (sizeBytes + ChunkSize - 1) / ChunkSize
	if chunksNeeded < 1 {
		chunksNeeded = 1
	}
	for depth = MinDepth; depth < MaxDepth; depth++ {
		capacity := int64(1) << uint(depth)
		if capacity*10 >= chunksNeeded*11 {
			break
		}
	}
	return depth, chunksNeeded
}

// QuoteStampPurchase prices a stamp purchase for the given duration and depth.
func (q *Quoter) QuoteStampPurchase(ctx context.Context, durationHours, depth int) (*Quote, error) {
	quote, err := q.quote(ctx, durationHours, depth)
	if err != nil {
		return nil, err
	}
	quote.Description = fmt.Sprintf("Postage stamp purchase (%dh, depth %d)", durationHours, depth)
	q.log.Info().
		Int("duration_hours", durationHours).
		Int("depth", depth).
		Float64("price_usd", quote.PriceUSD).
		Bool("minimum_applied", quote.MinimumApplied).
		Msg("calculated stamp price")
	return quote, nil
}

// QuoteUpload prices a data upload by deriving the stamp depth required to
// store sizeBytes, then pricing that stamp.
func (q *Quoter) QuoteUpload(ctx context.Context, sizeBytes int64, durationHours int) (*Quote, error) {
	depth, chunks := DepthForSize(sizeBytes)
	quote, err := q.quote(ctx, durationHours, depth)
	if err != nil {
		return nil, err
	}
	quote.Description = fmt.Sprintf("Data upload (%d bytes, %dh)", sizeBytes, durationHours)
	quote.Breakdown.SizeBytes = sizeBytes
	quote.Breakdown.ChunksNeeded = chunks
	q.log.Info().
		Int64("size_bytes", sizeBytes).
		Int("depth", depth).
		Float64("price_usd", quote.PriceUSD).
		Msg("calculated upload price")
	return quote, nil
}

func (q *Quoter) quote(ctx context.Context, durationHours, depth int) (*Quote, error) {
	currentPrice, err := q.oracle.CurrentPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain state: %w", err)
	}
	if currentPrice <= 0 {
		return nil, ErrInvalidUpstreamPrice
	}

	amount := StampAmount(durationHours, currentPrice)
	totalPlur := TotalCost(amount, depth)

	costBZZ := new(big.Rat).SetFrac(totalPlur, plurPerBZZ)

	rate := ratFromFloat(q.cfg.BzzUSDRate)
	costUSD := new(big.Rat).Mul(costBZZ, rate)

	markup := ratFromFloat(q.cfg.MarkupPercent)
	factor := new(big.Rat).Add(big.NewRat(1, 1), new(big.Rat).Quo(markup, big.NewRat(100, 1)))
	marked := new(big.Rat).Mul(costUSD, factor)

	minimum := ratFromFloat(q.cfg.MinPriceUSD)
	final := marked
	minimumApplied := false
	if marked.Cmp(minimum) < 0 {
		final = minimum
		minimumApplied = true
	}

	return &Quote{
		PriceUSD:       roundFloat(final, 6),
		PriceBZZ:       roundFloat(costBZZ, 8),
		ExchangeRate:   q.cfg.BzzUSDRate,
		MarkupPercent:  q.cfg.MarkupPercent,
		MinimumApplied: minimumApplied,
		Breakdown: Breakdown{
			DurationHours:       durationHours,
			Depth:               depth,
			CurrentPricePlur:    currentPrice,
			AmountPlurPerChunk:  amount.String(),
			TotalCostPlur:       totalPlur.String(),
			CostUSDBeforeMarkup: roundFloat(costUSD, 6),
		},
		usd: final,
	}, nil
}

func ratFromFloat(f float64) *big.Rat {
	r := new(big.Rat).SetFloat64(f)
	if r == nil {
		return new(big.Rat)
	}
	return r
}

// ratRound rounds a non-negative rational half-up to the nearest integer.
func ratRound(r *big.Rat) *big.Int {
	num := new(big.Int).Lsh(r.Num(), 1)
	num.Add(num, r.Denom())
	den := new(big.Int).Lsh(r.Denom(), 1)
	return num.Div(num, den)
}

func roundFloat(r *big.Rat, places int) float64 {
	f, _ := r.Float64()
	scale := math.Pow10(places)
	return math.Round(f*scale) / scale
}
