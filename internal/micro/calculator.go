// Package micro computes cost-aware microstructure figures: spread, taker
// fee, slippage floor and the composite edge-floor threshold, plus funding
// and open-interest snapshots.
package micro

import (
	"context"
	"fmt"
	"sync"

	"marketgate/internal/domain"
	"marketgate/internal/ports"
)

// Config holds the account-tier cost constants. Fees and slippage are in
// basis points; EdgeMultiplier is a safety margin and must be >= 1.
type Config struct {
	TakerFeeBps      float64
	SlippageFloorBps float64
	EdgeMultiplier   float64
}

// Snapshot is the microstructure side of a structural-blocks response.
// Nil fields mean that particular fetch failed; the failures are
// independent of each other and of the candle pipeline.
type Snapshot struct {
	Micro        *domain.Microstructure
	Funding      *domain.Funding
	OpenInterest *float64
}

// Calculator assembles snapshots from independently-failing providers.
type Calculator struct {
	cfg     Config
	depth   ports.DepthProvider
	funding ports.FundingProvider
	oi      ports.OpenInterestProvider
	logger  ports.Logger
}

// New creates a calculator. All providers are required; the cost constants
// are validated here so bad configuration fails at startup, not per call.
func New(cfg Config, depth ports.DepthProvider, funding ports.FundingProvider, oi ports.OpenInterestProvider, logger ports.Logger) (*Calculator, error) {
	if depth == nil || funding == nil || oi == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for micro calculator: %w", ports.ErrConfigurationError)
	}
	if cfg.TakerFeeBps < 0 || cfg.SlippageFloorBps < 0 {
		return nil, fmt.Errorf("fee and slippage must be non-negative: %w", ports.ErrConfigurationError)
	}
	if cfg.EdgeMultiplier < 1 {
		return nil, fmt.Errorf("edge multiplier must be >= 1, got %v: %w", cfg.EdgeMultiplier, ports.ErrConfigurationError)
	}
	return &Calculator{cfg: cfg, depth: depth, funding: funding, oi: oi, logger: logger}, nil
}

// Compute fetches depth, funding and open interest for symbol. The three
// fetches run concurrently and fail soft independently: a slow or
// unavailable endpoint omits its own fields without starving the others'
// share of the deadline.
func (c *Calculator) Compute(ctx context.Context, symbol string) Snapshot {
	var snap Snapshot
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		if bt, err := c.depth.GetBookTicker(ctx, symbol); err != nil {
			c.logger.Warn(ctx, "Depth unavailable, omitting spread fields", map[string]interface{}{
				"symbol": symbol, "error": err.Error(),
			})
		} else if m := c.fromBookTicker(bt); m != nil {
			snap.Micro = m
		}
	}()

	go func() {
		defer wg.Done()
		if f, err := c.funding.GetFunding(ctx, symbol); err != nil {
			c.logger.Warn(ctx, "Funding snapshot unavailable", map[string]interface{}{
				"symbol": symbol, "error": err.Error(),
			})
		} else {
			snap.Funding = f
		}
	}()

	go func() {
		defer wg.Done()
		if oi, err := c.oi.GetOpenInterest(ctx, symbol); err != nil {
			c.logger.Warn(ctx, "Open interest unavailable", map[string]interface{}{
				"symbol": symbol, "error": err.Error(),
			})
		} else {
			snap.OpenInterest = &oi
		}
	}()

	wg.Wait()
	return snap
}

// fromBookTicker derives the cost figures from top-of-book prices.
// Returns nil for a crossed, empty or zero-mid book rather than producing
// undefined numbers.
func (c *Calculator) fromBookTicker(bt *ports.BookTicker) *domain.Microstructure {
	if bt == nil || bt.BidPrice <= 0 || bt.AskPrice <= 0 || bt.AskPrice < bt.BidPrice {
		return nil
	}
	mid := (bt.BidPrice + bt.AskPrice) / 2
	spreadBps := (bt.AskPrice - bt.BidPrice) / mid * 10000

	return &domain.Microstructure{
		BestBid:          bt.BidPrice,
		BestAsk:          bt.AskPrice,
		Mid:              mid,
		SpreadBps:        spreadBps,
		TakerFeeBps:      c.cfg.TakerFeeBps,
		SlippageFloorBps: c.cfg.SlippageFloorBps,
		EdgeFloorBps:     (2*c.cfg.TakerFeeBps + spreadBps + c.cfg.SlippageFloorBps) * c.cfg.EdgeMultiplier,
	}
}
