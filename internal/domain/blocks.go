package domain

import "time"

// BlockSource identifies which tier of the fetch chain produced a block.
type BlockSource string

const (
	SourcePrimary   BlockSource = "primary"
	SourceFallback  BlockSource = "fallback"
	SourceResampled BlockSource = "resampled"
	SourceMissing   BlockSource = "missing"
)

// IntervalBlock is the per-interval result of the fetch chain.
//
// Invariants: candles are ordered by ascending OpenTime with no duplicates;
// Missing implies Candles is empty and Coverage is below the acceptance
// threshold; Source is SourceMissing only when every tier failed.
type IntervalBlock struct {
	Interval Interval    `json:"interval"`
	Candles  []Candle    `json:"candles"`
	Source   BlockSource `json:"source"`
	Missing  bool        `json:"missing"`
	Coverage float64     `json:"coverage"`
}

// Microstructure holds current cost figures derived from top-of-book depth
// and configured fee constants. All values in basis points unless noted.
type Microstructure struct {
	BestBid          float64 `json:"bestBid"`
	BestAsk          float64 `json:"bestAsk"`
	Mid              float64 `json:"mid"`
	SpreadBps        float64 `json:"spreadBps"`
	TakerFeeBps      float64 `json:"takerFeeBps"`
	SlippageFloorBps float64 `json:"slippageFloorBps"`
	EdgeFloorBps     float64 `json:"edgeFloorBps"`
}

// Funding is a snapshot of the perpetual funding state.
type Funding struct {
	MarkPrice       float64   `json:"markPrice"`
	FundingRate     float64   `json:"fundingRate"`
	NextFundingTime time.Time `json:"nextFundingTime"`
}

// StructuralBlocks is the full aggregation result for one symbol.
// Nil pointer fields mean the corresponding snapshot was unavailable;
// numeric values are never fabricated for caller convenience.
type StructuralBlocks struct {
	Symbol       string                     `json:"symbol"`
	Intervals    map[Interval]IntervalBlock `json:"intervals"`
	Micro        *Microstructure            `json:"micro,omitempty"`
	Funding      *Funding                   `json:"funding,omitempty"`
	OpenInterest *float64                   `json:"openInterest,omitempty"`
	GeneratedAt  time.Time                  `json:"generatedAt"`
}
