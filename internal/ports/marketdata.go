package ports

import (
	"context"
	"time"

	"marketgate/internal/domain"
)

// CandleSource fetches OHLCV candles for one symbol and interval.
// Implementations are attempted exactly once per orchestration pass; the
// tiered chain is the retry strategy, not per-source internal retries.
type CandleSource interface {
	// Name identifies the source in logs and fallback reasons.
	Name() string

	// FetchCandles retrieves up to limit candles ending at the current time,
	// ordered by ascending open time. Failures wrap one of the ports source
	// errors (ErrRateLimited, ErrNetwork, ErrUpstream, ...).
	FetchCandles(ctx context.Context, symbol string, interval domain.Interval, limit int) ([]domain.Candle, error)
}

// BookTicker is the current top-of-book for a symbol.
type BookTicker struct {
	Symbol   string
	BidPrice float64
	AskPrice float64
	Time     time.Time
}

// DepthProvider exposes best bid/ask for microstructure cost figures.
type DepthProvider interface {
	GetBookTicker(ctx context.Context, symbol string) (*BookTicker, error)
}

// FundingProvider exposes the perpetual funding snapshot.
type FundingProvider interface {
	GetFunding(ctx context.Context, symbol string) (*domain.Funding, error)
}

// OpenInterestProvider exposes current open interest for a symbol.
type OpenInterestProvider interface {
	GetOpenInterest(ctx context.Context, symbol string) (float64, error)
}

// SymbolInfo is instrument metadata as reported by the primary exchange.
type SymbolInfo struct {
	Symbol       string
	ContractType string
	QuoteAsset   string
	Status       string
	TickSize     float64
}

// ExchangeInfoProvider fetches instrument metadata from the upstream
// exchange-info endpoint. Callers normally go through the TTL cache rather
// than hitting this directly.
type ExchangeInfoProvider interface {
	FetchSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)
}
