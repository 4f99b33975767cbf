package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketgate/internal/domain"
	"marketgate/internal/exchangeinfo"
	"marketgate/internal/micro"
	"marketgate/internal/ports"
)

// Mock implementations
type mockLogger struct {
	mu        sync.Mutex
	warnMsgs  []string
	debugMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	m.debugMsgs = append(m.debugMsgs, msg)
	m.mu.Unlock()
}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	m.warnMsgs = append(m.warnMsgs, msg)
	m.mu.Unlock()
}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func (m *mockLogger) warnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.warnMsgs)
}

type fetchCall struct {
	interval domain.Interval
	limit    int
}

// mockSource routes FetchCandles through a per-interval behavior function
// and records every call.
type mockSource struct {
	name     string
	mu       sync.Mutex
	calls    []fetchCall
	behavior func(interval domain.Interval, limit int) ([]domain.Candle, error)
}

func (m *mockSource) Name() string { return m.name }

func (m *mockSource) FetchCandles(ctx context.Context, symbol string, interval domain.Interval, limit int) ([]domain.Candle, error) {
	m.mu.Lock()
	m.calls = append(m.calls, fetchCall{interval: interval, limit: limit})
	m.mu.Unlock()
	return m.behavior(interval, limit)
}

func (m *mockSource) callsFor(interval domain.Interval) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.interval == interval {
			n++
		}
	}
	return n
}

type mockDepth struct{ ticker *ports.BookTicker }

func (m *mockDepth) GetBookTicker(ctx context.Context, symbol string) (*ports.BookTicker, error) {
	if m.ticker == nil {
		return nil, errors.New("depth down")
	}
	return m.ticker, nil
}

type mockFunding struct{ funding *domain.Funding }

func (m *mockFunding) GetFunding(ctx context.Context, symbol string) (*domain.Funding, error) {
	if m.funding == nil {
		return nil, errors.New("funding down")
	}
	return m.funding, nil
}

type mockOI struct{ value float64 }

func (m *mockOI) GetOpenInterest(ctx context.Context, symbol string) (float64, error) {
	return m.value, nil
}

type mockInfoProvider struct{}

func (m *mockInfoProvider) FetchSymbolInfo(ctx context.Context, symbol string) (*ports.SymbolInfo, error) {
	return &ports.SymbolInfo{Symbol: symbol, ContractType: "PERPETUAL", QuoteAsset: "USDT", Status: "TRADING"}, nil
}

// alignedCandles builds n consecutive 1m candles from a bucket-aligned start.
func alignedCandles(interval domain.Interval, n int) []domain.Candle {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	dur := interval.Duration()
	candles := make([]domain.Candle, 0, n)
	for i := 0; i < n; i++ {
		open := start.Add(time.Duration(i) * dur)
		candles = append(candles, domain.Candle{
			OpenTime:  open,
			CloseTime: open.Add(dur - time.Millisecond),
			Open:      100, High: 101, Low: 99, Close: 100.5, Volume: 10,
		})
	}
	return candles
}

// dropIndexes removes the candles at the given indexes.
func dropIndexes(candles []domain.Candle, drop ...int) []domain.Candle {
	skip := make(map[int]bool, len(drop))
	for _, d := range drop {
		skip[d] = true
	}
	out := make([]domain.Candle, 0, len(candles))
	for i, c := range candles {
		if !skip[i] {
			out = append(out, c)
		}
	}
	return out
}

func fullFetch(interval domain.Interval, limit int) ([]domain.Candle, error) {
	return alignedCandles(interval, limit), nil
}

func failFetch(interval domain.Interval, limit int) ([]domain.Candle, error) {
	return nil, fmt.Errorf("venue down: %w", ports.ErrNetwork)
}

type serviceDeps struct {
	logger   *mockLogger
	primary  *mockSource
	fallback *mockSource
}

func newTestService(t *testing.T, cfg Config, primaryFn, fallbackFn func(domain.Interval, int) ([]domain.Candle, error)) (*Service, serviceDeps) {
	t.Helper()
	logger := &mockLogger{}
	primary := &mockSource{name: "binance", behavior: primaryFn}
	fallback := &mockSource{name: "bybit", behavior: fallbackFn}

	calc, err := micro.New(micro.Config{TakerFeeBps: 4, SlippageFloorBps: 1, EdgeMultiplier: 1},
		&mockDepth{ticker: &ports.BookTicker{BidPrice: 99.975, AskPrice: 100.025}},
		&mockFunding{funding: &domain.Funding{MarkPrice: 100, FundingRate: 0.0001}},
		&mockOI{value: 42}, logger)
	require.NoError(t, err)

	info, err := exchangeinfo.New(&mockInfoProvider{}, logger, time.Hour)
	require.NoError(t, err)

	svc, err := New(cfg, logger, primary, fallback, calc, info)
	require.NoError(t, err)
	return svc, serviceDeps{logger: logger, primary: primary, fallback: fallback}
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil, nil, nil)
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}

func TestGetStructuralBlocksValidation(t *testing.T) {
	svc, _ := newTestService(t, Config{CandleLimit: 10}, fullFetch, fullFetch)
	ctx := context.Background()

	_, err := svc.GetStructuralBlocks(ctx, "   ", []domain.Interval{domain.Interval1m})
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)

	_, err = svc.GetStructuralBlocks(ctx, "BTCUSDT", nil)
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)

	_, err = svc.GetStructuralBlocks(ctx, "BTCUSDT", []domain.Interval{"5m"})
	assert.ErrorIs(t, err, ports.ErrUnsupportedInterval)
}

func TestGetStructuralBlocksPrimaryPath(t *testing.T) {
	svc, deps := newTestService(t, Config{CandleLimit: 10}, fullFetch, fullFetch)

	blocks, err := svc.GetStructuralBlocks(context.Background(), "btc/usdt:USDT",
		[]domain.Interval{domain.Interval1m, domain.Interval15m, domain.Interval1h})
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", blocks.Symbol)
	require.Len(t, blocks.Intervals, 3)
	for iv, block := range blocks.Intervals {
		assert.Equal(t, iv, block.Interval)
		assert.Equal(t, domain.SourcePrimary, block.Source)
		assert.False(t, block.Missing)
		assert.Equal(t, 1.0, block.Coverage)
		assert.Len(t, block.Candles, 10)
	}
	assert.Zero(t, deps.fallback.callsFor(domain.Interval1m), "fallback untouched when primary serves")

	require.NotNil(t, blocks.Micro)
	assert.InDelta(t, 5.0, blocks.Micro.SpreadBps, 1e-9)
	require.NotNil(t, blocks.Funding)
	require.NotNil(t, blocks.OpenInterest)
	assert.Equal(t, 42.0, *blocks.OpenInterest)
	assert.False(t, blocks.GeneratedAt.IsZero())
}

func TestGetStructuralBlocksDeduplicatesIntervals(t *testing.T) {
	svc, deps := newTestService(t, Config{CandleLimit: 10}, fullFetch, fullFetch)

	blocks, err := svc.GetStructuralBlocks(context.Background(), "BTCUSDT",
		[]domain.Interval{domain.Interval1m, domain.Interval1m, domain.Interval1m})
	require.NoError(t, err)
	assert.Len(t, blocks.Intervals, 1)
	assert.Equal(t, 1, deps.primary.callsFor(domain.Interval1m))
}

func TestFallbackOnPrimaryError(t *testing.T) {
	svc, deps := newTestService(t, Config{CandleLimit: 10}, failFetch, fullFetch)

	blocks, err := svc.GetStructuralBlocks(context.Background(), "BTCUSDT", []domain.Interval{domain.Interval1m})
	require.NoError(t, err)

	block := blocks.Intervals[domain.Interval1m]
	assert.Equal(t, domain.SourceFallback, block.Source)
	assert.False(t, block.Missing)
	assert.Len(t, block.Candles, 10)
	assert.Equal(t, 1, deps.primary.callsFor(domain.Interval1m))
	assert.Equal(t, 1, deps.fallback.callsFor(domain.Interval1m))
}

func TestFallbackOnRateLimitedPrimary(t *testing.T) {
	rateLimited := func(interval domain.Interval, limit int) ([]domain.Candle, error) {
		return nil, fmt.Errorf("quota exhausted: %w", ports.ErrRateLimited)
	}
	svc, deps := newTestService(t, Config{CandleLimit: 10}, rateLimited, fullFetch)

	blocks, err := svc.GetStructuralBlocks(context.Background(), "BTCUSDT", []domain.Interval{domain.Interval15m})
	require.NoError(t, err)

	block := blocks.Intervals[domain.Interval15m]
	assert.Equal(t, domain.SourceFallback, block.Source)
	// The throttled primary is tried exactly once, never hammered.
	assert.Equal(t, 1, deps.primary.callsFor(domain.Interval15m))
}

func TestShortPrimaryResultFallsThrough(t *testing.T) {
	short := func(interval domain.Interval, limit int) ([]domain.Candle, error) {
		return alignedCandles(interval, limit/2), nil
	}
	svc, deps := newTestService(t, Config{CandleLimit: 10, CoverageThreshold: 0.85}, short, fullFetch)

	blocks, err := svc.GetStructuralBlocks(context.Background(), "BTCUSDT", []domain.Interval{domain.Interval1m})
	require.NoError(t, err)

	// A half-empty response is treated like a failure, not accepted as-is.
	block := blocks.Intervals[domain.Interval1m]
	assert.Equal(t, domain.SourceFallback, block.Source)
	assert.Len(t, block.Candles, 10)
	assert.Equal(t, 1, deps.fallback.callsFor(domain.Interval1m))
}

func TestResampleWhenDirectFetchesFail(t *testing.T) {
	// Both venues refuse 15m but serve 1m; the block is derived locally.
	only1m := func(interval domain.Interval, limit int) ([]domain.Candle, error) {
		if interval != domain.Interval1m {
			return nil, fmt.Errorf("interval down: %w", ports.ErrUpstream)
		}
		return alignedCandles(domain.Interval1m, limit), nil
	}
	svc, deps := newTestService(t, Config{CandleLimit: 4, CoverageThreshold: 0.85}, only1m, failFetch)

	blocks, err := svc.GetStructuralBlocks(context.Background(), "BTCUSDT", []domain.Interval{domain.Interval15m})
	require.NoError(t, err)

	block := blocks.Intervals[domain.Interval15m]
	assert.Equal(t, domain.SourceResampled, block.Source)
	assert.False(t, block.Missing)
	assert.Equal(t, 1.0, block.Coverage)
	require.Len(t, block.Candles, 4)
	for _, c := range block.Candles {
		assert.Equal(t, 150.0, c.Volume) // 15 base candles of 10
		assert.NoError(t, c.Validate())
	}
	// The 1m base fetch asks for limit*15 minutes.
	assert.Equal(t, 1, deps.primary.callsFor(domain.Interval1m))
}

func TestResampleBaseLimitIsCapped(t *testing.T) {
	var got int
	only1m := func(interval domain.Interval, limit int) ([]domain.Candle, error) {
		if interval != domain.Interval1m {
			return nil, fmt.Errorf("interval down: %w", ports.ErrUpstream)
		}
		got = limit
		return alignedCandles(domain.Interval1m, limit), nil
	}
	svc, _ := newTestService(t, Config{CandleLimit: 120}, only1m, failFetch)

	blocks, err := svc.GetStructuralBlocks(context.Background(), "BTCUSDT", []domain.Interval{domain.Interval1h})
	require.NoError(t, err)

	// 120 * 60 = 7200 exceeds the single-request cap.
	assert.Equal(t, 1500, got)
	block := blocks.Intervals[domain.Interval1h]
	assert.Equal(t, domain.SourceResampled, block.Source)
	// 1500 base minutes cover 25 hourly buckets; coverage is against that
	// smaller attainable window, not the requested 120.
	assert.Len(t, block.Candles, 25)
	assert.Equal(t, 1.0, block.Coverage)
}

func TestResampleBelowCoverageIsMissing(t *testing.T) {
	// 57 of 60 base candles arrive (passes the direct gate at 0.95), but
	// the drops cluster in one bucket, killing it: 3 of 4 buckets survive.
	holey := func(interval domain.Interval, limit int) ([]domain.Candle, error) {
		if interval != domain.Interval1m {
			return nil, fmt.Errorf("interval down: %w", ports.ErrUpstream)
		}
		return dropIndexes(alignedCandles(domain.Interval1m, limit), 16, 17, 18), nil
	}
	svc, _ := newTestService(t, Config{CandleLimit: 4, CoverageThreshold: 0.85}, holey, failFetch)

	blocks, err := svc.GetStructuralBlocks(context.Background(), "BTCUSDT", []domain.Interval{domain.Interval15m})
	require.NoError(t, err)

	block := blocks.Intervals[domain.Interval15m]
	assert.Equal(t, domain.SourceMissing, block.Source)
	assert.True(t, block.Missing)
	assert.Empty(t, block.Candles)
	assert.InDelta(t, 0.75, block.Coverage, 1e-9)
}

func TestMissingWhenEverythingFails(t *testing.T) {
	svc, deps := newTestService(t, Config{CandleLimit: 10}, failFetch, failFetch)

	blocks, err := svc.GetStructuralBlocks(context.Background(), "BTCUSDT",
		[]domain.Interval{domain.Interval1m, domain.Interval15m})
	require.NoError(t, err)

	for _, iv := range []domain.Interval{domain.Interval1m, domain.Interval15m} {
		block := blocks.Intervals[iv]
		assert.True(t, block.Missing)
		assert.Equal(t, domain.SourceMissing, block.Source)
		assert.NotNil(t, block.Candles)
		assert.Empty(t, block.Candles)
		assert.Zero(t, block.Coverage)
	}
	// 1m has no resample tier: direct attempts only (its own, plus the 15m
	// block's base fetch).
	assert.Equal(t, 2, deps.primary.callsFor(domain.Interval1m))

	// Micro fields still populate; candle failures do not poison them.
	assert.NotNil(t, blocks.Micro)
	assert.NotNil(t, blocks.Funding)
}

func TestCanceledCallSkipsFallback(t *testing.T) {
	canceled := func(interval domain.Interval, limit int) ([]domain.Candle, error) {
		return nil, fmt.Errorf("aborted: %w", ports.ErrContextCanceled)
	}
	svc, deps := newTestService(t, Config{CandleLimit: 10}, canceled, fullFetch)

	blocks, err := svc.GetStructuralBlocks(context.Background(), "BTCUSDT", []domain.Interval{domain.Interval1m})
	require.NoError(t, err)

	// Cancellation is not a venue outage; no other tier is attempted.
	assert.True(t, blocks.Intervals[domain.Interval1m].Missing)
	assert.Zero(t, deps.fallback.callsFor(domain.Interval1m))
}

func TestFailureLogSuppression(t *testing.T) {
	svc, deps := newTestService(t, Config{CandleLimit: 10, FailureLogThreshold: 3, FailureWindow: time.Minute}, fullFetch, fullFetch)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	ctx := context.Background()
	err := fmt.Errorf("venue down: %w", ports.ErrNetwork)
	for i := 0; i < 6; i++ {
		svc.logTransition(ctx, "BTCUSDT", domain.Interval1m, "binance", err)
	}
	// 3 logged + 1 suppression notice; the remaining 2 drop to debug.
	assert.Equal(t, 4, deps.logger.warnCount())

	// Outside the rolling window the counter starts over.
	now = now.Add(2 * time.Minute)
	svc.logTransition(ctx, "BTCUSDT", domain.Interval1m, "binance", err)
	assert.Equal(t, 5, deps.logger.warnCount())

	// A different source key is counted independently.
	svc.logTransition(ctx, "BTCUSDT", domain.Interval1m, "bybit", err)
	assert.Equal(t, 6, deps.logger.warnCount())
}

func TestDegradedDataWatchdog(t *testing.T) {
	svc, deps := newTestService(t, Config{CandleLimit: 10, DegradedWindow: 2, DegradedRatio: 0.4}, failFetch, failFetch)

	_, err := svc.GetStructuralBlocks(context.Background(), "BTCUSDT",
		[]domain.Interval{domain.Interval1m, domain.Interval15m})
	require.NoError(t, err)

	found := false
	deps.logger.mu.Lock()
	for _, msg := range deps.logger.warnMsgs {
		if msg == "High degraded data ratio" {
			found = true
		}
	}
	deps.logger.mu.Unlock()
	assert.True(t, found)
}

func TestClearExchangeInfoCache(t *testing.T) {
	svc, _ := newTestService(t, Config{CandleLimit: 10}, fullFetch, fullFetch)
	// Smoke check: must not panic and must leave the service usable.
	svc.ClearExchangeInfoCache()
	_, err := svc.GetStructuralBlocks(context.Background(), "BTCUSDT", []domain.Interval{domain.Interval1m})
	assert.NoError(t, err)
}
