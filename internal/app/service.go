package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketgate/internal/domain"
	"marketgate/internal/exchangeinfo"
	"marketgate/internal/micro"
	"marketgate/internal/ports"
	"marketgate/internal/resample"
)

const maxKlinesPerRequest = 1500 // upstream hard cap on a single klines call

// Config holds the orchestration parameters.
type Config struct {
	CandleLimit       int           // candles requested per interval (default 120)
	CoverageThreshold float64       // minimum observed/expected ratio (default 0.85)
	RequestTimeout    time.Duration // bound for each source call (default 8s)

	// Log-storm suppression: failures of the same (symbol, interval, source)
	// within FailureWindow beyond FailureLogThreshold are counted but not
	// re-logged. The fallback attempts themselves still execute every call.
	FailureWindow       time.Duration
	FailureLogThreshold int

	// Degraded-data watchdog: warn when resampled+missing terminals exceed
	// DegradedRatio over the last DegradedWindow interval fetches.
	DegradedWindow int
	DegradedRatio  float64
}

func (c *Config) applyDefaults() {
	if c.CandleLimit <= 0 {
		c.CandleLimit = 120
	}
	if c.CoverageThreshold <= 0 || c.CoverageThreshold > 1 {
		c.CoverageThreshold = resample.DefaultThreshold
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 8 * time.Second
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = time.Minute
	}
	if c.FailureLogThreshold <= 0 {
		c.FailureLogThreshold = 3
	}
	if c.DegradedWindow <= 0 {
		c.DegradedWindow = 10
	}
	if c.DegradedRatio <= 0 || c.DegradedRatio > 1 {
		c.DegradedRatio = 0.4
	}
}

type failureKey struct {
	symbol   string
	interval domain.Interval
	source   string
}

// Service is the public entry point of the aggregation layer. It sequences
// the three-tier fetch chain per interval, merges results and assembles the
// structural-blocks response. Read-only and best-effort: source failures
// surface as missing/source fields of the result, never as a returned error.
type Service struct {
	cfg      Config
	logger   ports.Logger
	primary  ports.CandleSource
	fallback ports.CandleSource
	micro    *micro.Calculator
	info     *exchangeinfo.Cache

	mu       sync.Mutex
	failures map[failureKey][]time.Time
	stats    map[domain.BlockSource]int

	now func() time.Time
}

// New creates the orchestrator service.
func New(cfg Config, logger ports.Logger, primary, fallback ports.CandleSource, calc *micro.Calculator, info *exchangeinfo.Cache) (*Service, error) {
	if logger == nil || primary == nil || fallback == nil || calc == nil || info == nil {
		return nil, fmt.Errorf("missing required dependencies for service: %w", ports.ErrConfigurationError)
	}
	cfg.applyDefaults()
	return &Service{
		cfg:      cfg,
		logger:   logger,
		primary:  primary,
		fallback: fallback,
		micro:    calc,
		info:     info,
		failures: make(map[failureKey][]time.Time),
		stats:    make(map[domain.BlockSource]int),
		now:      time.Now,
	}, nil
}

// GetStructuralBlocks produces the best available view of each requested
// interval for symbol, with explicit provenance and missing flags, plus the
// microstructure and funding snapshot. Intervals are fetched concurrently.
//
// Only invalid arguments produce an error; source-level failures are
// recovered by the fetch chain and reported through the block fields.
func (s *Service) GetStructuralBlocks(ctx context.Context, symbol string, intervals []domain.Interval) (*domain.StructuralBlocks, error) {
	symbol = domain.NormalizeSymbol(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("empty symbol: %w", ports.ErrInvalidRequest)
	}
	if len(intervals) == 0 {
		return nil, fmt.Errorf("no intervals requested: %w", ports.ErrInvalidRequest)
	}
	seen := make(map[domain.Interval]bool, len(intervals))
	unique := make([]domain.Interval, 0, len(intervals))
	for _, iv := range intervals {
		if !iv.Valid() {
			return nil, fmt.Errorf("interval %q: %w", iv, ports.ErrUnsupportedInterval)
		}
		if !seen[iv] {
			seen[iv] = true
			unique = append(unique, iv)
		}
	}

	result := &domain.StructuralBlocks{
		Symbol:      symbol,
		Intervals:   make(map[domain.Interval]domain.IntervalBlock, len(unique)),
		GeneratedAt: s.now(),
	}

	var wg sync.WaitGroup
	var resMu sync.Mutex

	for _, iv := range unique {
		wg.Add(1)
		go func(iv domain.Interval) {
			defer wg.Done()
			block := s.fetchInterval(ctx, symbol, iv)
			resMu.Lock()
			result.Intervals[iv] = block
			resMu.Unlock()
			s.recordTerminal(ctx, block.Source)
		}(iv)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		mctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
		snap := s.micro.Compute(mctx, symbol)
		resMu.Lock()
		result.Micro = snap.Micro
		result.Funding = snap.Funding
		result.OpenInterest = snap.OpenInterest
		resMu.Unlock()
	}()

	wg.Wait()
	return result, nil
}

// ClearExchangeInfoCache drops all cached instrument metadata immediately.
// Operational escape hatch, not part of the normal request flow.
func (s *Service) ClearExchangeInfoCache() {
	s.info.Invalidate()
	s.logger.Info(context.Background(), "Exchange-info cache cleared")
}

// fetchInterval runs the per-interval state machine. Terminal states:
// primary, fallback, resampled, missing.
func (s *Service) fetchInterval(ctx context.Context, symbol string, interval domain.Interval) domain.IntervalBlock {
	limit := s.cfg.CandleLimit

	candles, coverage, source, reason := s.fetchDirect(ctx, symbol, interval, limit)
	if candles != nil {
		return domain.IntervalBlock{Interval: interval, Candles: candles, Source: source, Coverage: coverage}
	}

	// No resample path exists for the base resolution.
	if interval == domain.Interval1m {
		return s.missingBlock(ctx, symbol, interval, 0, reason)
	}

	return s.fetchResampled(ctx, symbol, interval, limit, reason)
}

// fetchDirect attempts the primary source, then the fallback. It returns
// the accepted candles with their coverage and provenance, or nil candles
// with the accumulated fallback reason.
func (s *Service) fetchDirect(ctx context.Context, symbol string, interval domain.Interval, limit int) ([]domain.Candle, float64, domain.BlockSource, string) {
	reason := ""

	candles, coverage, err := s.attemptSource(ctx, s.primary, symbol, interval, limit)
	if err == nil {
		return candles, coverage, domain.SourcePrimary, ""
	}
	reason = fmt.Sprintf("%s failed: %v", s.primary.Name(), err)
	s.logTransition(ctx, symbol, interval, s.primary.Name(), err)
	if !ports.IsSourceError(err) {
		// Canceled or malformed calls do not recover on another venue.
		return nil, 0, domain.SourceMissing, reason
	}

	candles, coverage, err = s.attemptSource(ctx, s.fallback, symbol, interval, limit)
	if err == nil {
		return candles, coverage, domain.SourceFallback, ""
	}
	reason = fmt.Sprintf("%s; %s failed: %v", reason, s.fallback.Name(), err)
	s.logTransition(ctx, symbol, interval, s.fallback.Name(), err)

	return nil, 0, domain.SourceMissing, reason
}

// fetchResampled derives the target interval from 1m candles obtained via
// the same primary-then-fallback chain, then applies the coverage gate.
func (s *Service) fetchResampled(ctx context.Context, symbol string, interval domain.Interval, limit int, reason string) domain.IntervalBlock {
	baseLimit := limit * interval.Minutes()
	if baseLimit > maxKlinesPerRequest {
		baseLimit = maxKlinesPerRequest
	}
	// The most recent window actually coverable by one base fetch.
	expected := baseLimit / interval.Minutes()

	base, _, _, baseReason := s.fetchDirect(ctx, symbol, domain.Interval1m, baseLimit)
	if base == nil {
		return s.missingBlock(ctx, symbol, interval, 0, fmt.Sprintf("%s; 1m base fetch: %s", reason, baseReason))
	}

	res, err := resample.Resample(base, interval, s.cfg.CoverageThreshold)
	if err != nil {
		return s.missingBlock(ctx, symbol, interval, 0, fmt.Sprintf("%s; resample: %v", reason, err))
	}

	coverage := float64(len(res.Candles)) / float64(expected)
	if coverage > 1 {
		coverage = 1
	}
	if coverage < s.cfg.CoverageThreshold {
		err := fmt.Errorf("resampled %d of %d buckets (%d dropped): %w",
			res.BucketsKept, expected, res.BucketsDropped, ports.ErrInsufficientCoverage)
		s.logTransition(ctx, symbol, interval, "resample", err)
		return s.missingBlock(ctx, symbol, interval, coverage, fmt.Sprintf("%s; %v", reason, err))
	}

	s.logger.Info(ctx, "Interval served from resampled 1m data", map[string]interface{}{
		"symbol":   symbol,
		"interval": interval,
		"candles":  len(res.Candles),
		"coverage": coverage,
		"reason":   reason,
	})
	return domain.IntervalBlock{
		Interval: interval,
		Candles:  res.Candles,
		Source:   domain.SourceResampled,
		Coverage: coverage,
	}
}

// attemptSource performs exactly one bounded fetch against src and applies
// the sufficiency gate: a short result falls through the chain like a
// failure instead of being accepted and flagged.
func (s *Service) attemptSource(ctx context.Context, src ports.CandleSource, symbol string, interval domain.Interval, limit int) ([]domain.Candle, float64, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	candles, err := src.FetchCandles(cctx, symbol, interval, limit)
	if err != nil {
		return nil, 0, err
	}

	coverage := float64(len(candles)) / float64(limit)
	if coverage > 1 {
		coverage = 1
	}
	if coverage < s.cfg.CoverageThreshold {
		return nil, coverage, fmt.Errorf("%s returned %d of %d candles: %w",
			src.Name(), len(candles), limit, ports.ErrInsufficientData)
	}
	return candles, coverage, nil
}

func (s *Service) missingBlock(ctx context.Context, symbol string, interval domain.Interval, coverage float64, reason string) domain.IntervalBlock {
	s.logger.Warn(ctx, "Interval missing after exhausting all sources", map[string]interface{}{
		"symbol":   symbol,
		"interval": interval,
		"reason":   reason,
	})
	return domain.IntervalBlock{
		Interval: interval,
		Candles:  []domain.Candle{},
		Source:   domain.SourceMissing,
		Missing:  true,
		Coverage: coverage,
	}
}

// logTransition logs a fallback transition with its reason, suppressing
// repeats for the same (symbol, interval, source) within the rolling window
// so a flapping upstream cannot cause a log storm. The attempt counting is
// observability only; it never suppresses the fetch itself.
func (s *Service) logTransition(ctx context.Context, symbol string, interval domain.Interval, source string, err error) {
	key := failureKey{symbol: symbol, interval: interval, source: source}
	now := s.now()

	s.mu.Lock()
	history := s.failures[key]
	kept := history[:0]
	for _, t := range history {
		if now.Sub(t) <= s.cfg.FailureWindow {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.failures[key] = kept
	count := len(kept)
	s.mu.Unlock()

	fields := map[string]interface{}{
		"symbol":   symbol,
		"interval": interval,
		"source":   source,
		"reason":   err.Error(),
		"repeats":  count,
	}
	switch {
	case count <= s.cfg.FailureLogThreshold:
		s.logger.Warn(ctx, "Source failed, falling through fetch chain", fields)
	case count == s.cfg.FailureLogThreshold+1:
		s.logger.Warn(ctx, "Further failures for this source suppressed from logs", fields)
	default:
		s.logger.Debug(ctx, "Source failed (suppressed)", fields)
	}
}

// recordTerminal feeds the degraded-data watchdog.
func (s *Service) recordTerminal(ctx context.Context, source domain.BlockSource) {
	s.mu.Lock()
	s.stats[source]++
	total := 0
	for _, n := range s.stats {
		total += n
	}
	if total < s.cfg.DegradedWindow {
		s.mu.Unlock()
		return
	}
	degraded := float64(s.stats[domain.SourceResampled]+s.stats[domain.SourceMissing]) / float64(total)
	s.stats = make(map[domain.BlockSource]int)
	s.mu.Unlock()

	if degraded > s.cfg.DegradedRatio {
		s.logger.Warn(ctx, "High degraded data ratio", map[string]interface{}{
			"ratio":  degraded,
			"window": total,
		})
	}
}
