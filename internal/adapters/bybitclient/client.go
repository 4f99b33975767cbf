// Package bybitclient is the fallback candle source. It serves the same
// USDT-margined perpetual instrument from an independently-failing venue
// through the Bybit v5 market-data API, and refuses to return data unless
// the resolved market passes an explicit contract-type allow-list.
package bybitclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"

	"marketgate/internal/domain"
	"marketgate/internal/ports"
)

const (
	defaultBaseURL = "https://api.bybit.com"
	categoryLinear = "linear"

	expectedQuoteCoin = "USDT"
	statusTrading     = "Trading"

	// The v5 kline endpoint rejects limit > 1000 with retCode 10001.
	// Larger requests are paged backwards with the end cursor.
	maxKlinesPerRequest = 1000
)

// allowedContractTypes is the explicit allow-list for the expected
// derivatives product. Anything else is a wrong-market correctness bug,
// not a data point.
var allowedContractTypes = map[string]struct{}{
	"LinearPerpetual": {},
}

// Bybit's v5 kline interval identifiers for the supported resolutions.
var intervalParam = map[domain.Interval]string{
	domain.Interval1m:  "1",
	domain.Interval15m: "15",
	domain.Interval1h:  "60",
}

// Client implements ports.CandleSource against the Bybit v5 REST API.
type Client struct {
	http   *bybit.Client
	logger ports.Logger

	instrumentTTL time.Duration
	mu            sync.Mutex
	instruments   map[string]instrumentEntry

	now func() time.Time
}

type instrumentEntry struct {
	checkedAt time.Time
	err       error // nil means the market passed the allow-list
}

// Config holds configuration specific to the Bybit fallback adapter.
type Config struct {
	APIKey        string // optional, market-data endpoints are public
	APISecret     string
	BaseURL       string
	Timeout       time.Duration
	InstrumentTTL time.Duration // how long a market classification stays valid
	Logger        ports.Logger
}

// New creates a new Bybit client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Bybit client: %w", ports.ErrConfigurationError)
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ttl := cfg.InstrumentTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	client := bybit.NewBybitHttpClient(cfg.APIKey, cfg.APISecret, bybit.WithBaseURL(base))
	client.HTTPClient = &http.Client{Timeout: timeout}
	cfg.Logger.Info(context.Background(), "Bybit client configured", map[string]interface{}{"baseURL": base})

	return &Client{
		http:          client,
		logger:        cfg.Logger,
		instrumentTTL: ttl,
		instruments:   make(map[string]instrumentEntry),
		now:           time.Now,
	}, nil
}

// Name implements ports.CandleSource.
func (c *Client) Name() string { return "bybit" }

// FetchCandles implements ports.CandleSource. The resolved market is
// validated against the contract-type allow-list before any candle data is
// returned; a mismatch fails with ErrMarketTypeMismatch rather than
// silently serving spot or a different contract's candles.
//
// Requests above the per-request cap are served by paging backwards from
// the newest candle with the end cursor, so callers can ask for the same
// limits the primary venue accepts.
func (c *Client) FetchCandles(ctx context.Context, symbol string, interval domain.Interval, limit int) ([]domain.Candle, error) {
	op := "FetchCandles"
	param, ok := intervalParam[interval]
	if !ok {
		return nil, fmt.Errorf("%s: interval %q: %w", op, interval, ports.ErrUnsupportedInterval)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%s: limit must be positive: %w", op, ports.ErrInvalidRequest)
	}

	if err := c.ensureLinearPerpetual(ctx, symbol); err != nil {
		return nil, err
	}

	var candles []domain.Candle
	skippedTotal := 0
	remaining := limit
	var endMs int64 // 0 means newest page
	for remaining > 0 {
		page := remaining
		if page > maxKlinesPerRequest {
			page = maxKlinesPerRequest
		}
		rows, err := c.fetchKlinePage(ctx, symbol, param, page, endMs)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}

		parsed, skipped := parseKlineRows(rows, interval)
		skippedTotal += skipped
		if len(parsed) == 0 {
			break
		}
		candles = append(parsed, candles...)
		remaining -= len(rows)
		// Older pages end strictly before the oldest candle seen so far.
		endMs = parsed[0].OpenTime.UnixMilli() - 1
		if len(rows) < page {
			// History exhausted.
			break
		}
	}

	if skippedTotal > 0 {
		c.logger.Warn(ctx, "Skipped unparsable kline rows", map[string]interface{}{
			"symbol": symbol, "interval": interval, "skipped": skippedTotal,
		})
	}
	return candles, nil
}

// fetchKlinePage retrieves one kline page (newest-first rows). An endMs of
// zero requests the newest page; otherwise rows end at endMs inclusive.
func (c *Client) fetchKlinePage(ctx context.Context, symbol, interval string, limit int, endMs int64) ([][]string, error) {
	op := "FetchCandles"
	params := map[string]interface{}{
		"category": categoryLinear,
		"symbol":   symbol,
		"interval": interval,
		"limit":    limit,
	}
	if endMs > 0 {
		params["end"] = endMs
	}
	resp, err := c.http.NewUtaBybitServiceWithParams(params).GetMarketKline(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	if resp.RetCode != 0 {
		return nil, fmt.Errorf("%s failed (retCode %d): %s: %w", op, resp.RetCode, resp.RetMsg, ports.ErrUpstream)
	}

	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal kline result: %w", op, ports.ErrUpstream)
	}
	var result struct {
		Category string     `json:"category"`
		Symbol   string     `json:"symbol"`
		List     [][]string `json:"list"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("%s: decode kline result: %w", op, ports.ErrUpstream)
	}
	return result.List, nil
}

// ensureLinearPerpetual resolves the symbol via instruments-info and checks
// it against the allow-list. Classifications are cached with a TTL so the
// guard does not double the request count on every fetch, but the check
// itself is mandatory on every call path.
func (c *Client) ensureLinearPerpetual(ctx context.Context, symbol string) error {
	now := c.now()
	c.mu.Lock()
	entry, ok := c.instruments[symbol]
	c.mu.Unlock()
	if ok && now.Sub(entry.checkedAt) < c.instrumentTTL {
		return entry.err
	}

	params := map[string]interface{}{
		"category": categoryLinear,
		"symbol":   symbol,
	}
	resp, err := c.http.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
	if err != nil {
		// Transport failure is not a classification: do not cache it.
		return c.handleError(ctx, err, "GetInstrumentInfo")
	}
	if resp.RetCode != 0 {
		return fmt.Errorf("instruments-info failed (retCode %d): %s: %w", resp.RetCode, resp.RetMsg, ports.ErrUpstream)
	}

	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("marshal instruments result: %w", ports.ErrUpstream)
	}
	var result struct {
		Category string       `json:"category"`
		List     []instrument `json:"list"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return fmt.Errorf("decode instruments result: %w", ports.ErrUpstream)
	}

	verdict := classifyInstrument(symbol, result.List)
	c.mu.Lock()
	c.instruments[symbol] = instrumentEntry{checkedAt: now, err: verdict}
	c.mu.Unlock()

	if verdict != nil {
		c.logger.Warn(ctx, "Fallback market failed contract-type allow-list", map[string]interface{}{
			"symbol": symbol, "error": verdict.Error(),
		})
	}
	return verdict
}

type instrument struct {
	Symbol       string `json:"symbol"`
	ContractType string `json:"contractType"`
	Status       string `json:"status"`
	QuoteCoin    string `json:"quoteCoin"`
}

// classifyInstrument applies the allow-list to a resolved market.
func classifyInstrument(symbol string, list []instrument) error {
	if len(list) == 0 {
		return fmt.Errorf("no linear market resolved for %s: %w", symbol, ports.ErrMarketTypeMismatch)
	}
	inst := list[0]
	if _, ok := allowedContractTypes[inst.ContractType]; !ok {
		return fmt.Errorf("%s resolves to contract type %q: %w", symbol, inst.ContractType, ports.ErrMarketTypeMismatch)
	}
	if inst.QuoteCoin != expectedQuoteCoin {
		return fmt.Errorf("%s is quoted in %q, expected %s: %w", symbol, inst.QuoteCoin, expectedQuoteCoin, ports.ErrMarketTypeMismatch)
	}
	if inst.Status != statusTrading {
		return fmt.Errorf("%s status is %q: %w", symbol, inst.Status, ports.ErrMarketTypeMismatch)
	}
	return nil
}

// parseKlineRows converts v5 kline rows into ascending domain candles.
// Bybit returns rows newest-first: [startTime, open, high, low, close,
// volume, turnover] as strings. Unparsable or invariant-violating rows are
// counted and skipped.
func parseKlineRows(rows [][]string, interval domain.Interval) ([]domain.Candle, int) {
	dur := interval.Duration()
	candles := make([]domain.Candle, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		candle, err := parseKlineRow(row, dur)
		if err != nil {
			skipped++
			continue
		}
		candles = append(candles, candle)
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].OpenTime.Before(candles[j].OpenTime) })
	return candles, skipped
}

func parseKlineRow(row []string, dur time.Duration) (domain.Candle, error) {
	if len(row) < 6 {
		return domain.Candle{}, errors.New("kline row too short")
	}
	startMs, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("parsing start time %q: %w", row[0], err)
	}
	values := make([]float64, 5)
	for i := 0; i < 5; i++ {
		v, err := strconv.ParseFloat(row[i+1], 64)
		if err != nil {
			return domain.Candle{}, fmt.Errorf("parsing field %d %q: %w", i+1, row[i+1], err)
		}
		values[i] = v
	}

	open := time.UnixMilli(startMs)
	candle := domain.Candle{
		OpenTime:  open,
		CloseTime: open.Add(dur - time.Millisecond),
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
	}
	if err := candle.Validate(); err != nil {
		return domain.Candle{}, err
	}
	return candle, nil
}

// handleError translates transport-level failures into the ports taxonomy.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var finalErr error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		finalErr = fmt.Errorf("%s canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	default:
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrNetwork, err)
	}
	c.logger.Error(ctx, err, operation+" failed", fields)
	return finalErr
}
