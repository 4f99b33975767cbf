package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"marketgate/internal/domain"
	"marketgate/internal/exchangeinfo"
	"marketgate/internal/ports"
	"marketgate/internal/ratelimit"
)

const (
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	contractTypePerpetual = "PERPETUAL"
	statusTrading         = "TRADING"
)

// Client is the primary market-data source, backed by the Binance USDⓈ-M
// futures REST API via the go-binance library. It consults the shared rate
// limiter before every request and reports throttle responses back to it.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger
	limiter       *ratelimit.Limiter
	info          MetadataCache
}

// MetadataCache is the slice of the exchange-info cache the client needs to
// guard against fetching candles for a non-perpetual or halted listing.
type MetadataCache interface {
	Get(ctx context.Context, symbol string) (exchangeinfo.Entry, error)
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey     string // optional, public market-data endpoints work unauthenticated
	SecretKey  string
	UseTestnet bool
	Logger     ports.Logger
	Limiter    *ratelimit.Limiter
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client: %w", ports.ErrConfigurationError)
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required for Binance client: %w", ports.ErrConfigurationError)
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
	} else {
		client.BaseURL = baseURLProduction
	}
	cfg.Logger.Info(context.Background(), "Binance client configured", map[string]interface{}{"baseURL": client.BaseURL})

	return &Client{
		futuresClient: client,
		logger:        cfg.Logger,
		limiter:       cfg.Limiter,
	}, nil
}

// SetInfoCache wires the shared exchange-info cache after construction.
// The cache itself is built on top of this client's FetchSymbolInfo, so the
// two are connected once both exist.
func (c *Client) SetInfoCache(cache MetadataCache) {
	c.info = cache
}

// Name implements ports.CandleSource.
func (c *Client) Name() string { return "binance" }

// Request weights per the Binance futures documentation. Kept as data so a
// quota change is a one-line edit.
func klinesWeight(limit int) int {
	switch {
	case limit < 100:
		return 1
	case limit < 500:
		return 2
	case limit <= 1000:
		return 5
	default:
		return 10
	}
}

const (
	weightBookTicker   = 2
	weightPremiumIndex = 1
	weightOpenInterest = 1
	weightExchangeInfo = 1
)

// acquire consults the shared limiter; a denial fails fast with
// ErrRateLimited and no network call is made.
func (c *Client) acquire(op string, weight int) error {
	allowed, wait := c.limiter.Acquire(weight)
	if !allowed {
		return fmt.Errorf("%s suppressed by local rate limiter (retry in %s): %w", op, wait, ports.ErrRateLimited)
	}
	return nil
}

// FetchCandles implements ports.CandleSource for 1m/15m/1h.
func (c *Client) FetchCandles(ctx context.Context, symbol string, interval domain.Interval, limit int) ([]domain.Candle, error) {
	op := "FetchCandles"
	if !interval.Valid() {
		return nil, fmt.Errorf("%s: interval %q: %w", op, interval, ports.ErrUnsupportedInterval)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%s: limit must be positive: %w", op, ports.ErrInvalidRequest)
	}

	if err := c.guardListing(ctx, symbol); err != nil {
		return nil, err
	}
	if err := c.acquire(op, klinesWeight(limit)); err != nil {
		return nil, err
	}

	klines, err := c.futuresClient.NewKlinesService().
		Symbol(symbol).
		Interval(string(interval)).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	c.limiter.ReportSuccess()

	candles := make([]domain.Candle, 0, len(klines))
	for _, k := range klines {
		candle, err := translateKline(k)
		if err != nil {
			// A single malformed row is skipped rather than fabricated.
			c.logger.Warn(ctx, "Skipping unparsable kline row", map[string]interface{}{
				"symbol": symbol, "interval": interval, "error": err.Error(),
			})
			continue
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// guardListing checks cached instrument metadata before spending quota on a
// klines call. Best effort: a cache failure is logged and the fetch
// proceeds, but a listing that resolves to the wrong product type fails.
func (c *Client) guardListing(ctx context.Context, symbol string) error {
	if c.info == nil {
		return nil
	}
	entry, err := c.info.Get(ctx, symbol)
	if err != nil {
		c.logger.Debug(ctx, "Exchange-info unavailable, proceeding without listing guard", map[string]interface{}{
			"symbol": symbol, "error": err.Error(),
		})
		return nil
	}
	if entry.ContractType != contractTypePerpetual || entry.Status != statusTrading {
		return fmt.Errorf("symbol %s resolves to %s/%s on primary: %w",
			symbol, entry.ContractType, entry.Status, ports.ErrMarketTypeMismatch)
	}
	return nil
}

// GetBookTicker implements ports.DepthProvider.
func (c *Client) GetBookTicker(ctx context.Context, symbol string) (*ports.BookTicker, error) {
	op := "GetBookTicker"
	if err := c.acquire(op, weightBookTicker); err != nil {
		return nil, err
	}

	tickers, err := c.futuresClient.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	c.limiter.ReportSuccess()
	if len(tickers) == 0 {
		return nil, fmt.Errorf("%s: no book ticker for %s: %w", op, symbol, ports.ErrSymbolNotFound)
	}

	bid, err := strconv.ParseFloat(tickers[0].BidPrice, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: parsing bid %q: %w", op, tickers[0].BidPrice, ports.ErrUpstream)
	}
	ask, err := strconv.ParseFloat(tickers[0].AskPrice, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: parsing ask %q: %w", op, tickers[0].AskPrice, ports.ErrUpstream)
	}
	// The REST bookTicker list response carries no timestamp; stamp locally.
	return &ports.BookTicker{
		Symbol:   tickers[0].Symbol,
		BidPrice: bid,
		AskPrice: ask,
		Time:     time.Now(),
	}, nil
}

// GetFunding implements ports.FundingProvider using the premium-index
// endpoint (mark price, current funding rate, next funding time).
func (c *Client) GetFunding(ctx context.Context, symbol string) (*domain.Funding, error) {
	op := "GetFunding"
	if err := c.acquire(op, weightPremiumIndex); err != nil {
		return nil, err
	}

	indexes, err := c.futuresClient.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	c.limiter.ReportSuccess()
	if len(indexes) == 0 {
		return nil, fmt.Errorf("%s: no premium index for %s: %w", op, symbol, ports.ErrSymbolNotFound)
	}

	mark, err := strconv.ParseFloat(indexes[0].MarkPrice, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: parsing mark price %q: %w", op, indexes[0].MarkPrice, ports.ErrUpstream)
	}
	rate, err := strconv.ParseFloat(indexes[0].LastFundingRate, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: parsing funding rate %q: %w", op, indexes[0].LastFundingRate, ports.ErrUpstream)
	}
	return &domain.Funding{
		MarkPrice:       mark,
		FundingRate:     rate,
		NextFundingTime: time.UnixMilli(indexes[0].NextFundingTime),
	}, nil
}

// GetOpenInterest implements ports.OpenInterestProvider.
func (c *Client) GetOpenInterest(ctx context.Context, symbol string) (float64, error) {
	op := "GetOpenInterest"
	if err := c.acquire(op, weightOpenInterest); err != nil {
		return 0, err
	}

	oi, err := c.futuresClient.NewGetOpenInterestService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	c.limiter.ReportSuccess()

	value, err := strconv.ParseFloat(oi.OpenInterest, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: parsing open interest %q: %w", op, oi.OpenInterest, ports.ErrUpstream)
	}
	return value, nil
}

// FetchSymbolInfo implements ports.ExchangeInfoProvider. The futures
// exchange-info endpoint returns the whole listing; the entry for the
// requested symbol is extracted here and cached by the caller.
func (c *Client) FetchSymbolInfo(ctx context.Context, symbol string) (*ports.SymbolInfo, error) {
	op := "FetchSymbolInfo"
	if err := c.acquire(op, weightExchangeInfo); err != nil {
		return nil, err
	}

	info, err := c.futuresClient.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	c.limiter.ReportSuccess()

	for i := range info.Symbols {
		s := &info.Symbols[i]
		if s.Symbol != symbol {
			continue
		}
		out := &ports.SymbolInfo{
			Symbol:       s.Symbol,
			ContractType: string(s.ContractType),
			QuoteAsset:   s.QuoteAsset,
			Status:       s.Status,
		}
		if pf := s.PriceFilter(); pf != nil {
			if tick, err := strconv.ParseFloat(pf.TickSize, 64); err == nil {
				out.TickSize = tick
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s: %s not in futures listing: %w", op, symbol, ports.ErrSymbolNotFound)
}

// handleError translates Binance API errors into the ports taxonomy and
// reports throttle responses to the shared limiter.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}
	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch {
		case apiErr.Code == -1003 || isThrottleMessage(apiErr.Message):
			c.limiter.ReportThrottled(0)
			mappedErr = ports.ErrRateLimited
		case apiErr.Code == -1121:
			mappedErr = ports.ErrSymbolNotFound
		case apiErr.Code == -1000 || apiErr.Code == -1001 || apiErr.Code == -1007:
			// Internal error / disconnected / gateway timeout on the
			// exchange side: cooldown applies like a 5xx.
			c.limiter.ReportThrottled(0)
			mappedErr = ports.ErrUpstream
		case apiErr.Code <= -1100 && apiErr.Code > -1200:
			mappedErr = ports.ErrInvalidRequest
		default:
			mappedErr = ports.ErrUpstream
		}
		finalErr := fmt.Errorf("%s failed (code %d): %w: %w", operation, apiErr.Code, mappedErr, err)
		c.logger.Error(ctx, err, operation+" failed with API error", fields)
		return finalErr
	}

	var finalErr error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		finalErr = fmt.Errorf("%s canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	case isThrottleMessage(err.Error()):
		c.limiter.ReportThrottled(0)
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrRateLimited, err)
	default:
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrNetwork, err)
	}
	c.logger.Error(ctx, err, operation+" failed", fields)
	return finalErr
}

// serverErrorStatus matches a full 5xx status, not any code starting with 5.
var serverErrorStatus = regexp.MustCompile(`status code 5\d\d\b`)

// isThrottleMessage detects rate-limit wording in error bodies that do not
// carry a parsable API code.
func isThrottleMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "status code 429") ||
		serverErrorStatus.MatchString(lower)
}

// translateKline converts a Binance kline row into a domain candle,
// validating structural invariants along the way.
func translateKline(k *futures.Kline) (domain.Candle, error) {
	if k == nil {
		return domain.Candle{}, errors.New("nil kline row")
	}
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("parsing open %q: %w", k.Open, err)
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("parsing high %q: %w", k.High, err)
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("parsing low %q: %w", k.Low, err)
	}
	cls, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("parsing close %q: %w", k.Close, err)
	}
	vol, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("parsing volume %q: %w", k.Volume, err)
	}

	candle := domain.Candle{
		OpenTime:  time.UnixMilli(k.OpenTime),
		CloseTime: time.UnixMilli(k.CloseTime),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    vol,
	}
	if err := candle.Validate(); err != nil {
		return domain.Candle{}, err
	}
	return candle, nil
}
