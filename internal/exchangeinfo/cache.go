package exchangeinfo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"marketgate/internal/domain"
	"marketgate/internal/ports"
)

// Entry is a cached instrument-metadata record. Owned exclusively by the
// cache; lifetime is governed by the TTL from FetchedAt or by Invalidate.
type Entry struct {
	Symbol       string
	ContractType string
	QuoteAsset   string
	Status       string
	TickSize     float64
	FetchedAt    time.Time
}

// Cache is a TTL-bounded exchange-info cache with single-flight refresh:
// concurrent misses for the same symbol trigger exactly one upstream fetch,
// and readers of a valid entry never block behind one.
type Cache struct {
	provider ports.ExchangeInfoProvider
	logger   ports.Logger
	ttl      time.Duration

	mu      sync.RWMutex
	entries map[string]Entry

	group singleflight.Group
	now   func() time.Time
}

// New creates a cache over the given metadata provider.
func New(provider ports.ExchangeInfoProvider, logger ports.Logger, ttl time.Duration) (*Cache, error) {
	if provider == nil || logger == nil {
		return nil, fmt.Errorf("provider and logger are required for exchange-info cache: %w", ports.ErrConfigurationError)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		provider: provider,
		logger:   logger,
		ttl:      ttl,
		entries:  make(map[string]Entry),
		now:      time.Now,
	}, nil
}

// Get returns the cached entry for symbol, fetching and populating on a miss
// or TTL expiry. When the upstream fetch fails and a stale entry exists, the
// stale entry is returned with a warning instead of failing the caller.
func (c *Cache) Get(ctx context.Context, symbol string) (Entry, error) {
	symbol = domain.NormalizeSymbol(symbol)
	if symbol == "" {
		return Entry{}, fmt.Errorf("empty symbol: %w", ports.ErrInvalidRequest)
	}

	if entry, ok := c.lookup(symbol); ok {
		return entry, nil
	}

	v, err, _ := c.group.Do(symbol, func() (interface{}, error) {
		// Another waiter may have refreshed while we queued for the flight.
		if entry, ok := c.lookup(symbol); ok {
			return entry, nil
		}
		return c.refresh(ctx, symbol)
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

// Invalidate clears all entries immediately. Operational escape hatch; the
// next Get per symbol refetches.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.mu.Unlock()
}

func (c *Cache) lookup(symbol string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[symbol]
	if !ok || c.now().Sub(entry.FetchedAt) >= c.ttl {
		return Entry{}, false
	}
	return entry, true
}

func (c *Cache) refresh(ctx context.Context, symbol string) (Entry, error) {
	info, err := c.provider.FetchSymbolInfo(ctx, symbol)
	if err != nil {
		c.mu.RLock()
		stale, ok := c.entries[symbol]
		c.mu.RUnlock()
		if ok {
			c.logger.Warn(ctx, "Exchange-info refresh failed, serving stale entry", map[string]interface{}{
				"symbol": symbol,
				"age":    c.now().Sub(stale.FetchedAt).String(),
				"error":  err.Error(),
			})
			return stale, nil
		}
		return Entry{}, fmt.Errorf("exchange-info fetch for %s: %w", symbol, err)
	}

	entry := Entry{
		Symbol:       info.Symbol,
		ContractType: info.ContractType,
		QuoteAsset:   info.QuoteAsset,
		Status:       info.Status,
		TickSize:     info.TickSize,
		FetchedAt:    c.now(),
	}
	c.mu.Lock()
	c.entries[symbol] = entry
	c.mu.Unlock()

	c.logger.Debug(ctx, "Exchange-info entry refreshed", map[string]interface{}{
		"symbol":       symbol,
		"contractType": entry.ContractType,
		"tickSize":     entry.TickSize,
	})
	return entry, nil
}
