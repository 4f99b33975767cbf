package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"marketgate/internal/ports"
)

// Limiter tracks a sliding request-weight budget for one upstream host and
// a cooldown window engaged after throttle responses (429/5xx). One instance
// per target host, shared by every caller of that host.
//
// Acquire never blocks and never fails; callers must check the allowed flag
// and either wait or fall back.
type Limiter struct {
	logger  ports.Logger
	limiter *rate.Limiter

	mu        sync.Mutex
	backoff   *backoff.Backoff
	coolUntil time.Time

	now func() time.Time
}

// Config holds the operational quota constants. The numbers are
// exchange-specific and deliberately not hardcoded; defaults match the
// Binance fapi request-weight budget.
type Config struct {
	WeightPerMinute int           // rolling budget, weight units per minute
	Burst           int           // maximum instantaneous weight (defaults to WeightPerMinute)
	CooldownMin     time.Duration // first cooldown after a throttle report
	CooldownMax     time.Duration // cap for repeated throttling
	Logger          ports.Logger
}

// New creates a limiter from cfg.
func New(cfg Config) (*Limiter, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for rate limiter: %w", ports.ErrConfigurationError)
	}
	if cfg.WeightPerMinute <= 0 {
		return nil, fmt.Errorf("WeightPerMinute must be positive: %w", ports.ErrConfigurationError)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.WeightPerMinute
	}
	coolMin := cfg.CooldownMin
	if coolMin <= 0 {
		coolMin = time.Second
	}
	coolMax := cfg.CooldownMax
	if coolMax <= coolMin {
		coolMax = 2 * time.Minute
	}

	return &Limiter{
		logger:  cfg.Logger,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.WeightPerMinute)/60.0), burst),
		backoff: &backoff.Backoff{
			Min:    coolMin,
			Max:    coolMax,
			Factor: 2,
			// Jitter spreads concurrent retries so callers do not all resume
			// in the same instant after a shared cooldown.
			Jitter: true,
		},
		now: time.Now,
	}, nil
}

// Acquire consumes weight units from the budget. It returns whether the call
// may proceed and, when it may not, a hint for how long the caller would have
// to wait. The hint is advisory; this layer falls back instead of waiting.
func (l *Limiter) Acquire(weight int) (bool, time.Duration) {
	if weight <= 0 {
		weight = 1
	}
	now := l.now()

	l.mu.Lock()
	if now.Before(l.coolUntil) {
		wait := l.coolUntil.Sub(now)
		l.mu.Unlock()
		return false, wait
	}
	l.mu.Unlock()

	if l.limiter.AllowN(now, weight) {
		return true, 0
	}

	// Reserve to learn the wait hint, then cancel so the budget is not
	// actually consumed by a call that will not happen.
	res := l.limiter.ReserveN(now, weight)
	if !res.OK() {
		return false, time.Minute
	}
	wait := res.DelayFrom(now)
	res.CancelAt(now)
	return false, wait
}

// ReportThrottled records a 429/5xx signal from a caller and engages a
// cooldown during which Acquire denies all requests. The window is the
// larger of the upstream Retry-After and a jittered exponential backoff
// that grows on repeated throttling up to the configured cap.
func (l *Limiter) ReportThrottled(retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	d := l.backoff.Duration()
	if retryAfter > d {
		d = retryAfter
	}
	until := l.now().Add(d)
	if until.After(l.coolUntil) {
		l.coolUntil = until
	}
	l.logger.Warn(context.Background(), "Rate limiter cooldown engaged", map[string]interface{}{
		"cooldown":   d.String(),
		"retryAfter": retryAfter.String(),
	})
}

// ReportSuccess resets the backoff progression after a call went through.
// The sliding weight budget is unaffected.
func (l *Limiter) ReportSuccess() {
	l.mu.Lock()
	l.backoff.Reset()
	l.mu.Unlock()
}
