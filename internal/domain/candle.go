package domain

import (
	"fmt"
	"math"
	"time"
)

// Interval is a candle resolution supported by the aggregation layer.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
)

// ParseInterval converts a string into a supported Interval.
func ParseInterval(s string) (Interval, bool) {
	switch Interval(s) {
	case Interval1m, Interval15m, Interval1h:
		return Interval(s), true
	default:
		return "", false
	}
}

// Valid reports whether the interval is one of the supported resolutions.
func (i Interval) Valid() bool {
	_, ok := ParseInterval(string(i))
	return ok
}

// Minutes returns the interval length in minutes (0 for unknown intervals).
func (i Interval) Minutes() int {
	switch i {
	case Interval1m:
		return 1
	case Interval15m:
		return 15
	case Interval1h:
		return 60
	default:
		return 0
	}
}

// Duration returns the interval length as a time.Duration.
func (i Interval) Duration() time.Duration {
	return time.Duration(i.Minutes()) * time.Minute
}

// Candle represents a single OHLCV data point. Immutable once constructed.
type Candle struct {
	OpenTime  time.Time `json:"openTime"`
	CloseTime time.Time `json:"closeTime"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Validate checks the structural invariants of a candle:
// all fields finite and non-negative, and low <= open,close <= high.
func (c Candle) Validate() error {
	for name, v := range map[string]float64{
		"open": c.Open, "high": c.High, "low": c.Low, "close": c.Close, "volume": c.Volume,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("candle %s is not finite", name)
		}
		if v < 0 {
			return fmt.Errorf("candle %s is negative: %v", name, v)
		}
	}
	if c.Low > c.Open || c.Low > c.Close || c.High < c.Open || c.High < c.Close {
		return fmt.Errorf("candle violates low <= open,close <= high: o=%v h=%v l=%v c=%v",
			c.Open, c.High, c.Low, c.Close)
	}
	if c.CloseTime.Before(c.OpenTime) {
		return fmt.Errorf("candle close time %s before open time %s", c.CloseTime, c.OpenTime)
	}
	return nil
}
