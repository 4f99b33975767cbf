package resample

import (
	"math"

	"marketgate/internal/domain"
)

// DefaultThreshold is the minimum live-candle fraction a bucket (and a
// block) must reach to be usable: 13 of 15 for 15m, 51 of 60 for 1h.
const DefaultThreshold = 0.85

// ExpectedBaseCandles returns how many 1m candles a full bucket of the
// target interval contains.
func ExpectedBaseCandles(target domain.Interval) int {
	return target.Minutes()
}

// MinBucketCandles returns the minimum number of live 1m candles a bucket
// needs to be accepted under the given threshold.
func MinBucketCandles(target domain.Interval, threshold float64) int {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return int(math.Ceil(threshold * float64(ExpectedBaseCandles(target))))
}

// ValidateBucket reports whether a bucket with the given live candle count
// meets the coverage threshold for the target interval.
func ValidateBucket(count int, target domain.Interval, threshold float64) bool {
	return count >= MinBucketCandles(target, threshold)
}
