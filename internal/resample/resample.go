// Package resample derives higher-timeframe candles from 1-minute candles.
// It is pure computation: no I/O, deterministic and idempotent for a given
// input sequence.
package resample

import (
	"fmt"
	"sort"
	"time"

	"marketgate/internal/domain"
	"marketgate/internal/ports"
)

// Result is the outcome of one resample pass.
type Result struct {
	Candles        []domain.Candle // accepted buckets, ascending open time
	BucketsKept    int
	BucketsDropped int // buckets observed but below the coverage threshold
}

// Resample groups 1-minute candles into fixed-size calendar-aligned buckets
// of the target interval. Bucket boundary is floor(openTime / bucketDuration);
// for each bucket: open = first candle's open, close = last candle's close,
// high/low = bucket extrema, volume = sum, openTime = bucket start.
//
// Buckets are independent: a gap in the 1m data reduces that bucket's
// coverage rather than failing the pass. Buckets below the threshold are
// dropped whole, never emitted with partial data.
//
// Only 15m and 1h are valid targets; 1m is never the output of a resample.
func Resample(base []domain.Candle, target domain.Interval, threshold float64) (Result, error) {
	if target != domain.Interval15m && target != domain.Interval1h {
		return Result{}, fmt.Errorf("resample target %q: %w", target, ports.ErrUnsupportedInterval)
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	if len(base) == 0 {
		return Result{}, nil
	}

	dur := target.Duration()
	grouped := make(map[time.Time][]domain.Candle)
	starts := make([]time.Time, 0)
	for _, c := range base {
		start := c.OpenTime.Truncate(dur)
		if _, seen := grouped[start]; !seen {
			starts = append(starts, start)
		}
		grouped[start] = append(grouped[start], c)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	minCandles := MinBucketCandles(target, threshold)
	res := Result{Candles: make([]domain.Candle, 0, len(starts))}
	for _, start := range starts {
		bucket := grouped[start]
		if len(bucket) < minCandles {
			res.BucketsDropped++
			continue
		}
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].OpenTime.Before(bucket[j].OpenTime) })

		out := domain.Candle{
			OpenTime:  start,
			CloseTime: start.Add(dur - time.Millisecond),
			Open:      bucket[0].Open,
			Close:     bucket[len(bucket)-1].Close,
			High:      bucket[0].High,
			Low:       bucket[0].Low,
		}
		for _, c := range bucket {
			if c.High > out.High {
				out.High = c.High
			}
			if c.Low < out.Low {
				out.Low = c.Low
			}
			out.Volume += c.Volume
		}
		res.Candles = append(res.Candles, out)
		res.BucketsKept++
	}
	return res, nil
}
