package utils

import (
	"encoding/csv"
	"os"
	"strconv"
	"time"

	"marketgate/internal/domain"
)

// WriteCandlesToCSV dumps an interval block to a CSV file, one candle per
// row, with its provenance in every row so exported files stay
// self-describing.
func WriteCandlesToCSV(symbol string, block domain.IntervalBlock, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	writer.Write([]string{"open_time", "close_time", "symbol", "interval", "source", "open", "high", "low", "close", "volume"})

	for _, c := range block.Candles {
		writer.Write([]string{
			c.OpenTime.Format(time.RFC3339),
			c.CloseTime.Format(time.RFC3339),
			symbol,
			string(block.Interval),
			string(block.Source),
			strconv.FormatFloat(c.Open, 'f', -1, 64),
			strconv.FormatFloat(c.High, 'f', -1, 64),
			strconv.FormatFloat(c.Low, 'f', -1, 64),
			strconv.FormatFloat(c.Close, 'f', -1, 64),
			strconv.FormatFloat(c.Volume, 'f', -1, 64),
		})
	}
	return writer.Error()
}
