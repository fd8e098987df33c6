package domain

import "time"

// Candle is the OHLC summary of all ticks inside one fixed-width time
// bucket. Timestamp is the bucket start.
type Candle struct {
	Timestamp  time.Time
	TickerId   string
	Resolution Resolution
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
}

// Contains reports whether t falls inside the candle's bucket.
func (c *Candle) Contains(t time.Time) bool {
	return !t.Before(c.Timestamp) && t.Before(c.Timestamp.Add(c.Resolution.Duration()))
}

// FoldCandles folds finer candles, ordered by bucket start, into one
// coarser candle: open from the first, close from the last, high/low as
// extremes, volumes summed. Returns false for an empty input.
func FoldCandles(candles []Candle, resolution Resolution) (Candle, bool) {
	if len(candles) == 0 {
		return Candle{}, false
	}

	folded := Candle{
		Timestamp:  resolution.Truncate(candles[0].Timestamp),
		TickerId:   candles[0].TickerId,
		Resolution: resolution,
		Open:       candles[0].Open,
		High:       candles[0].High,
		Low:        candles[0].Low,
		Close:      candles[len(candles)-1].Close,
	}
	for _, c := range candles {
		if c.High > folded.High {
			folded.High = c.High
		}
		if c.Low < folded.Low {
			folded.Low = c.Low
		}
		folded.Volume += c.Volume
	}

	return folded, true
}
