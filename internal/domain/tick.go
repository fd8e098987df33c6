package domain

import (
	"errors"
	"math"
	"time"
)

var (
	// ErrNoPrice is returned when a quote carries neither mid, bid nor ask.
	ErrNoPrice = errors.New("quote has no usable price")
	// ErrInvalidPrice is returned for non-finite or negative prices.
	ErrInvalidPrice = errors.New("invalid price")
	// ErrStaleTick is returned when a tick is older than the retention window.
	ErrStaleTick = errors.New("tick older than retention window")
)

// RawQuote is one inbound price message before validation. Any of the
// price fields may be absent, and the feed may omit the timestamp.
type RawQuote struct {
	Bid    *float64
	Ask    *float64
	Mid    *float64
	Volume int64
	Time   time.Time
}

// Tick is one normalized price observation. Immutable once built.
type Tick struct {
	Time   time.Time
	Price  float64
	Volume int64
}

// Normalize validates a raw quote and derives the canonical tick price.
// Precedence: mid, then (bid+ask)/2, then whichever side is present.
// Quotes without a timestamp are stamped with now.
func Normalize(raw RawQuote, now time.Time) (Tick, error) {
	price, err := derivePrice(raw)
	if err != nil {
		return Tick{}, err
	}

	ts := raw.Time
	if ts.IsZero() {
		ts = now
	}

	volume := raw.Volume
	if volume < 0 {
		volume = 0
	}

	return Tick{
		Time:   ts.UTC(),
		Price:  price,
		Volume: volume,
	}, nil
}

func derivePrice(raw RawQuote) (float64, error) {
	var price float64
	switch {
	case raw.Mid != nil:
		price = *raw.Mid
	case raw.Bid != nil && raw.Ask != nil:
		price = (*raw.Bid + *raw.Ask) / 2
	case raw.Bid != nil:
		price = *raw.Bid
	case raw.Ask != nil:
		price = *raw.Ask
	default:
		return 0, ErrNoPrice
	}

	if math.IsNaN(price) || math.IsInf(price, 0) || price < 0 {
		return 0, ErrInvalidPrice
	}

	return price, nil
}

// PricePoint is the raw quote view retained for downstream viewers. It
// keeps both sides of the quote, which the normalized Tick collapses.
type PricePoint struct {
	Time   time.Time `json:"timestamp"`
	Bid    *float64  `json:"bid"`
	Ask    *float64  `json:"ask"`
	Mid    float64   `json:"mid"`
	Spread *float64  `json:"spread"`
	Volume int64     `json:"volume"`
}

// NewPricePoint builds the viewer-facing sample for a quote that
// normalized into tick.
func NewPricePoint(raw RawQuote, tick Tick) PricePoint {
	p := PricePoint{
		Time:   tick.Time,
		Bid:    raw.Bid,
		Ask:    raw.Ask,
		Mid:    tick.Price,
		Volume: tick.Volume,
	}
	if raw.Bid != nil && raw.Ask != nil {
		spread := *raw.Ask - *raw.Bid
		p.Spread = &spread
	}
	return p
}
