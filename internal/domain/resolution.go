package domain

import (
	"errors"
	"time"
)

var ErrInvalidResolution = errors.New("invalid resolution")

// Resolution is the fixed width of one candle bucket.
type Resolution time.Duration

func (r Resolution) String() string {
	return resolutionToString[r]
}

func (r Resolution) Duration() time.Duration {
	return time.Duration(r)
}

// Truncate maps t to the start of its bucket:
// floor(t / resolution) * resolution.
func (r Resolution) Truncate(t time.Time) time.Time {
	return t.Truncate(time.Duration(r))
}

// MultipleOf reports whether r is an integer multiple of finer, so a
// candle of r spans a whole number of finer candles.
func (r Resolution) MultipleOf(finer Resolution) bool {
	return finer > 0 && r > finer && r%finer == 0
}

func ParseResolution(s string) (Resolution, error) {
	r, ok := stringToResolution[s]
	if !ok {
		return 0, ErrInvalidResolution
	}
	return r, nil
}

var resolutionToString = map[Resolution]string{
	Resolution(time.Second):      "s1",
	Resolution(time.Second * 5):  "s5",
	Resolution(time.Second * 15): "s15",
	Resolution(time.Second * 30): "s30",
	Resolution(time.Minute):      "m1",
	Resolution(time.Minute * 5):  "m5",
	Resolution(time.Minute * 15): "m15",
	Resolution(time.Minute * 30): "m30",
	Resolution(time.Hour):        "h1",
	Resolution(time.Hour * 4):    "h4",
	Resolution(time.Hour * 24):   "d1",
}

var stringToResolution = map[string]Resolution{
	"s1":  Resolution(time.Second),
	"s5":  Resolution(time.Second * 5),
	"s15": Resolution(time.Second * 15),
	"s30": Resolution(time.Second * 30),
	"m1":  Resolution(time.Minute),
	"m5":  Resolution(time.Minute * 5),
	"m15": Resolution(time.Minute * 15),
	"m30": Resolution(time.Minute * 30),
	"h1":  Resolution(time.Hour),
	"h4":  Resolution(time.Hour * 4),
	"d1":  Resolution(time.Hour * 24),
}
