package aggregate

import (
	"sort"
	"time"

	"github.com/0xc0d3d00d/candleflow/internal/domain"
)

// entry is one live candle plus the bookkeeping needed to apply ticks in
// any arrival order: openTime/closeTime record which tick times currently
// hold open and close, so a late tick compares timestamps rather than
// arrival order.
type entry struct {
	candle    domain.Candle
	openTime  time.Time
	closeTime time.Time
}

// Bucket maintains one candle series for a single resolution. It is not
// safe for concurrent use; all mutation happens on the aggregator's
// single writer.
type Bucket struct {
	tickerId   string
	resolution domain.Resolution
	maxLen     int
	series     []*entry // ascending by bucket start
}

func NewBucket(tickerId string, resolution domain.Resolution, maxLen int) *Bucket {
	return &Bucket{
		tickerId:   tickerId,
		resolution: resolution,
		maxLen:     maxLen,
		series:     make([]*entry, 0, maxLen),
	}
}

func (b *Bucket) Resolution() domain.Resolution {
	return b.resolution
}

// Len returns the current series length.
func (b *Bucket) Len() int {
	return len(b.series)
}

// Series returns a copy of the candle series, ascending by bucket start.
func (b *Bucket) Series() []domain.Candle {
	candles := make([]domain.Candle, 0, len(b.series))
	for _, e := range b.series {
		candles = append(candles, e.candle)
	}
	return candles
}

// Candle returns the candle whose bucket contains t, if any.
func (b *Bucket) Candle(t time.Time) (domain.Candle, bool) {
	start := b.resolution.Truncate(t)
	idx, found := b.search(start)
	if !found {
		return domain.Candle{}, false
	}
	return b.series[idx].candle, true
}

// Apply folds one tick into the series and returns the resulting events:
// always a CandleUpdated for the tick's bucket, plus an advisory
// CandleClosed for the immediately preceding bucket when the tick opened
// a new one.
func (b *Bucket) Apply(tick domain.Tick) []domain.Event {
	start := b.resolution.Truncate(tick.Time)
	idx, found := b.search(start)

	var events []domain.Event
	if found {
		b.merge(b.series[idx], tick)
	} else {
		e := b.insert(idx, start, tick)
		if closed, ok := b.precedingFinal(e); ok {
			events = append(events, domain.Event{
				Kind:   domain.EventCandleClosed,
				Time:   tick.Time,
				Candle: closed,
			})
		}
		b.evict(e)
		idx, _ = b.search(start)
	}

	events = append(events, domain.Event{
		Kind:   domain.EventCandleUpdated,
		Time:   tick.Time,
		Candle: b.series[idx].candle,
	})
	return events
}

// Rebuild recomputes every bucket covered by ticks by grouping and folding
// them in time order, replacing any existing candles for those buckets.
// Buckets with no tick in the input are left untouched. The result for the
// covered buckets is identical to applying the ticks one-by-one in
// chronological order.
func (b *Bucket) Rebuild(ticks []domain.Tick) []domain.Event {
	if len(ticks) == 0 {
		return nil
	}

	ordered := make([]domain.Tick, len(ticks))
	copy(ordered, ticks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Time.Before(ordered[j].Time)
	})

	groups := make(map[time.Time][]domain.Tick)
	starts := make([]time.Time, 0)
	for _, tick := range ordered {
		start := b.resolution.Truncate(tick.Time)
		if _, ok := groups[start]; !ok {
			starts = append(starts, start)
		}
		groups[start] = append(groups[start], tick)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	var events []domain.Event
	var last *entry
	for _, start := range starts {
		e := foldGroup(b.tickerId, b.resolution, start, groups[start])
		idx, found := b.search(start)
		if found {
			b.series[idx] = e
		} else {
			b.series = append(b.series, nil)
			copy(b.series[idx+1:], b.series[idx:])
			b.series[idx] = e
		}
		last = e
		events = append(events, domain.Event{
			Kind:   domain.EventCandleUpdated,
			Time:   e.closeTime,
			Candle: e.candle,
		})
	}
	b.evict(last)

	return events
}

func foldGroup(tickerId string, resolution domain.Resolution, start time.Time, ticks []domain.Tick) *entry {
	e := &entry{
		candle: domain.Candle{
			Timestamp:  start,
			TickerId:   tickerId,
			Resolution: resolution,
			Open:       ticks[0].Price,
			High:       ticks[0].Price,
			Low:        ticks[0].Price,
			Close:      ticks[0].Price,
			Volume:     ticks[0].Volume,
		},
		openTime:  ticks[0].Time,
		closeTime: ticks[0].Time,
	}
	for _, tick := range ticks[1:] {
		mergeTick(e, tick)
		e.candle.Volume += tick.Volume
	}
	return e
}

func (b *Bucket) merge(e *entry, tick domain.Tick) {
	mergeTick(e, tick)
	e.candle.Volume += tick.Volume
}

// mergeTick updates OHLC by timestamp, not arrival order: close follows
// the chronologically latest tick, open the chronologically earliest.
// Equal timestamps overwrite, which is the same-timestamp correction path.
func mergeTick(e *entry, tick domain.Tick) {
	if tick.Price > e.candle.High {
		e.candle.High = tick.Price
	}
	if tick.Price < e.candle.Low {
		e.candle.Low = tick.Price
	}
	if !tick.Time.Before(e.closeTime) {
		e.candle.Close = tick.Price
		e.closeTime = tick.Time
	}
	if !tick.Time.After(e.openTime) {
		e.candle.Open = tick.Price
		e.openTime = tick.Time
	}
}

func (b *Bucket) insert(idx int, start time.Time, tick domain.Tick) *entry {
	e := &entry{
		candle: domain.Candle{
			Timestamp:  start,
			TickerId:   b.tickerId,
			Resolution: b.resolution,
			Open:       tick.Price,
			High:       tick.Price,
			Low:        tick.Price,
			Close:      tick.Price,
			Volume:     tick.Volume,
		},
		openTime:  tick.Time,
		closeTime: tick.Time,
	}

	b.series = append(b.series, nil)
	copy(b.series[idx+1:], b.series[idx:])
	b.series[idx] = e
	return e
}

// precedingFinal returns the candle of the bucket immediately before e
// when e is the newest bucket, i.e. the bucket that just became final
// under correct time progression.
func (b *Bucket) precedingFinal(e *entry) (domain.Candle, bool) {
	if len(b.series) < 2 || b.series[len(b.series)-1] != e {
		return domain.Candle{}, false
	}
	prev := b.series[len(b.series)-2]
	if !prev.candle.Timestamp.Add(b.resolution.Duration()).Equal(e.candle.Timestamp) {
		return domain.Candle{}, false
	}
	return prev.candle, true
}

// evict enforces the retention cap, dropping the oldest candles first but
// never the bucket that was just written.
func (b *Bucket) evict(current *entry) {
	for len(b.series) > b.maxLen {
		if b.series[0] == current {
			return
		}
		b.series[0] = nil
		b.series = b.series[1:]
	}
}

func (b *Bucket) search(start time.Time) (int, bool) {
	idx := sort.Search(len(b.series), func(i int) bool {
		return !b.series[i].candle.Timestamp.Before(start)
	})
	if idx < len(b.series) && b.series[idx].candle.Timestamp.Equal(start) {
		return idx, true
	}
	return idx, false
}
