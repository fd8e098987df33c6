package aggregate

import (
	"fmt"
	"sort"
	"time"

	"github.com/0xc0d3d00d/candleflow/internal/domain"
)

// Config bounds the aggregator's retained state.
type Config struct {
	TickerId            string
	Resolutions         []domain.Resolution
	MaxCandlesPerSeries int
	TickRetention       time.Duration
}

// Aggregator fans each normalized tick out to one bucket per configured
// resolution and owns the bounded retained-tick window used for
// correction and backfill replay. Every resolution is derived from the
// raw tick stream directly; coarser candles are never folded from finer
// ones, so all series stay mutually consistent by construction.
//
// Aggregator is not safe for concurrent use. The engine funnels all
// mutation through one writer goroutine.
type Aggregator struct {
	cfg     Config
	buckets []*Bucket
	window  []domain.Tick // ascending by time
	latest  time.Time     // newest tick time seen, window reference point
}

func New(cfg Config) (*Aggregator, error) {
	if len(cfg.Resolutions) == 0 {
		return nil, fmt.Errorf("aggregate: no resolutions configured")
	}
	if cfg.MaxCandlesPerSeries <= 0 {
		return nil, fmt.Errorf("aggregate: invalid series cap %d", cfg.MaxCandlesPerSeries)
	}
	if cfg.TickRetention <= 0 {
		return nil, fmt.Errorf("aggregate: invalid tick retention %s", cfg.TickRetention)
	}

	resolutions := make([]domain.Resolution, len(cfg.Resolutions))
	copy(resolutions, cfg.Resolutions)
	sort.Slice(resolutions, func(i, j int) bool { return resolutions[i] < resolutions[j] })

	buckets := make([]*Bucket, 0, len(resolutions))
	for _, r := range resolutions {
		buckets = append(buckets, NewBucket(cfg.TickerId, r, cfg.MaxCandlesPerSeries))
	}

	return &Aggregator{
		cfg:     cfg,
		buckets: buckets,
	}, nil
}

// Ingest applies one tick to every bucket. Ticks older than the retention
// window are rejected with domain.ErrStaleTick: beyond that horizon
// correction is no longer supported, by policy rather than data loss.
func (a *Aggregator) Ingest(tick domain.Tick) ([]domain.Event, error) {
	if !a.latest.IsZero() && tick.Time.Before(a.latest.Add(-a.cfg.TickRetention)) {
		return nil, fmt.Errorf("%w: tick at %s, window ends %s",
			domain.ErrStaleTick, tick.Time, a.latest.Add(-a.cfg.TickRetention))
	}

	// Duplicate deliveries (reconnect replays, overlapping backfill) fold
	// to a no-op so convergence stays idempotent.
	if a.seen(tick) {
		return nil, nil
	}

	a.retain(tick)

	var events []domain.Event
	for _, b := range a.buckets {
		events = append(events, b.Apply(tick)...)
	}
	return events, nil
}

// Rebuild merges backfilled ticks into the retained window and recomputes
// every affected bucket from the full corrected tick set. Used after a
// reconnect gap; the ticks are just more ticks, there is no special code
// path beyond the merge.
func (a *Aggregator) Rebuild(ticks []domain.Tick) []domain.Event {
	fresh := make([]domain.Tick, 0, len(ticks))
	var earliest time.Time
	for _, tick := range ticks {
		if !a.latest.IsZero() && tick.Time.Before(a.latest.Add(-a.cfg.TickRetention)) {
			continue
		}
		if a.seen(tick) {
			continue
		}
		if earliest.IsZero() || tick.Time.Before(earliest) {
			earliest = tick.Time
		}
		fresh = append(fresh, tick)
		a.retain(tick)
	}
	if len(fresh) == 0 {
		return nil
	}

	// Rebuild from the whole window, not just the backfilled ticks, so
	// buckets straddling the gap fold live and backfilled ticks together.
	horizon := a.latest.Add(-a.cfg.TickRetention)

	var events []domain.Event
	for _, b := range a.buckets {
		resolution := b.Resolution()
		lo := resolution.Truncate(earliest)
		if lo.Before(horizon) {
			// A bucket starting before the horizon already lost ticks to
			// eviction; rebuilding it from the window would replace its
			// candle with a partial one. Merge fresh ticks into such
			// buckets incrementally and rebuild only whole buckets.
			floor := resolution.Truncate(horizon)
			if floor.Before(horizon) {
				floor = floor.Add(resolution.Duration())
			}
			for _, tick := range fresh {
				if tick.Time.Before(floor) {
					events = append(events, b.Apply(tick)...)
				}
			}
			lo = floor
		}
		events = append(events, b.Rebuild(a.windowSince(lo))...)
	}
	return events
}

// Series returns a copy of the candle series for resolution.
func (a *Aggregator) Series(resolution domain.Resolution) ([]domain.Candle, error) {
	for _, b := range a.buckets {
		if b.Resolution() == resolution {
			return b.Series(), nil
		}
	}
	return nil, fmt.Errorf("aggregate: resolution %s not configured", resolution)
}

// Resolutions returns the configured resolutions, finest first.
func (a *Aggregator) Resolutions() []domain.Resolution {
	resolutions := make([]domain.Resolution, 0, len(a.buckets))
	for _, b := range a.buckets {
		resolutions = append(resolutions, b.Resolution())
	}
	return resolutions
}

// SeriesLen returns the series length per resolution, for gauges.
func (a *Aggregator) SeriesLen() map[domain.Resolution]int {
	lens := make(map[domain.Resolution]int, len(a.buckets))
	for _, b := range a.buckets {
		lens[b.Resolution()] = b.Len()
	}
	return lens
}

// Window returns a copy of the retained ticks, ascending by time.
func (a *Aggregator) Window() []domain.Tick {
	window := make([]domain.Tick, len(a.window))
	copy(window, a.window)
	return window
}

// LatestTime returns the newest tick time seen, zero before any tick.
func (a *Aggregator) LatestTime() time.Time {
	return a.latest
}

// seen reports whether an identical tick is already retained.
func (a *Aggregator) seen(tick domain.Tick) bool {
	idx := sort.Search(len(a.window), func(i int) bool {
		return !a.window[i].Time.Before(tick.Time)
	})
	for ; idx < len(a.window) && a.window[idx].Time.Equal(tick.Time); idx++ {
		if a.window[idx] == tick {
			return true
		}
	}
	return false
}

// retain appends the tick to the window, keeping it sorted by time, and
// evicts ticks that have aged out.
func (a *Aggregator) retain(tick domain.Tick) {
	idx := sort.Search(len(a.window), func(i int) bool {
		return a.window[i].Time.After(tick.Time)
	})
	a.window = append(a.window, domain.Tick{})
	copy(a.window[idx+1:], a.window[idx:])
	a.window[idx] = tick

	if tick.Time.After(a.latest) {
		a.latest = tick.Time
	}

	horizon := a.latest.Add(-a.cfg.TickRetention)
	drop := 0
	for drop < len(a.window) && a.window[drop].Time.Before(horizon) {
		drop++
	}
	if drop > 0 {
		a.window = append(a.window[:0], a.window[drop:]...)
	}
}

func (a *Aggregator) windowSince(lo time.Time) []domain.Tick {
	idx := sort.Search(len(a.window), func(i int) bool {
		return !a.window[i].Time.Before(lo)
	})
	ticks := make([]domain.Tick, len(a.window)-idx)
	copy(ticks, a.window[idx:])
	return ticks
}
