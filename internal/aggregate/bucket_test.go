package aggregate

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xc0d3d00d/candleflow/internal/domain"
)

var (
	m1 = domain.Resolution(time.Minute)
	m5 = domain.Resolution(5 * time.Minute)
)

func tickAt(sec int64, price float64) domain.Tick {
	return domain.Tick{Time: time.Unix(sec, 0).UTC(), Price: price}
}

func assertOHLC(t *testing.T, c domain.Candle, open, high, low, close float64) {
	t.Helper()
	assert.Equal(t, open, c.Open, "open")
	assert.Equal(t, high, c.High, "high")
	assert.Equal(t, low, c.Low, "low")
	assert.Equal(t, close, c.Close, "close")
}

func TestBucketApplySequential(t *testing.T) {
	b := NewBucket("GOLD", m1, 100)

	b.Apply(tickAt(0, 100))
	b.Apply(tickAt(30, 102))
	b.Apply(tickAt(65, 99))

	series := b.Series()
	require.Len(t, series, 2)

	assert.Equal(t, time.Unix(0, 0).UTC(), series[0].Timestamp)
	assertOHLC(t, series[0], 100, 102, 100, 102)

	assert.Equal(t, time.Unix(60, 0).UTC(), series[1].Timestamp)
	assertOHLC(t, series[1], 99, 99, 99, 99)
}

func TestBucketApplyOutOfOrderCorrection(t *testing.T) {
	b := NewBucket("GOLD", m1, 100)

	b.Apply(tickAt(50, 105))
	b.Apply(tickAt(10, 100))

	series := b.Series()
	require.Len(t, series, 1)
	// open follows the chronologically earliest tick, close the latest,
	// regardless of arrival order.
	assertOHLC(t, series[0], 100, 105, 100, 105)
}

func TestBucketApplySameTimestampCorrection(t *testing.T) {
	b := NewBucket("GOLD", m1, 100)

	b.Apply(tickAt(10, 100))
	b.Apply(tickAt(10, 101))

	series := b.Series()
	require.Len(t, series, 1)
	assert.Equal(t, 101.0, series[0].Open)
	assert.Equal(t, 101.0, series[0].Close)
	assert.Equal(t, 100.0, series[0].Low)
	assert.Equal(t, 101.0, series[0].High)
}

func TestBucketApplyLateTickAmendsClosedCandle(t *testing.T) {
	b := NewBucket("GOLD", m1, 100)

	b.Apply(tickAt(10, 100))
	b.Apply(tickAt(70, 110))
	// Late tick into the first, already "closed" bucket.
	events := b.Apply(tickAt(30, 90))

	require.Len(t, events, 1)
	assert.Equal(t, domain.EventCandleUpdated, events[0].Kind)

	series := b.Series()
	require.Len(t, series, 2)
	assertOHLC(t, series[0], 100, 100, 90, 90)
}

func TestBucketCandleClosedEmission(t *testing.T) {
	b := NewBucket("GOLD", m1, 100)

	events := b.Apply(tickAt(10, 100))
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventCandleUpdated, events[0].Kind)

	// New bucket immediately after the previous one closes it.
	events = b.Apply(tickAt(70, 105))
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventCandleClosed, events[0].Kind)
	assert.Equal(t, time.Unix(0, 0).UTC(), events[0].Candle.Timestamp)
	assert.Equal(t, domain.EventCandleUpdated, events[1].Kind)

	// A gap between buckets does not close the previous one.
	events = b.Apply(tickAt(200, 99))
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventCandleUpdated, events[0].Kind)
}

func TestBucketRetentionCap(t *testing.T) {
	b := NewBucket("GOLD", m1, 3)

	for i := int64(0); i < 10; i++ {
		b.Apply(tickAt(i*60, 100+float64(i)))
	}

	series := b.Series()
	require.Len(t, series, 3)
	// Oldest evicted first: only the three newest buckets remain.
	assert.Equal(t, time.Unix(7*60, 0).UTC(), series[0].Timestamp)
	assert.Equal(t, time.Unix(9*60, 0).UTC(), series[2].Timestamp)
}

func TestBucketNeverEvictsCurrentBucket(t *testing.T) {
	b := NewBucket("GOLD", m1, 1)

	b.Apply(tickAt(0, 100))
	b.Apply(tickAt(30, 101))

	series := b.Series()
	require.Len(t, series, 1)
	assertOHLC(t, series[0], 100, 101, 100, 101)
}

func TestBucketOHLCInvariant(t *testing.T) {
	b := NewBucket("GOLD", m1, 100)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 2000; i++ {
		sec := rng.Int63n(1800)
		price := 2000 + rng.Float64()*100
		b.Apply(domain.Tick{Time: time.Unix(sec, 0).UTC(), Price: price})

		for _, c := range b.Series() {
			assert.LessOrEqual(t, c.Low, c.Open)
			assert.LessOrEqual(t, c.Low, c.Close)
			assert.GreaterOrEqual(t, c.High, c.Open)
			assert.GreaterOrEqual(t, c.High, c.Close)
		}
	}
}

// Ordering invariance: rebuilding from any permutation must equal
// applying the ticks one at a time in chronological order.
func TestBucketRebuildOrderingInvariance(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	ticks := make([]domain.Tick, 0, 200)
	for i := 0; i < 200; i++ {
		// Nanosecond component keeps every timestamp unique, so equality
		// across permutations is exact.
		ticks = append(ticks, domain.Tick{
			Time:   time.Unix(rng.Int63n(1200), int64(i)).UTC(),
			Price:  2000 + rng.Float64()*50,
			Volume: rng.Int63n(10),
		})
	}

	sequential := NewBucket("GOLD", m1, 1000)
	ordered := make([]domain.Tick, len(ticks))
	copy(ordered, ticks)
	sortTicks(ordered)
	for _, tick := range ordered {
		sequential.Apply(tick)
	}
	want := sequential.Series()

	for trial := 0; trial < 10; trial++ {
		shuffled := make([]domain.Tick, len(ticks))
		copy(shuffled, ticks)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		rebuilt := NewBucket("GOLD", m1, 1000)
		rebuilt.Rebuild(shuffled)
		assert.Equal(t, want, rebuilt.Series(), "trial %d", trial)
	}
}

func TestBucketRebuildMatchesUnorderedApply(t *testing.T) {
	rng := rand.New(rand.NewSource(3))

	ticks := make([]domain.Tick, 0, 100)
	for i := 0; i < 100; i++ {
		ticks = append(ticks, domain.Tick{
			Time:  time.Unix(rng.Int63n(600), 0).UTC(),
			Price: 1000 + rng.Float64()*10,
		})
	}

	applied := NewBucket("GOLD", m1, 1000)
	for _, tick := range ticks {
		applied.Apply(tick)
	}

	rebuilt := NewBucket("GOLD", m1, 1000)
	rebuilt.Rebuild(ticks)

	// Volume and OHLC agree between incremental unordered apply and a
	// from-scratch rebuild over the same tick set.
	assert.Equal(t, applied.Series(), rebuilt.Series())
}

func TestBucketRebuildLeavesUncoveredBucketsAlone(t *testing.T) {
	b := NewBucket("GOLD", m1, 100)
	b.Apply(tickAt(10, 100))
	b.Apply(tickAt(500, 200))

	b.Rebuild([]domain.Tick{tickAt(500, 210), tickAt(510, 220)})

	series := b.Series()
	require.Len(t, series, 2)
	assertOHLC(t, series[0], 100, 100, 100, 100)
	assertOHLC(t, series[1], 210, 220, 210, 220)
}

func sortTicks(ticks []domain.Tick) {
	for i := 1; i < len(ticks); i++ {
		for j := i; j > 0 && ticks[j].Time.Before(ticks[j-1].Time); j-- {
			ticks[j], ticks[j-1] = ticks[j-1], ticks[j]
		}
	}
}
