package aggregate

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xc0d3d00d/candleflow/internal/domain"
)

func newTestAggregator(t *testing.T, retention time.Duration) *Aggregator {
	t.Helper()
	agg, err := New(Config{
		TickerId:            "GOLD",
		Resolutions:         []domain.Resolution{m1, m5},
		MaxCandlesPerSeries: 500,
		TickRetention:       retention,
	})
	require.NoError(t, err)
	return agg
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Resolutions: nil, MaxCandlesPerSeries: 1, TickRetention: time.Hour})
	assert.Error(t, err)

	_, err = New(Config{Resolutions: []domain.Resolution{m1}, MaxCandlesPerSeries: 0, TickRetention: time.Hour})
	assert.Error(t, err)

	_, err = New(Config{Resolutions: []domain.Resolution{m1}, MaxCandlesPerSeries: 1, TickRetention: 0})
	assert.Error(t, err)
}

func TestIngestFansOutToAllResolutions(t *testing.T) {
	agg := newTestAggregator(t, 24*time.Hour)

	_, err := agg.Ingest(tickAt(10, 100))
	require.NoError(t, err)

	for _, resolution := range []domain.Resolution{m1, m5} {
		series, err := agg.Series(resolution)
		require.NoError(t, err)
		require.Len(t, series, 1)
		assert.Equal(t, 100.0, series[0].Close)
	}

	_, err = agg.Series(domain.Resolution(7 * time.Minute))
	assert.Error(t, err)
}

func TestIngestRejectsStaleTicks(t *testing.T) {
	agg := newTestAggregator(t, time.Hour)

	_, err := agg.Ingest(tickAt(7200, 100))
	require.NoError(t, err)

	_, err = agg.Ingest(tickAt(100, 99))
	assert.ErrorIs(t, err, domain.ErrStaleTick)

	// Exactly at the window boundary is still accepted.
	_, err = agg.Ingest(tickAt(3600, 98))
	assert.NoError(t, err)
}

func TestIngestFoldsDuplicates(t *testing.T) {
	agg := newTestAggregator(t, time.Hour)

	tick := domain.Tick{Time: time.Unix(10, 0).UTC(), Price: 100, Volume: 3}
	events, err := agg.Ingest(tick)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	events, err = agg.Ingest(tick)
	require.NoError(t, err)
	assert.Empty(t, events)

	series, err := agg.Series(m1)
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, int64(3), series[0].Volume)
}

func TestTickWindowEviction(t *testing.T) {
	agg := newTestAggregator(t, 90*time.Second)

	_, err := agg.Ingest(tickAt(0, 100))
	require.NoError(t, err)
	_, err = agg.Ingest(tickAt(30, 101))
	require.NoError(t, err)
	_, err = agg.Ingest(tickAt(120, 102))
	require.NoError(t, err)

	// The horizon lands on t=30 exactly: t=0 ages out, t=30 survives.
	window := agg.Window()
	require.Len(t, window, 2)
	assert.Equal(t, time.Unix(30, 0).UTC(), window[0].Time)
	assert.Equal(t, time.Unix(120, 0).UTC(), window[1].Time)
	assert.Equal(t, time.Unix(120, 0).UTC(), agg.LatestTime())
}

// Cross-timeframe consistency: the m5 candle must equal the fold of the
// m1 candles covering the same interval.
func TestCrossTimeframeConsistency(t *testing.T) {
	agg := newTestAggregator(t, 24*time.Hour)
	rng := rand.New(rand.NewSource(11))

	for i := 0; i < 3000; i++ {
		tick := domain.Tick{
			Time:   time.Unix(rng.Int63n(3600), int64(i)).UTC(),
			Price:  2400 + rng.Float64()*40,
			Volume: rng.Int63n(5),
		}
		_, err := agg.Ingest(tick)
		require.NoError(t, err)
	}

	oneMinute, err := agg.Series(m1)
	require.NoError(t, err)
	fiveMinute, err := agg.Series(m5)
	require.NoError(t, err)

	for _, coarse := range fiveMinute {
		var constituents []domain.Candle
		for _, fine := range oneMinute {
			if !fine.Timestamp.Before(coarse.Timestamp) &&
				fine.Timestamp.Before(coarse.Timestamp.Add(m5.Duration())) {
				constituents = append(constituents, fine)
			}
		}
		require.NotEmpty(t, constituents, "m5 bucket %s has no m1 constituents", coarse.Timestamp)

		folded, ok := domain.FoldCandles(constituents, m5)
		require.True(t, ok)
		assert.Equal(t, folded.Open, coarse.Open, "open at %s", coarse.Timestamp)
		assert.Equal(t, folded.High, coarse.High, "high at %s", coarse.Timestamp)
		assert.Equal(t, folded.Low, coarse.Low, "low at %s", coarse.Timestamp)
		assert.Equal(t, folded.Close, coarse.Close, "close at %s", coarse.Timestamp)
		assert.Equal(t, folded.Volume, coarse.Volume, "volume at %s", coarse.Timestamp)
	}
}

// Gap + resume: candles rebuilt from backfill over the missed interval
// must equal what continuous live ingestion would have produced.
func TestRebuildAfterGapMatchesContinuousIngestion(t *testing.T) {
	rng := rand.New(rand.NewSource(23))

	all := make([]domain.Tick, 0, 400)
	for i := 0; i < 400; i++ {
		all = append(all, domain.Tick{
			Time:  time.Unix(int64(i)+rng.Int63n(2), int64(i)).UTC(),
			Price: 2400 + rng.Float64()*20,
		})
	}
	sortTicks(all)

	continuous := newTestAggregator(t, 24*time.Hour)
	for _, tick := range all {
		_, err := continuous.Ingest(tick)
		require.NoError(t, err)
	}

	// Disconnect at t=100: live path misses [100, 400), then a backfill
	// covering the gap arrives.
	gapped := newTestAggregator(t, 24*time.Hour)
	var backfill []domain.Tick
	cut := time.Unix(100, 0).UTC()
	for _, tick := range all {
		if tick.Time.Before(cut) {
			_, err := gapped.Ingest(tick)
			require.NoError(t, err)
		} else {
			backfill = append(backfill, tick)
		}
	}
	gapped.Rebuild(backfill)

	for _, resolution := range []domain.Resolution{m1, m5} {
		want, err := continuous.Series(resolution)
		require.NoError(t, err)
		got, err := gapped.Series(resolution)
		require.NoError(t, err)
		assert.Equal(t, want, got, "series %s", resolution)
	}
}

func TestRebuildPreservesCandlesStraddlingHorizon(t *testing.T) {
	agg := newTestAggregator(t, 4*time.Minute)

	for _, sec := range []int64{0, 60, 120, 180, 240, 360} {
		_, err := agg.Ingest(tickAt(sec, 100+float64(sec)/60))
		require.NoError(t, err)
	}

	// The horizon is t=120, so t=0 and t=60 are evicted while the m5
	// bucket [0,300) they opened still stands.
	require.Len(t, agg.Window(), 4)
	series, err := agg.Series(m5)
	require.NoError(t, err)
	require.Len(t, series, 2)
	assertOHLC(t, series[0], 100, 104, 100, 104)

	// A backfilled tick inside that straddling bucket must merge into
	// the candle, not trigger a rebuild from the surviving ticks alone.
	agg.Rebuild([]domain.Tick{tickAt(150, 110)})

	series, err = agg.Series(m5)
	require.NoError(t, err)
	require.Len(t, series, 2)
	assertOHLC(t, series[0], 100, 110, 100, 104)
	assertOHLC(t, series[1], 106, 106, 106, 106)

	// Whole buckets past the horizon rebuild normally.
	oneMinute, err := agg.Series(m1)
	require.NoError(t, err)
	require.Len(t, oneMinute, 6)
	assertOHLC(t, oneMinute[2], 102, 110, 102, 110)
	assertOHLC(t, oneMinute[0], 100, 100, 100, 100)
}

func TestRebuildSkipsStaleAndDuplicateTicks(t *testing.T) {
	agg := newTestAggregator(t, time.Minute)

	_, err := agg.Ingest(tickAt(3600, 100))
	require.NoError(t, err)

	events := agg.Rebuild([]domain.Tick{
		tickAt(10, 50),    // beyond retention, dropped
		tickAt(3600, 100), // duplicate, dropped
	})
	assert.Empty(t, events)

	series, err := agg.Series(m1)
	require.NoError(t, err)
	require.Len(t, series, 1)
	assertOHLC(t, series[0], 100, 100, 100, 100)
}
