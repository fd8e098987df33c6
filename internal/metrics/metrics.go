package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's instrumentation. Data-quality drops are
// counted here instead of being surfaced as errors.
type Metrics struct {
	TicksIngested    prometheus.Counter
	TicksInvalid     prometheus.Counter
	TicksStale       prometheus.Counter
	TicksDuplicate   prometheus.Counter
	ReconnectsTotal  prometheus.Counter
	BackfillFailures prometheus.Counter
	BackfillTicks    prometheus.Counter
	ConnectionState  prometheus.Gauge
	SeriesLength     *prometheus.GaugeVec
	SubscriberDrops  prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candleflow_ticks_ingested_total",
			Help: "Normalized ticks applied to the aggregator.",
		}),
		TicksInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candleflow_ticks_invalid_total",
			Help: "Quotes dropped for carrying no usable price.",
		}),
		TicksStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candleflow_ticks_stale_total",
			Help: "Ticks dropped for being older than the retention window.",
		}),
		TicksDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candleflow_ticks_duplicate_total",
			Help: "Duplicate tick deliveries folded to a no-op.",
		}),
		ReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candleflow_reconnects_total",
			Help: "Feed reconnect attempts.",
		}),
		BackfillFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candleflow_backfill_failures_total",
			Help: "Backfill fetches that failed after a gap.",
		}),
		BackfillTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candleflow_backfill_ticks_total",
			Help: "Ticks recovered through backfill.",
		}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candleflow_connection_state",
			Help: "Feed connection state (0 disconnected through 4 failed).",
		}),
		SeriesLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "candleflow_series_length",
			Help: "Candles retained per timeframe.",
		}, []string{"resolution"}),
		SubscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candleflow_subscriber_drops_total",
			Help: "Events dropped for slow subscribers.",
		}),
	}

	reg.MustRegister(
		m.TicksIngested,
		m.TicksInvalid,
		m.TicksStale,
		m.TicksDuplicate,
		m.ReconnectsTotal,
		m.BackfillFailures,
		m.BackfillTicks,
		m.ConnectionState,
		m.SeriesLength,
		m.SubscriberDrops,
	)

	return m
}
