package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/0xc0d3d00d/candleflow/internal/aggregate"
	"github.com/0xc0d3d00d/candleflow/internal/backfill"
	"github.com/0xc0d3d00d/candleflow/internal/domain"
	"github.com/0xc0d3d00d/candleflow/internal/journal"
	"github.com/0xc0d3d00d/candleflow/internal/metrics"
	"github.com/0xc0d3d00d/candleflow/internal/stream"
)

// Publisher receives the engine's outbound events. It must never block;
// slow consumers are the publisher's problem, not the engine's.
type Publisher interface {
	Publish(event domain.Event)
	PublishPrice(point domain.PricePoint)
}

const compactInterval = 10 * time.Minute

// Engine owns the single writer goroutine through which every mutation
// of candle state flows: live ticks, backfill results and journal
// replays all funnel through one loop, so the aggregator needs no locks
// on the hot path.
type Engine struct {
	agg     *aggregate.Aggregator
	manager *stream.Manager
	fetcher backfill.Fetcher
	journal *journal.Journal
	pub     Publisher
	metrics *metrics.Metrics
	backoff stream.BackoffConfig

	backfills chan backfillResult
}

type backfillResult struct {
	ticks []domain.Tick
}

func New(
	agg *aggregate.Aggregator,
	manager *stream.Manager,
	fetcher backfill.Fetcher,
	jrnl *journal.Journal,
	pub Publisher,
	m *metrics.Metrics,
	backoff stream.BackoffConfig,
) *Engine {
	return &Engine{
		agg:       agg,
		manager:   manager,
		fetcher:   fetcher,
		journal:   jrnl,
		pub:       pub,
		metrics:   m,
		backoff:   backoff,
		backfills: make(chan backfillResult, 4),
	}
}

// Warm replays previously journaled ticks into the aggregator. Called
// once before Run.
func (e *Engine) Warm(ticks []domain.Tick) {
	if len(ticks) == 0 {
		return
	}
	e.agg.Rebuild(ticks)
	e.updateSeriesGauges()
	slog.Info("warmed aggregator from journal", "ticks", len(ticks))
}

// Run consumes ticks, resume signals, backfill results and state changes
// until the context ends. It is the one goroutine allowed to mutate the
// aggregator.
func (e *Engine) Run(ctx context.Context) error {
	compact := time.NewTicker(compactInterval)
	defer compact.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case tick := <-e.manager.Ticks():
			e.ingest(tick)

		case point := <-e.manager.Prices():
			e.pub.PublishPrice(point)

		case resume := <-e.manager.Resumes():
			e.metrics.ReconnectsTotal.Inc()
			go e.fetchGap(ctx, resume)

		case result := <-e.backfills:
			events := e.agg.Rebuild(result.ticks)
			e.metrics.BackfillTicks.Add(float64(len(result.ticks)))
			for _, event := range events {
				e.pub.Publish(event)
			}
			e.appendJournal(result.ticks)
			e.updateSeriesGauges()

		case state := <-e.manager.States():
			e.metrics.ConnectionState.Set(float64(state))
			e.pub.Publish(domain.Event{
				Kind:  domain.EventConnectionState,
				Time:  time.Now().UTC(),
				State: state.String(),
			})

		case <-compact.C:
			e.compactJournal()
		}
	}
}

func (e *Engine) ingest(tick domain.Tick) {
	events, err := e.agg.Ingest(tick)
	if err != nil {
		if errors.Is(err, domain.ErrStaleTick) {
			e.metrics.TicksStale.Inc()
			slog.Warn("dropping stale tick", "time", tick.Time, "error", err)
			return
		}
		slog.Error("failed to ingest tick", "error", err)
		return
	}
	if len(events) == 0 {
		// Ingest folds exact duplicates to a no-op.
		e.metrics.TicksDuplicate.Inc()
		return
	}

	e.metrics.TicksIngested.Inc()
	e.appendJournal([]domain.Tick{tick})
	for _, event := range events {
		e.pub.Publish(event)
	}
	e.updateSeriesGauges()
}

// fetchGap retrieves the ticks missed between the last good tick and
// now, retrying with the same backoff policy as reconnection. On
// exhaustion the affected candles stay best-effort; live aggregation is
// never blocked.
func (e *Engine) fetchGap(ctx context.Context, resume stream.Resume) {
	from := resume.LastGoodTickTime
	if from.IsZero() {
		slog.Info("reconnected with no prior ticks, skipping backfill")
		return
	}
	to := time.Now().UTC()

	for attempt := 1; attempt <= e.backoff.MaxAttempts; attempt++ {
		ticks, err := e.fetcher.FetchTicks(ctx, from, to)
		if err == nil {
			select {
			case e.backfills <- backfillResult{ticks: ticks}:
			case <-ctx.Done():
			}
			return
		}

		e.metrics.BackfillFailures.Inc()
		slog.Warn("backfill fetch failed", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.backoff.Delay(attempt)):
		}
	}

	slog.Error("backfill retries exhausted, candles in gap remain approximate",
		"from", from, "to", to)
}

func (e *Engine) appendJournal(ticks []domain.Tick) {
	if e.journal == nil {
		return
	}
	for _, tick := range ticks {
		if err := e.journal.Append(tick); err != nil {
			slog.Warn("failed to journal tick", "error", err)
			return
		}
	}
}

func (e *Engine) compactJournal() {
	if e.journal == nil {
		return
	}
	if err := e.journal.Compact(e.agg.Window()); err != nil {
		slog.Warn("failed to compact journal", "error", err)
	}
}

func (e *Engine) updateSeriesGauges() {
	for resolution, length := range e.agg.SeriesLen() {
		e.metrics.SeriesLength.WithLabelValues(resolution.String()).Set(float64(length))
	}
}
