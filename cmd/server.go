package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/0xc0d3d00d/candleflow/internal/aggregate"
	"github.com/0xc0d3d00d/candleflow/internal/backfill"
	"github.com/0xc0d3d00d/candleflow/internal/domain"
	"github.com/0xc0d3d00d/candleflow/internal/engine"
	"github.com/0xc0d3d00d/candleflow/internal/journal"
	"github.com/0xc0d3d00d/candleflow/internal/metrics"
	"github.com/0xc0d3d00d/candleflow/internal/server"
	"github.com/0xc0d3d00d/candleflow/internal/stream"
)

type config struct {
	ListenAddress string `env:"ADDR" envDefault:":6969"`
	JournalDir    string `env:"JOURNAL_DIR" envDefault:"./data"`

	FeedURL    string `env:"FEED_URL" envDefault:"wss://api-streaming-capital.backend-capital.com/connect"`
	APIBaseURL string `env:"API_BASE_URL" envDefault:"https://api-capital.backend-capital.com"`
	APIKey     string `env:"API_KEY"`
	Identifier string `env:"API_IDENTIFIER"`
	Password   string `env:"API_PASSWORD"`
	Epic       string `env:"EPIC" envDefault:"GOLD"`

	Timeframes          []string      `env:"TIMEFRAMES" envSeparator:"," envDefault:"m1,m5,m15,h1"`
	MaxCandlesPerSeries int           `env:"MAX_CANDLES_PER_SERIES" envDefault:"500"`
	TickRetention       time.Duration `env:"TICK_RETENTION" envDefault:"24h"`

	BackoffBaseDelay   time.Duration `env:"BACKOFF_BASE_DELAY" envDefault:"1s"`
	BackoffMaxDelay    time.Duration `env:"BACKOFF_MAX_DELAY" envDefault:"60s"`
	BackoffMaxAttempts int           `env:"BACKOFF_MAX_ATTEMPTS" envDefault:"10"`
	PingInterval       time.Duration `env:"PING_INTERVAL" envDefault:"5m"`

	MaxViewerConnections int `env:"MAX_VIEWER_CONNECTIONS" envDefault:"100"`
	MaxPriceHistory      int `env:"MAX_PRICE_HISTORY" envDefault:"1000"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// set global logger with custom options
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: time.DateTime,
		}),
	))

	cfg := config{}
	err := loadConfig(&cfg)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	resolutions, err := parseResolutions(cfg.Timeframes)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse timeframes", "error", err)
		os.Exit(1)
	}

	agg, err := aggregate.New(aggregate.Config{
		TickerId:            cfg.Epic,
		Resolutions:         resolutions,
		MaxCandlesPerSeries: cfg.MaxCandlesPerSeries,
		TickRetention:       cfg.TickRetention,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create aggregator", "error", err)
		os.Exit(1)
	}

	jrnl, err := journal.Open(afero.NewOsFs(), cfg.JournalDir)
	if err != nil {
		slog.ErrorContext(ctx, "failed to open tick journal", "error", err)
		os.Exit(1)
	}
	defer jrnl.Close()

	backoff := stream.BackoffConfig{
		BaseDelay:   cfg.BackoffBaseDelay,
		MaxDelay:    cfg.BackoffMaxDelay,
		MaxAttempts: cfg.BackoffMaxAttempts,
	}

	client := backfill.NewClient(backfill.Config{
		BaseURL:    cfg.APIBaseURL,
		APIKey:     cfg.APIKey,
		Identifier: cfg.Identifier,
		Password:   cfg.Password,
		Epic:       cfg.Epic,
		Resolution: finest(resolutions),
	})

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	manager := stream.NewManager(stream.Config{
		Epic:           cfg.Epic,
		PingInterval:   cfg.PingInterval,
		Backoff:        backoff,
		OnInvalidQuote: m.TicksInvalid.Inc,
	}, stream.NewWebsocketTransport(cfg.FeedURL, client), client)

	hub := server.NewHub(cfg.MaxViewerConnections, cfg.MaxPriceHistory, m)
	eng := engine.New(agg, manager, client, jrnl, hub, m, backoff)

	replayed, err := jrnl.Replay()
	if err != nil {
		slog.WarnContext(ctx, "failed to replay tick journal, starting cold", "error", err)
	} else {
		eng.Warm(replayed)
	}

	httpServer := server.New(ctx, cfg.ListenAddress, hub, registry)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.InfoContext(ctx, "starting server", "listen_address", cfg.ListenAddress)
		if err := runHttpServer(gCtx, cfg.ListenAddress, httpServer); err != nil {
			slog.ErrorContext(ctx, "failed to start server", "error", err)
			cancel()
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := eng.Run(gCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		hub.RunCleanup(gCtx)
		return nil
	})

	manager.Connect(gCtx)

	// Handle graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		slog.Info("shutting down server gracefully")
		manager.Stop()

		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server terminated", "err", err)
	}
}

func parseResolutions(names []string) ([]domain.Resolution, error) {
	resolutions := make([]domain.Resolution, 0, len(names))
	for _, name := range names {
		r, err := domain.ParseResolution(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", err, name)
		}
		resolutions = append(resolutions, r)
	}
	return resolutions, nil
}

func finest(resolutions []domain.Resolution) domain.Resolution {
	min := resolutions[0]
	for _, r := range resolutions[1:] {
		if r < min {
			min = r
		}
	}
	return min
}

func runHttpServer(ctx context.Context, listenAddress string, srv *server.Server) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", listenAddress)
	if err != nil {
		return err
	}

	err = srv.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

func loadConfig(config any) error {
	// Ignore error if .env is missing
	err := godotenv.Load()

	if err != nil && !os.IsNotExist(err) {
		return err
	}

	// Parse for built-in types
	if err := env.Parse(config); err != nil {
		return err
	}

	return nil
}
