// Command matchcore runs the spot-exchange matching engine: it wires
// configuration, the WAL, the event bus, the matching engine, the
// asynchronous DB writer, crash recovery, the validated command dispatcher,
// the market data feed, and the health/metrics HTTP surface by hand, in the
// teacher's cmd/server main.go style (flag-parsed config path, signal-driven
// graceful shutdown) rather than a DI framework.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/matchcore-io/matchcore/internal/api"
	"github.com/matchcore-io/matchcore/internal/config"
	"github.com/matchcore-io/matchcore/internal/core/engine"
	"github.com/matchcore-io/matchcore/internal/core/types"
	"github.com/matchcore-io/matchcore/internal/db/repositories"
	"github.com/matchcore-io/matchcore/internal/dbwriter"
	"github.com/matchcore-io/matchcore/internal/dispatcher"
	"github.com/matchcore-io/matchcore/internal/eventbus"
	"github.com/matchcore-io/matchcore/internal/feeconfig"
	"github.com/matchcore-io/matchcore/internal/marketfeed"
	"github.com/matchcore-io/matchcore/internal/observability"
	"github.com/matchcore-io/matchcore/internal/recovery"
	"github.com/matchcore-io/matchcore/internal/wal"
	"github.com/matchcore-io/matchcore/pkg/money"
)

const appName = "matchcore"

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml (defaults to ., ./config, /etc/matchcore)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: loading configuration: %v\n", appName, err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: building logger: %v\n", appName, err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("matchcore exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	if err := repositories.Migrate(db); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	orderRepo := repositories.NewOrderRepository(db, logger)
	tradeRepo := repositories.NewTradeRepository(db, logger)
	balanceRepo := repositories.NewBalanceRepository(db, logger)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	w, err := wal.Open(wal.Options{
		Dir:               cfg.WAL.Dir,
		SegmentBytes:      cfg.WAL.SegmentBytes,
		GroupCommitWindow: cfg.GroupCommitWindow(),
		Logger:            logger,
		Metrics:           metrics,
	})
	if err != nil {
		return fmt.Errorf("opening WAL: %w", err)
	}

	bus, err := newEventBus(cfg, logger)
	if err != nil {
		return fmt.Errorf("opening event bus: %w", err)
	}
	defer bus.Close() //nolint:errcheck

	pairs := make([]types.Pair, 0, len(cfg.Pairs))
	for _, p := range cfg.Pairs {
		pairs = append(pairs, types.Pair{Base: p.Base, Quote: p.Quote})
	}

	eng := engine.New(engine.Config{
		Pairs:          pairs,
		CommandBuffer:  cfg.Engine.CommandChannelCapacity,
		BaseAssetScale: cfg.Engine.BaseAssetScale,
		Metrics:        metrics,
	}, w, bus, logger)

	recoveryCtx, cancelRecovery := context.WithTimeout(context.Background(), 5*time.Minute)
	recErr := recovery.Run(recoveryCtx, eng, cfg.WAL.Dir, recovery.Repositories{
		Orders:   orderRepo,
		Trades:   tradeRepo,
		Balances: balanceRepo,
	}, cfg.Recovery.InitialLoadPageSize, logger)
	cancelRecovery()
	if recErr != nil {
		return fmt.Errorf("running recovery: %w", recErr)
	}

	writer, err := dbwriter.New(orderRepo, tradeRepo, balanceRepo, bus, logger, dbwriter.Options{
		BatchSize:     cfg.DBWriter.BatchSize,
		BatchInterval: cfg.DBBatchInterval(),
		CheckpointDir: cfg.WAL.Dir,
		PoolSize:      cfg.DBWriter.PoolSize,
		Metrics:       metrics,
	})
	if err != nil {
		return fmt.Errorf("constructing DB writer: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := writer.Start(ctx); err != nil {
		return fmt.Errorf("starting DB writer: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	feed := marketfeed.New(bus, logger)
	if err := feed.Start(ctx); err != nil {
		return fmt.Errorf("starting market feed: %w", err)
	}
	feedMux := http.NewServeMux()
	feedMux.Handle(cfg.MarketFeed.Path, feed)
	feedServer := &http.Server{Addr: cfg.MarketFeed.Addr, Handler: feedMux}
	go serveUntilShutdown(ctx, feedServer, logger, "market feed")

	fees, err := newFeeTable(cfg)
	if err != nil {
		return fmt.Errorf("building fee table: %w", err)
	}

	// disp is matchcore's validated, rate-limited command façade. matchcore
	// ships no wire protocol of its own (spec.md non-goals); an embedding
	// application calls disp directly or drives its own transport from it.
	disp := dispatcher.New(eng, dispatcher.RateLimit{
		PerSecond: cfg.RateLimit.SubmitOrderPerSecond,
		Burst:     cfg.RateLimit.Burst,
	}, fees, logger)
	_ = disp

	apiServer := api.New(registry)
	apiServer.RegisterReadinessCheck("db_writer_checkpoint", func() error {
		return nil // the writer advances its own checkpoint file; a stuck writer is caught by its lag metric
	})
	healthServer := &http.Server{Addr: cfg.Observability.HealthAddr, Handler: apiServer.Handler()}
	go serveUntilShutdown(ctx, healthServer, logger, "health/metrics")

	logger.Info("matchcore started",
		zap.Int("pairs", len(pairs)),
		zap.String("health_addr", cfg.Observability.HealthAddr),
		zap.String("market_feed_addr", cfg.MarketFeed.Addr),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	healthServer.Shutdown(shutdownCtx) //nolint:errcheck
	feedServer.Shutdown(shutdownCtx)   //nolint:errcheck

	if err := eng.Stop(); err != nil {
		logger.Warn("stopping engine", zap.Error(err))
	}
	writer.Stop()

	logger.Info("matchcore stopped")
	return nil
}

func serveUntilShutdown(ctx context.Context, srv *http.Server, logger *zap.Logger, name string) {
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("http server failed", zap.String("server", name), zap.Error(err))
	}
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	default:
		return gorm.Open(sqlite.Open(cfg.Database.DSN), &gorm.Config{})
	}
}

// newFeeTable builds the default-rate fee table the dispatcher queries
// through GetFeeRate (SPEC_FULL.md §4); the matching engine itself never
// consults it (spec.md §9).
func newFeeTable(cfg *config.Config) (*feeconfig.Table, error) {
	maker, err := money.FromString(cfg.Fees.DefaultMakerRate)
	if err != nil {
		return nil, fmt.Errorf("parsing default maker rate: %w", err)
	}
	taker, err := money.FromString(cfg.Fees.DefaultTakerRate)
	if err != nil {
		return nil, fmt.Errorf("parsing default taker rate: %w", err)
	}
	return feeconfig.New(feeconfig.Rate{Maker: maker, Taker: taker}), nil
}

// newEventBus picks the event bus transport named by cfg.EventBus.Transport.
// "nats" is for a pair-sharded deployment where more than one engine process
// shares a DB writer; a single-process deployment uses the default
// in-process gochannel transport.
func newEventBus(cfg *config.Config, logger *zap.Logger) (*eventbus.Bus, error) {
	switch cfg.EventBus.Transport {
	case "nats":
		return eventbus.NewNATS(cfg.EventBus.NATSURL, logger)
	default:
		return eventbus.New(logger, cfg.EventBus.BufferSize), nil
	}
}
