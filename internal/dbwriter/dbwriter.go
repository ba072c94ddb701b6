// Package dbwriter implements the asynchronous DB writer of spec.md §4.6: a
// separate task consuming the in-memory event queue, batching inserts/
// updates into the relational store, and tracking the checkpoint sequence
// number above which WAL segments may be pruned. It generalizes the
// teacher's internal/architecture/fx/workerpool (panjf2000/ants fan-out) and
// internal/architecture/fx/resilience (sony/gobreaker) packages -- stripped
// of their fx wiring, since cmd/matchcore wires everything by hand -- to the
// three-table batch the engine's event stream produces.
package dbwriter

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/segmentio/ksuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/matchcore-io/matchcore/internal/core/types"
	"github.com/matchcore-io/matchcore/internal/db/models"
	"github.com/matchcore-io/matchcore/internal/db/repositories"
	"github.com/matchcore-io/matchcore/internal/eventbus"
	"github.com/matchcore-io/matchcore/internal/observability"
)

// Options configures a Writer, grounded on spec.md §6's db_batch_size /
// db_batch_interval_ms configuration knobs.
type Options struct {
	BatchSize     int
	BatchInterval time.Duration
	CheckpointDir string
	PoolSize      int
	Metrics       *observability.Metrics // optional; nil disables instrumentation
}

func (o *Options) setDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 256
	}
	if o.BatchInterval <= 0 {
		o.BatchInterval = 50 * time.Millisecond
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 4
	}
}

// Writer drains the three eventbus topics, batches them, and upserts into
// the relational store via repositories, retrying relational-store errors
// with exponential backoff indefinitely (spec.md §7 "the DB writer retries
// ... with exponential backoff indefinitely").
type Writer struct {
	orders   *repositories.OrderRepository
	trades   *repositories.TradeRepository
	balances *repositories.BalanceRepository
	bus      *eventbus.Bus
	logger   *zap.Logger
	opts     Options

	pool    *ants.Pool
	breaker *gobreaker.CircuitBreaker

	mu         sync.Mutex
	checkpoint int64
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// New constructs a Writer. Call Start to begin draining.
func New(
	orders *repositories.OrderRepository,
	trades *repositories.TradeRepository,
	balances *repositories.BalanceRepository,
	bus *eventbus.Bus,
	logger *zap.Logger,
	opts Options,
) (*Writer, error) {
	opts.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := ants.NewPool(opts.PoolSize, ants.WithPreAlloc(true))
	if err != nil {
		return nil, err
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "dbwriter.store",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("dbwriter circuit breaker state change",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	initialCheckpoint, err := loadCheckpoint(opts.CheckpointDir)
	if err != nil {
		return nil, err
	}

	return &Writer{
		orders:     orders,
		trades:     trades,
		balances:   balances,
		bus:        bus,
		logger:     logger,
		opts:       opts,
		pool:       pool,
		breaker:    breaker,
		checkpoint: initialCheckpoint,
	}, nil
}

// Checkpoint returns the greatest WAL sequence number currently known to be
// durably reflected in the relational store.
func (w *Writer) Checkpoint() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checkpoint
}

// Start subscribes to the three event topics and runs three independent
// batching loops until ctx is cancelled or Stop is called. Each loop is
// its own goroutine, matching the event queue's "multi-producer (engine +
// admin deltas), single-consumer (DB writer)" shared-resource discipline of
// spec.md §4.6 -- three consumers here, one per outbound event shape, all
// still draining the same underlying in-process bus.
func (w *Writer) Start(ctx context.Context) error {
	trades, err := w.bus.SubscribeTrades(ctx)
	if err != nil {
		return err
	}
	balanceChanges, err := w.bus.SubscribeBalanceChanges(ctx)
	if err != nil {
		return err
	}
	orderChanges, err := w.bus.SubscribeOrderStatusChanges(ctx)
	if err != nil {
		return err
	}

	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(3)
	go w.runTradeLoop(ctx, trades, &wg)
	go w.runBalanceLoop(ctx, balanceChanges, &wg)
	go w.runOrderLoop(ctx, orderChanges, &wg)

	go func() {
		wg.Wait()
		close(w.doneCh)
	}()
	return nil
}

// Stop signals every batching loop to drain and waits for them to exit.
func (w *Writer) Stop() {
	if w.stopCh != nil {
		close(w.stopCh)
	}
	if w.doneCh != nil {
		<-w.doneCh
	}
	w.pool.Release()
}

func (w *Writer) runTradeLoop(ctx context.Context, in <-chan eventbus.Delivery[types.Trade], wg *sync.WaitGroup) {
	defer wg.Done()
	batch := make([]eventbus.Delivery[types.Trade], 0, w.opts.BatchSize)
	ticker := time.NewTicker(w.opts.BatchInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		rows := make([]models.Trade, len(batch))
		maxSeq := int64(0)
		for i, d := range batch {
			rows[i] = toTradeModel(d.Event)
			if d.Seq > maxSeq {
				maxSeq = d.Seq
			}
		}
		w.observeBatch("trades", len(batch))
		w.persist("trades", maxSeq, func() error {
			return w.trades.Insert(ctx, rows)
		})
		batch = batch[:0]
	}

	for {
		select {
		case d, ok := <-in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, d)
			if len(batch) >= w.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.stopCh:
			flush()
			return
		case <-ctx.Done():
			flush()
			return
		}
	}
}

func (w *Writer) runOrderLoop(ctx context.Context, in <-chan eventbus.Delivery[types.OrderStatusChange], wg *sync.WaitGroup) {
	defer wg.Done()
	batch := make([]eventbus.Delivery[types.OrderStatusChange], 0, w.opts.BatchSize)
	ticker := time.NewTicker(w.opts.BatchInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		items := batch
		maxSeq := int64(0)
		for _, d := range items {
			if d.Seq > maxSeq {
				maxSeq = d.Seq
			}
		}
		w.observeBatch("order_status", len(items))
		w.persist("order_status", maxSeq, func() error {
			for _, d := range items {
				row := toOrderModel(d.Event)
				if err := w.orders.Upsert(ctx, &row); err != nil {
					return err
				}
			}
			return nil
		})
		batch = batch[:0]
	}

	for {
		select {
		case d, ok := <-in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, d)
			if len(batch) >= w.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.stopCh:
			flush()
			return
		case <-ctx.Done():
			flush()
			return
		}
	}
}

func (w *Writer) runBalanceLoop(ctx context.Context, in <-chan eventbus.Delivery[types.BalanceChange], wg *sync.WaitGroup) {
	defer wg.Done()
	batch := make([]eventbus.Delivery[types.BalanceChange], 0, w.opts.BatchSize)
	ticker := time.NewTicker(w.opts.BatchInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		items := batch
		maxSeq := int64(0)
		// Coalesce to the last-seen row per (user, asset): balance upserts
		// are idempotent absolute writes, so only the latest value in a
		// batch needs to reach the store.
		latest := make(map[[2]string]models.UserBalance, len(items))
		order := make([]string, 0, len(items))
		for _, d := range items {
			if d.Seq > maxSeq {
				maxSeq = d.Seq
			}
			key := [2]string{itoa(d.Event.UserID), d.Event.Asset}
			if _, seen := latest[key]; !seen {
				order = append(order, key[0]+"/"+key[1])
			}
			latest[key] = models.UserBalance{
				UserID:    d.Event.UserID,
				Asset:     d.Event.Asset,
				Available: d.Event.NewAvailable,
				Locked:    d.Event.NewLocked,
			}
		}
		w.observeBatch("balances", len(items))
		w.persist("balances", maxSeq, func() error {
			for _, d := range items {
				key := [2]string{itoa(d.Event.UserID), d.Event.Asset}
				row := latest[key]
				if err := w.balances.Upsert(ctx, &row); err != nil {
					return err
				}
			}
			return nil
		})
		batch = batch[:0]
	}

	for {
		select {
		case d, ok := <-in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, d)
			if len(batch) >= w.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.stopCh:
			flush()
			return
		case <-ctx.Done():
			flush()
			return
		}
	}
}

// observeBatch records one flushed batch's size, for the db_writer_batch_size
// histogram on the /metrics surface.
func (w *Writer) observeBatch(kind string, size int) {
	if w.opts.Metrics == nil || size == 0 {
		return
	}
	w.opts.Metrics.ObserveDBWriterBatch(kind, size)
}

// persist runs fn through the circuit breaker with indefinite exponential
// backoff on failure (spec.md §7), then advances the checkpoint past seq
// once it succeeds. batchID is a ksuid correlation token for the log lines
// of one flush, not a substitute for any domain ID.
func (w *Writer) persist(kind string, seq int64, fn func() error) {
	batchID := ksuid.New().String()
	backoff := 50 * time.Millisecond
	const maxBackoff = 30 * time.Second

	if w.opts.Metrics != nil {
		w.opts.Metrics.SetDBWriterLag(seq - w.Checkpoint())
	}

	for {
		_, err := w.breaker.Execute(func() (interface{}, error) {
			return nil, fn()
		})
		if err == nil {
			w.advanceCheckpoint(seq)
			if w.opts.Metrics != nil {
				w.opts.Metrics.SetDBWriterLag(0)
			}
			return
		}
		if w.opts.Metrics != nil {
			w.opts.Metrics.IncDBWriterRetry(kind)
		}
		w.logger.Error("dbwriter batch persist failed, retrying",
			zap.String("batch_id", batchID),
			zap.String("kind", kind),
			zap.Int64("seq", seq),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (w *Writer) advanceCheckpoint(seq int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq <= w.checkpoint {
		return
	}
	w.checkpoint = seq
	if w.opts.CheckpointDir == "" {
		return
	}
	if err := writeCheckpoint(w.opts.CheckpointDir, seq); err != nil {
		w.logger.Error("failed to persist checkpoint", zap.Int64("seq", seq), zap.Error(err))
	}
}

func toOrderModel(c types.OrderStatusChange) models.Order {
	row := models.Order{
		ID:                c.OrderID,
		UserID:            c.UserID,
		Side:              string(c.Side),
		Kind:              string(c.Kind),
		Base:              c.Pair.Base,
		Quote:             c.Pair.Quote,
		Amount:            c.Amount,
		Status:            string(c.NewStatus),
		FilledAmount:      c.FilledAmount,
		FilledQuoteAmount: c.FilledQuoteAmount,
	}
	if c.Kind == types.Limit {
		price := c.Price
		row.Price = &price
	}
	return row
}

func toTradeModel(t types.Trade) models.Trade {
	return models.Trade{
		ID:          t.ID,
		BuyOrderID:  t.BuyOrderID,
		SellOrderID: t.SellOrderID,
		Base:        t.Pair.Base,
		Quote:       t.Pair.Quote,
		Price:       t.Price,
		Amount:      t.Amount,
		CreatedAt:   t.CreatedAt,
	}
}
