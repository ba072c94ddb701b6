// Package engine implements the single-consumer matching engine of spec.md
// §4.5: one goroutine owns every order book and the balance cache, drains a
// command channel in arrival order, and is the sole serialization point for
// WAL sequence numbers. It generalizes the crossing mechanics of
// mkhoshkam-orderbook's engine.go and the lifecycle/logging style of the
// teacher's cmd/server + internal/core/matching packages to exact-decimal,
// multi-pair, WAL-backed matching.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matchcore-io/matchcore/internal/core/balance"
	"github.com/matchcore-io/matchcore/internal/core/book"
	"github.com/matchcore-io/matchcore/internal/core/types"
	coreerrors "github.com/matchcore-io/matchcore/internal/errors"
	"github.com/matchcore-io/matchcore/internal/ids"
	"github.com/matchcore-io/matchcore/internal/observability"
	"github.com/matchcore-io/matchcore/pkg/money"
)

type lifecycleState int32

const (
	stateStopped lifecycleState = iota
	stateRunning
	stateDegraded
)

// Config holds the knobs the engine needs at construction, grounded on
// spec.md §6 ("Configuration") and filled in from internal/config at wiring
// time.
type Config struct {
	Pairs          []types.Pair
	CommandBuffer  int // 0 means unbounded-ish: a large buffer, never truly unbounded in Go
	BaseAssetScale int32
	Metrics        *observability.Metrics // optional; nil disables instrumentation
}

// Engine is the matching core for a fixed set of pairs. Start runs exactly
// one consumer goroutine at a time (a second Start returns AlreadyStarted);
// Submit/Cancel/UpdateBalance are safe to call concurrently from any number
// of goroutines.
type Engine struct {
	wal     WAL
	events  EventPublisher
	logger  *zap.Logger
	metrics *observability.Metrics

	orderGen *ids.Generator
	tradeGen *ids.Generator

	baseScale int32

	books    map[types.Pair]*book.Book
	balances *balance.Cache

	// ordersMu guards orders; the command-processing goroutine and
	// RestoreOrder (before Start) write under it, and read-only lookups such
	// as OrdersByUser read-lock it from caller goroutines.
	ordersMu sync.RWMutex
	orders   map[int64]*types.Order // resting orders only, by id

	cmdCh chan command

	// lastSeq is the most recent WAL sequence number successfully appended.
	// It is only ever touched by the single command-processing goroutine.
	lastSeq int64

	state   int32 // lifecycleState, atomic
	stopCh  chan struct{}
	doneCh  chan struct{}
	startMu sync.Mutex
}

// New constructs a stopped Engine. Call Start to begin processing.
func New(cfg Config, wal WAL, events EventPublisher, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = noopEvents{}
	}
	scale := cfg.BaseAssetScale
	if scale == 0 {
		scale = 8
	}
	buf := cfg.CommandBuffer
	if buf <= 0 {
		buf = 4096
	}
	books := make(map[types.Pair]*book.Book, len(cfg.Pairs))
	for _, p := range cfg.Pairs {
		books[p] = book.New(p)
	}
	return &Engine{
		wal:       wal,
		events:    events,
		logger:    logger,
		metrics:   cfg.Metrics,
		orderGen:  ids.New(),
		tradeGen:  ids.New(),
		baseScale: scale,
		books:     books,
		balances:  balance.New(),
		orders:    make(map[int64]*types.Order),
		cmdCh:     make(chan command, buf),
	}
}

// SeedGenerators re-seeds the order/trade ID generators above floors
// observed in durable storage, used by recovery (spec.md §4.8 step 5) before
// Start opens the command channel to new producers.
func (e *Engine) SeedGenerators(orderFloor, tradeFloor int64) {
	e.orderGen = ids.NewSeeded(orderFloor)
	e.tradeGen = ids.NewSeeded(tradeFloor)
}

// Balances exposes the balance cache for recovery's balance load and for
// read-only get_balance queries; all of its methods take their own locks.
func (e *Engine) Balances() *balance.Cache { return e.balances }

// RestoreOrder re-inserts a resting order recovered from durable storage
// into its pair's book, used by recovery step 3. It bypasses validation and
// locking since the balance lock was already accounted for pre-crash.
func (e *Engine) RestoreOrder(o *types.Order) error {
	bk, ok := e.books[o.Pair]
	if !ok {
		return coreerrors.Newf(coreerrors.CodeUnknownPair, "pair %s has no configured book", o.Pair)
	}
	bk.Insert(o)
	e.ordersMu.Lock()
	e.orders[o.ID] = o
	e.ordersMu.Unlock()
	return nil
}

// Start opens the command channel to producers and begins the single
// consumer goroutine. Returns AlreadyStarted if called twice.
func (e *Engine) Start(ctx context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if lifecycleState(atomic.LoadInt32(&e.state)) != stateStopped {
		return coreerrors.New(coreerrors.CodeAlreadyStarted, "engine already started")
	}
	atomic.StoreInt32(&e.state, int32(stateRunning))
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	go e.run(ctx)
	e.logger.Info("matching engine started", zap.Int("pairs", len(e.books)))
	return nil
}

// Stop signals the consumer goroutine to drain and exit, and waits for it.
// Returns AlreadyStopped if the engine is not running.
func (e *Engine) Stop() error {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	cur := lifecycleState(atomic.LoadInt32(&e.state))
	if cur == stateStopped {
		return coreerrors.New(coreerrors.CodeAlreadyStopped, "engine already stopped")
	}
	atomic.StoreInt32(&e.state, int32(stateStopped))
	close(e.stopCh)
	<-e.doneCh
	e.logger.Info("matching engine stopped")
	return nil
}

func (e *Engine) degrade(reason error) {
	atomic.StoreInt32(&e.state, int32(stateDegraded))
	e.logger.Error("matching engine degraded, rejecting future commands", zap.Error(reason))
}

func (e *Engine) checkAcceptingCommands() error {
	switch lifecycleState(atomic.LoadInt32(&e.state)) {
	case stateRunning:
		return nil
	default:
		return coreerrors.New(coreerrors.CodeEngineStopped, "engine is not accepting commands")
	}
}

// run is the single consumer goroutine; it is the only writer to books,
// balances, and orders for the lifetime of the engine (spec.md §5).
func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)
	for {
		select {
		case <-e.stopCh:
			for {
				select {
				case cmd := <-e.cmdCh:
					e.dispatch(cmd)
				default:
					return
				}
			}
		case <-ctx.Done():
			atomic.StoreInt32(&e.state, int32(stateStopped))
			return
		case cmd := <-e.cmdCh:
			e.dispatch(cmd)
		}
	}
}

func (e *Engine) dispatch(cmd command) {
	if e.metrics != nil {
		e.metrics.SetCommandQueueDepth(len(e.cmdCh))
	}
	switch c := cmd.(type) {
	case submitCommand:
		order, err := e.handleSubmit(c.order)
		c.reply <- submitResult{order: order, err: err}
	case cancelCommand:
		order, err := e.handleCancel(c.orderID, c.userID, c.pair)
		c.reply <- cancelResult{order: order, err: err}
	case updateBalanceCommand:
		c.reply <- e.handleUpdateBalance(c.userID, c.asset, c.deltaAvailable)
	}
}

// Submit validates, locks, WAL-appends, and matches order, blocking until
// the engine has fully processed it. order.ID is assigned by the engine and
// ignored on input.
func (e *Engine) Submit(order *types.Order) (*types.Order, error) {
	if err := e.checkAcceptingCommands(); err != nil {
		return nil, err
	}
	reply := make(chan submitResult, 1)
	e.cmdCh <- submitCommand{order: order, reply: reply}
	res := <-reply
	return res.order, res.err
}

// Cancel removes a resting order, blocking until processed.
func (e *Engine) Cancel(orderID, userID int64, pair types.Pair) (*types.Order, error) {
	if err := e.checkAcceptingCommands(); err != nil {
		return nil, err
	}
	reply := make(chan cancelResult, 1)
	e.cmdCh <- cancelCommand{orderID: orderID, userID: userID, pair: pair, reply: reply}
	res := <-reply
	return res.order, res.err
}

// UpdateBalance applies an administrative available-balance delta, blocking
// until processed.
func (e *Engine) UpdateBalance(userID int64, asset string, deltaAvailable money.Amount) error {
	if err := e.checkAcceptingCommands(); err != nil {
		return err
	}
	reply := make(chan error, 1)
	e.cmdCh <- updateBalanceCommand{userID: userID, asset: asset, deltaAvailable: deltaAvailable, reply: reply}
	return <-reply
}

// Book returns the order book for pair, or false if the pair is not
// configured on this engine (spec.md §4.7 get_orderbook UnknownPair).
func (e *Engine) Book(pair types.Pair) (*book.Book, bool) {
	bk, ok := e.books[pair]
	return bk, ok
}

func (e *Engine) bookFor(pair types.Pair) (*book.Book, error) {
	bk, ok := e.books[pair]
	if !ok {
		return nil, coreerrors.Newf(coreerrors.CodeUnknownPair, "pair %s is not configured", pair)
	}
	return bk, nil
}

func now() time.Time { return time.Now() }
