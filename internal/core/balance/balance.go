// Package balance implements the in-memory balance cache of spec.md §4.4:
// per-(user, asset) available/locked accounting with four atomic primitives.
package balance

import (
	"sync"

	coreerrors "github.com/matchcore-io/matchcore/internal/errors"
	"github.com/matchcore-io/matchcore/internal/core/types"
	"github.com/matchcore-io/matchcore/pkg/money"
)

type key struct {
	userID int64
	asset  string
}

// Cache holds every user's available/locked balance per asset. All mutation
// methods run from the matching engine's single command-processing
// goroutine; Get takes a short read lock so API callers can query without
// traversing the command channel (spec.md §5).
type Cache struct {
	mu      sync.RWMutex
	entries map[key]*types.BalanceEntry
}

// New creates an empty balance cache.
func New() *Cache {
	return &Cache{entries: make(map[key]*types.BalanceEntry)}
}

func (c *Cache) entry(u int64, asset string) *types.BalanceEntry {
	k := key{u, asset}
	e, ok := c.entries[k]
	if !ok {
		e = &types.BalanceEntry{Available: money.Zero, Locked: money.Zero}
		c.entries[k] = e
	}
	return e
}

// Get returns the current (available, locked) for (user, asset). A missing
// entry reads as (0, 0), per spec.md §4.7.
func (c *Cache) Get(userID int64, asset string) (money.Amount, money.Amount) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key{userID, asset}]
	if !ok {
		return money.Zero, money.Zero
	}
	return e.Available, e.Locked
}

// Lock moves x from available to locked. Returns InsufficientFunds if
// available < x; the entry is left unchanged in that case.
func (c *Cache) Lock(userID int64, asset string, x money.Amount) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(userID, asset)
	if e.Available.LessThan(x) {
		return coreerrors.Newf(coreerrors.CodeInsufficientFunds,
			"user %d: available %s < required %s %s", userID, e.Available, x, asset)
	}
	e.Available = e.Available.Sub(x)
	e.Locked = e.Locked.Add(x)
	return nil
}

// Unlock moves x from locked back to available, e.g. on cancellation or a
// market order's unfilled residual.
func (c *Cache) Unlock(userID int64, asset string, x money.Amount) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(userID, asset)
	if e.Locked.LessThan(x) {
		return coreerrors.Newf(coreerrors.CodeConsistency,
			"user %d: locked %s < unlock %s %s", userID, e.Locked, x, asset)
	}
	e.Locked = e.Locked.Sub(x)
	e.Available = e.Available.Add(x)
	return nil
}

// DebitLocked removes x from locked without crediting it back to available:
// the funds leave the system to the fill counterparty.
func (c *Cache) DebitLocked(userID int64, asset string, x money.Amount) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(userID, asset)
	if e.Locked.LessThan(x) {
		return coreerrors.Newf(coreerrors.CodeConsistency,
			"user %d: locked %s < debit %s %s", userID, e.Locked, x, asset)
	}
	e.Locked = e.Locked.Sub(x)
	return nil
}

// CreditAvailable adds x to available, e.g. the base/quote a taker or maker
// receives on a fill, or an administrative deposit.
func (c *Cache) CreditAvailable(userID int64, asset string, x money.Amount) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(userID, asset)
	e.Available = e.Available.Add(x)
}

// Snapshot returns every (user, asset) -> entry pair, used by the DB writer
// and recovery's balance load. The returned map is a copy; mutating it has
// no effect on the cache.
func (c *Cache) Snapshot() map[int64]map[string]types.BalanceEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int64]map[string]types.BalanceEntry)
	for k, e := range c.entries {
		byAsset, ok := out[k.userID]
		if !ok {
			byAsset = make(map[string]types.BalanceEntry)
			out[k.userID] = byAsset
		}
		byAsset[k.asset] = *e
	}
	return out
}

// ApplyAvailableDelta adds delta (which may be negative) directly to
// available, used by the administrative update_balance command (spec.md
// §4.5). Returns InsufficientFunds if the result would go negative.
func (c *Cache) ApplyAvailableDelta(userID int64, asset string, delta money.Amount) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(userID, asset)
	next := e.Available.Add(delta)
	if next.IsNegative() {
		return coreerrors.Newf(coreerrors.CodeInsufficientFunds,
			"user %d: available delta %s would make balance negative (have %s) %s",
			userID, delta, e.Available, asset)
	}
	e.Available = next
	return nil
}

// ApplyRawDelta adds deltaAvailable/deltaLocked directly to (user, asset),
// bypassing the available>=0/locked>=0 checks the live lock/unlock/debit
// path enforces. Used only by recovery (spec.md §4.8 step 4) to replay a
// WAL BalanceDelta record on top of a balance snapshot already loaded from
// the relational store: the log is trusted as the source of truth during
// replay, not re-validated against it.
func (c *Cache) ApplyRawDelta(userID int64, asset string, deltaAvailable, deltaLocked money.Amount) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(userID, asset)
	e.Available = e.Available.Add(deltaAvailable)
	e.Locked = e.Locked.Add(deltaLocked)
}

// Restore sets (user, asset) to an absolute (available, locked) pair,
// bypassing the lock/unlock deltas. Used only by recovery when loading
// balances straight from user_balances (spec.md §4.8 step 2).
func (c *Cache) Restore(userID int64, asset string, available, locked money.Amount) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(userID, asset)
	e.Available = available
	e.Locked = locked
}
