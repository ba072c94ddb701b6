// Package feeconfig implements the fee table described in spec.md §9 (Open
// Question: "Fee application"): a lookup service exists and is queryable,
// but no fill in the matching path debits a fee. It is grounded on the
// original Rust source's fee_service.rs resolve_fee precedence (SPEC_FULL.md
// §4 "Supplemented features"): exact (base, quote) match, then base-only,
// then quote-only, then a global default.
package feeconfig

import (
	"sync"

	"github.com/matchcore-io/matchcore/internal/core/types"
	"github.com/matchcore-io/matchcore/pkg/money"
)

// Rate is a maker/taker fee pair expressed as a fraction (e.g. 0.001 = 10bps).
// The matching engine never applies Rate to a fill; it is exposed only for
// collaborators (billing, the HTTP API) to query.
type Rate struct {
	Maker money.Amount
	Taker money.Amount
}

type tableKey struct {
	base  string
	quote string
}

// Table holds fee rates keyed by pair, by base asset alone, by quote asset
// alone, and a process-wide default, queried in that precedence order.
type Table struct {
	mu         sync.RWMutex
	byPair     map[tableKey]Rate
	byBase     map[string]Rate
	byQuote    map[string]Rate
	defaultRt  Rate
}

// New creates a Table with the given global default rate, applied when no
// more specific entry matches.
func New(defaultRate Rate) *Table {
	return &Table{
		byPair:    make(map[tableKey]Rate),
		byBase:    make(map[string]Rate),
		byQuote:   make(map[string]Rate),
		defaultRt: defaultRate,
	}
}

// SetPairRate registers a fee rate specific to one (base, quote) pair,
// taking precedence over any base-only, quote-only, or default entry.
func (t *Table) SetPairRate(pair types.Pair, rate Rate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byPair[tableKey{pair.Base, pair.Quote}] = rate
}

// SetBaseRate registers a fee rate for every pair trading this base asset,
// unless overridden by a more specific pair entry.
func (t *Table) SetBaseRate(base string, rate Rate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byBase[base] = rate
}

// SetQuoteRate registers a fee rate for every pair denominated in this quote
// asset, unless overridden by a pair or base entry.
func (t *Table) SetQuoteRate(quote string, rate Rate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byQuote[quote] = rate
}

// Resolve returns the fee rate that would apply to pair, following the
// fee_service.rs precedence: exact pair, then base, then quote, then the
// table's default.
func (t *Table) Resolve(pair types.Pair) Rate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.byPair[tableKey{pair.Base, pair.Quote}]; ok {
		return r
	}
	if r, ok := t.byBase[pair.Base]; ok {
		return r
	}
	if r, ok := t.byQuote[pair.Quote]; ok {
		return r
	}
	return t.defaultRt
}
