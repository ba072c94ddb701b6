// Package wal implements the append-only write-ahead log of spec.md §6: a
// sequence of length-prefixed, CRC-tagged records, flushed before a submit
// or cancel is acknowledged, with sealed segments compressed and a
// checkpoint file marking the durable-in-SQL frontier.
package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/matchcore-io/matchcore/internal/core/types"
	"github.com/matchcore-io/matchcore/pkg/money"
)

// Tag identifies a WAL record's payload shape (spec.md §6 "WAL on-disk
// format").
type Tag uint8

const (
	TagSubmitOrder  Tag = 1
	TagCancelOrder  Tag = 2
	TagBalanceDelta Tag = 3
	TagTradeRecord  Tag = 4
)

func (t Tag) String() string {
	switch t {
	case TagSubmitOrder:
		return "SubmitOrder"
	case TagCancelOrder:
		return "CancelOrder"
	case TagBalanceDelta:
		return "BalanceDelta"
	case TagTradeRecord:
		return "TradeRecord"
	default:
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
}

// writer accumulates a record payload field by field. Strings and decimals
// are length-prefixed so the reader never has to guess a width; every
// numeric field is little-endian per spec.md §6.
type writer struct {
	buf bytes.Buffer
}

func (w *writer) int64(v int64)   { binary.Write(&w.buf, binary.LittleEndian, v) } //nolint:errcheck
func (w *writer) str(s string) {
	binary.Write(&w.buf, binary.LittleEndian, uint16(len(s))) //nolint:errcheck
	w.buf.WriteString(s)
}
func (w *writer) amount(a money.Amount) { w.str(a.String()) }
func (w *writer) bytes() []byte         { return w.buf.Bytes() }

type reader struct {
	buf *bytes.Reader
}

func newReader(b []byte) *reader { return &reader{buf: bytes.NewReader(b)} }

func (r *reader) int64() (int64, error) {
	var v int64
	err := binary.Read(r.buf, binary.LittleEndian, &v)
	return v, err
}

func (r *reader) str() (string, error) {
	var n uint16
	if err := binary.Read(r.buf, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := r.buf.Read(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (r *reader) amount() (money.Amount, error) {
	s, err := r.str()
	if err != nil {
		return money.Zero, err
	}
	return money.FromString(s)
}

// EncodeSubmitOrder serializes the fields of an OrderEntry (spec.md §3)
// needed to replay its submission: identity, side/kind, pair, and the
// price/amount combination validated at submit time.
func EncodeSubmitOrder(o *types.Order) []byte {
	w := &writer{}
	w.int64(o.ID)
	w.int64(o.UserID)
	w.str(string(o.Side))
	w.str(string(o.Kind))
	w.str(o.Pair.Base)
	w.str(o.Pair.Quote)
	w.amount(o.Price)
	w.amount(o.Amount)
	w.amount(o.QuoteAmount)
	w.int64(o.CreatedAt.UnixNano())
	return w.bytes()
}

// DecodeSubmitOrder reverses EncodeSubmitOrder, producing a freshly
// initialized Order (remaining = amount, filled = 0, status = pending)
// ready for RestoreOrder or re-submission during replay.
func DecodeSubmitOrder(b []byte) (*types.Order, error) {
	r := newReader(b)
	o := &types.Order{}
	var err error
	if o.ID, err = r.int64(); err != nil {
		return nil, err
	}
	if o.UserID, err = r.int64(); err != nil {
		return nil, err
	}
	side, err := r.str()
	if err != nil {
		return nil, err
	}
	o.Side = types.Side(side)
	kind, err := r.str()
	if err != nil {
		return nil, err
	}
	o.Kind = types.Kind(kind)
	if o.Pair.Base, err = r.str(); err != nil {
		return nil, err
	}
	if o.Pair.Quote, err = r.str(); err != nil {
		return nil, err
	}
	if o.Price, err = r.amount(); err != nil {
		return nil, err
	}
	if o.Amount, err = r.amount(); err != nil {
		return nil, err
	}
	if o.QuoteAmount, err = r.amount(); err != nil {
		return nil, err
	}
	ts, err := r.int64()
	if err != nil {
		return nil, err
	}
	o.CreatedAt = unixNano(ts)
	o.RemainingAmount = o.Amount
	o.RemainingQuoteAmount = o.QuoteAmount
	o.FilledAmount = money.Zero
	o.FilledQuoteAmount = money.Zero
	o.Status = types.StatusPending
	return o, nil
}

// EncodeCancelOrder serializes a cancel's identity (spec.md §3 "WAL
// record").
func EncodeCancelOrder(orderID, userID int64, pair types.Pair) []byte {
	w := &writer{}
	w.int64(orderID)
	w.int64(userID)
	w.str(pair.Base)
	w.str(pair.Quote)
	return w.bytes()
}

// DecodeCancelOrder reverses EncodeCancelOrder.
func DecodeCancelOrder(b []byte) (orderID, userID int64, pair types.Pair, err error) {
	r := newReader(b)
	if orderID, err = r.int64(); err != nil {
		return
	}
	if userID, err = r.int64(); err != nil {
		return
	}
	if pair.Base, err = r.str(); err != nil {
		return
	}
	pair.Quote, err = r.str()
	return
}

// EncodeBalanceDelta serializes a balance mutation as signed
// available/locked deltas.
func EncodeBalanceDelta(userID int64, asset string, deltaAvailable, deltaLocked money.Amount) []byte {
	w := &writer{}
	w.int64(userID)
	w.str(asset)
	w.amount(deltaAvailable)
	w.amount(deltaLocked)
	return w.bytes()
}

// DecodeBalanceDelta reverses EncodeBalanceDelta.
func DecodeBalanceDelta(b []byte) (userID int64, asset string, deltaAvailable, deltaLocked money.Amount, err error) {
	r := newReader(b)
	if userID, err = r.int64(); err != nil {
		return
	}
	if asset, err = r.str(); err != nil {
		return
	}
	if deltaAvailable, err = r.amount(); err != nil {
		return
	}
	deltaLocked, err = r.amount()
	return
}

// EncodeTradeRecord serializes a completed fill (spec.md §3 "Trade
// record").
func EncodeTradeRecord(t *types.Trade) []byte {
	w := &writer{}
	w.int64(t.ID)
	w.int64(t.BuyOrderID)
	w.int64(t.SellOrderID)
	w.str(t.Pair.Base)
	w.str(t.Pair.Quote)
	w.amount(t.Price)
	w.amount(t.Amount)
	w.int64(t.CreatedAt.UnixNano())
	return w.bytes()
}

// DecodeTradeRecord reverses EncodeTradeRecord.
func DecodeTradeRecord(b []byte) (*types.Trade, error) {
	r := newReader(b)
	t := &types.Trade{}
	var err error
	if t.ID, err = r.int64(); err != nil {
		return nil, err
	}
	if t.BuyOrderID, err = r.int64(); err != nil {
		return nil, err
	}
	if t.SellOrderID, err = r.int64(); err != nil {
		return nil, err
	}
	if t.Pair.Base, err = r.str(); err != nil {
		return nil, err
	}
	if t.Pair.Quote, err = r.str(); err != nil {
		return nil, err
	}
	if t.Price, err = r.amount(); err != nil {
		return nil, err
	}
	if t.Amount, err = r.amount(); err != nil {
		return nil, err
	}
	ts, err := r.int64()
	if err != nil {
		return nil, err
	}
	t.CreatedAt = unixNano(ts)
	return t, nil
}
