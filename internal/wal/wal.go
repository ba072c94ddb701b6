package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matchcore-io/matchcore/internal/core/types"
	"github.com/matchcore-io/matchcore/internal/observability"
	"github.com/matchcore-io/matchcore/pkg/money"
)

const defaultSegmentBytes = 64 * 1024 * 1024
const defaultGroupCommitWindow = 200 * time.Microsecond

// Options configures a WAL instance, mirroring the recognized options of
// spec.md §6 ("Configuration").
type Options struct {
	Dir               string
	SegmentBytes      int64
	GroupCommitWindow time.Duration
	Logger            *zap.Logger
	Metrics           *observability.Metrics // optional; nil disables instrumentation
}

// WAL is the durable, append-only log backing the matching engine. Writes
// are serialized by mu because a crash-recovery replay and the live engine
// must never interleave segment files, even though in steady state only the
// engine's single goroutine calls Append*.
type WAL struct {
	dir               string
	segmentBytes      int64
	groupCommitWindow time.Duration
	logger            *zap.Logger
	metrics           *observability.Metrics

	mu            sync.Mutex
	file          *os.File
	bw            *bufio.Writer
	segmentIndex  int
	writtenBytes  int64
	lastSync      time.Time

	seq uint64 // atomic; last sequence number assigned
}

// Open opens (creating if necessary) the WAL directory, seeds the sequence
// counter from the highest sequence found across existing segments, and
// starts a fresh active segment.
func Open(opts Options) (*WAL, error) {
	if opts.SegmentBytes <= 0 {
		opts.SegmentBytes = defaultSegmentBytes
	}
	if opts.GroupCommitWindow == 0 {
		opts.GroupCommitWindow = defaultGroupCommitWindow
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: creating dir %s: %w", opts.Dir, err)
	}

	w := &WAL{
		dir:               opts.Dir,
		segmentBytes:      opts.SegmentBytes,
		groupCommitWindow: opts.GroupCommitWindow,
		logger:            opts.Logger,
		metrics:           opts.Metrics,
	}

	maxSeq, maxIndex, err := scanExisting(opts.Dir)
	if err != nil {
		return nil, err
	}
	atomic.StoreUint64(&w.seq, maxSeq)
	w.segmentIndex = maxIndex + 1

	if err := w.openActiveSegment(); err != nil {
		return nil, err
	}
	return w, nil
}

func segmentPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("%08d.wal", index))
}

func sealedPath(dir string, index int) string {
	return segmentPath(dir, index) + ".zst"
}

// scanExisting finds the highest sequence number and segment index already
// on disk, across both active (.wal) and sealed (.wal.zst) segments, so a
// restart continues the sequence instead of resetting it.
func scanExisting(dir string) (maxSeq uint64, maxIndex int, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, -1, nil
		}
		return 0, -1, fmt.Errorf("wal: listing %s: %w", dir, err)
	}
	maxIndex = -1
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		var idx int
		var sealed bool
		name := ent.Name()
		switch {
		case len(name) == len("00000000.wal"):
			if _, scanErr := fmt.Sscanf(name, "%08d.wal", &idx); scanErr != nil {
				continue
			}
		case len(name) == len("00000000.wal.zst"):
			if _, scanErr := fmt.Sscanf(name, "%08d.wal.zst", &idx); scanErr != nil {
				continue
			}
			sealed = true
		default:
			continue
		}
		if idx > maxIndex {
			maxIndex = idx
		}
		segMax, scanErr := highestSeqInSegment(dir, idx, sealed)
		if scanErr != nil {
			return 0, 0, scanErr
		}
		if segMax > maxSeq {
			maxSeq = segMax
		}
	}
	return maxSeq, maxIndex, nil
}

func highestSeqInSegment(dir string, index int, sealed bool) (uint64, error) {
	var max uint64
	err := replaySegment(dir, index, sealed, 0, func(seq uint64, _ Tag, _ []byte) error {
		if seq > max {
			max = seq
		}
		return nil
	})
	return max, err
}

func (w *WAL) openActiveSegment() error {
	f, err := os.OpenFile(segmentPath(w.dir, w.segmentIndex), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: opening segment %d: %w", w.segmentIndex, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.file = f
	w.bw = bufio.NewWriter(f)
	w.writtenBytes = info.Size()
	w.lastSync = time.Now()
	if w.metrics != nil {
		w.metrics.SetWALSegmentBytes(w.writtenBytes)
	}
	return nil
}

func (w *WAL) shouldSync() bool {
	if w.groupCommitWindow <= 0 {
		return true
	}
	return time.Since(w.lastSync) >= w.groupCommitWindow
}

// appendFrame assigns the next sequence number, writes the frame, and
// fsyncs per the group-commit window before returning -- the WAL never
// reports a sequence number as durable before the bytes backing it have hit
// disk (spec.md §4.6 "Contract").
func (w *WAL) appendFrame(tag Tag, payload []byte) (int64, error) {
	start := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	seq := atomic.AddUint64(&w.seq, 1)
	frame := buildFrame(seq, tag, payload)
	if _, err := w.bw.Write(frame); err != nil {
		return 0, fmt.Errorf("wal: write: %w", err)
	}
	if err := w.bw.Flush(); err != nil {
		return 0, fmt.Errorf("wal: flush: %w", err)
	}
	w.writtenBytes += int64(len(frame))

	if w.shouldSync() {
		if err := w.file.Sync(); err != nil {
			return 0, fmt.Errorf("wal: fsync: %w", err)
		}
		w.lastSync = time.Now()
	}

	if w.metrics != nil {
		w.metrics.ObserveWALAppend(time.Since(start))
		w.metrics.SetWALSegmentBytes(w.writtenBytes)
	}

	if w.writtenBytes >= w.segmentBytes {
		if err := w.rotate(); err != nil {
			return int64(seq), err
		}
	}
	return int64(seq), nil
}

// rotate seals the current segment (compressing it with zstd in the
// background) and opens a fresh active segment.
func (w *WAL) rotate() error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync before rotate: %w", err)
	}
	sealedIndex := w.segmentIndex
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: closing segment %d: %w", sealedIndex, err)
	}
	go func() {
		if err := compressSegment(w.dir, sealedIndex); err != nil {
			w.logger.Error("failed to compress sealed WAL segment",
				zap.Int("segment", sealedIndex), zap.Error(err))
		}
	}()
	w.segmentIndex++
	return w.openActiveSegment()
}

// Prune removes sealed segments whose every record has a sequence number at
// or below checkpoint, called after the DB writer advances the checkpoint
// (spec.md §4.6).
func (w *WAL) Prune(checkpoint int64) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	var indices []int
	for _, ent := range entries {
		var idx int
		if _, scanErr := fmt.Sscanf(ent.Name(), "%08d.wal.zst", &idx); scanErr == nil {
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)
	for _, idx := range indices {
		if idx == w.segmentIndex {
			continue // never prune the active-segment index, even if sealed twice
		}
		maxSeq, err := highestSeqInSegment(w.dir, idx, true)
		if err != nil {
			return err
		}
		if int64(maxSeq) > checkpoint {
			break // segments are sequential; stop at the first one still needed
		}
		if err := os.Remove(sealedPath(w.dir, idx)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Close flushes and fsyncs the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.bw.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// The four methods below satisfy internal/core/engine.WAL.

func (w *WAL) AppendSubmitOrder(o *types.Order) (int64, error) {
	return w.appendFrame(TagSubmitOrder, EncodeSubmitOrder(o))
}

func (w *WAL) AppendCancelOrder(orderID, userID int64, pair types.Pair) (int64, error) {
	return w.appendFrame(TagCancelOrder, EncodeCancelOrder(orderID, userID, pair))
}

func (w *WAL) AppendBalanceDelta(userID int64, asset string, deltaAvailable, deltaLocked money.Amount) (int64, error) {
	return w.appendFrame(TagBalanceDelta, EncodeBalanceDelta(userID, asset, deltaAvailable, deltaLocked))
}

func (w *WAL) AppendTradeRecord(t *types.Trade) (int64, error) {
	return w.appendFrame(TagTradeRecord, EncodeTradeRecord(t))
}
