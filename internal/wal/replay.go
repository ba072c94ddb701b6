package wal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
)

// RecordHandler processes one decoded record during replay.
type RecordHandler func(seq uint64, tag Tag, payload []byte) error

// replaySegment streams one segment's frames through fn, stopping cleanly
// at end of file. minSeq excludes records at or below it, used by Replay to
// skip everything the checkpoint already covers.
func replaySegment(dir string, index int, sealed bool, minSeq uint64, fn RecordHandler) error {
	rc, err := openSegmentForRead(dir, index, sealed)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer rc.Close()

	br := bufio.NewReader(rc)
	for {
		seq, tag, payload, err := readFrame(br)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("wal: segment %d: %w", index, err)
		}
		if seq <= minSeq {
			continue
		}
		if err := fn(seq, tag, payload); err != nil {
			return fmt.Errorf("wal: segment %d seq %d: %w", index, seq, err)
		}
	}
}

// Replay streams every record with sequence > checkpoint, in segment then
// in-segment order, across both sealed and active segments (spec.md §4.8
// step 4). It is the sole reader of WAL history; recovery calls it once at
// startup before opening the command channel to producers.
//
// compressSegment's rename-then-remove sequence (compress.go) is not
// atomic end to end: a crash between the rename of the sealed .wal.zst and
// the removal of the original .wal can leave both on disk for the same
// index. When that happens the sealed copy is always a complete superset
// of the uncompressed one -- compressSegment only renames the .zst into
// place after the whole source segment has been copied and fsync'd -- so
// Replay dedups by index and always prefers the sealed copy, never
// streaming both.
func Replay(dir string, checkpoint int64, fn RecordHandler) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("wal: listing %s: %w", dir, err)
	}

	type seg struct {
		index  int
		sealed bool
	}
	byIndex := make(map[int]seg)
	for _, ent := range entries {
		var idx int
		name := ent.Name()
		if _, scanErr := fmt.Sscanf(name, "%08d.wal.zst", &idx); scanErr == nil {
			byIndex[idx] = seg{index: idx, sealed: true}
			continue
		}
		if _, scanErr := fmt.Sscanf(name, "%08d.wal", &idx); scanErr == nil {
			if existing, ok := byIndex[idx]; ok && existing.sealed {
				continue // sealed copy for this index already recorded, prefer it
			}
			byIndex[idx] = seg{index: idx, sealed: false}
		}
	}
	segs := make([]seg, 0, len(byIndex))
	for _, s := range byIndex {
		segs = append(segs, s)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].index < segs[j].index })

	minSeq := uint64(0)
	if checkpoint > 0 {
		minSeq = uint64(checkpoint)
	}
	for _, s := range segs {
		if err := replaySegment(dir, s.index, s.sealed, minSeq, fn); err != nil {
			return err
		}
	}
	return nil
}
