package wal

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

const checkpointFileName = "checkpoint"

// ReadCheckpoint returns the last-persisted sequence number recorded in
// dir's checkpoint file, or 0 if none exists yet (a fresh install).
func ReadCheckpoint(dir string) (int64, error) {
	path := filepath.Join(dir, checkpointFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("wal: reading checkpoint: %w", err)
	}
	if len(data) < 8 {
		return 0, fmt.Errorf("wal: truncated checkpoint file")
	}
	return int64(binary.LittleEndian.Uint64(data)), nil
}

// WriteCheckpoint durably records seq as the greatest WAL sequence whose
// effects are now in the relational store (spec.md §4.6). The write goes
// through a temp file + rename so a crash mid-write never corrupts the
// previous checkpoint.
func WriteCheckpoint(dir string, seq int64) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, checkpointFileName)
	tmp := path + ".tmp"

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(seq))

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("wal: creating checkpoint temp file: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
