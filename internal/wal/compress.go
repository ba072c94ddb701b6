package wal

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// compressSegment rewrites a rotated-out segment as a zstd-compressed
// sealed segment and removes the uncompressed original, shrinking the
// on-disk footprint of WAL history that is kept only for audit/replay, not
// for active writes.
//
// The sealed file is built under a temp name and fsync'd before being
// renamed into place, mirroring checkpoint.go's temp-then-rename pattern:
// Replay must never be able to open a partially-written .wal.zst. A crash
// between the rename and the final os.Remove of the uncompressed original
// can still leave both NNNNNNNN.wal and NNNNNNNN.wal.zst on disk for the
// same index; Replay's dedup-by-index logic, not this function, is what
// guarantees that pair is never both replayed.
func compressSegment(dir string, index int) error {
	src, err := os.Open(segmentPath(dir, index))
	if err != nil {
		return fmt.Errorf("wal: opening segment %d for compression: %w", index, err)
	}
	defer src.Close()

	tmpPath := sealedPath(dir, index) + ".tmp"
	dst, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("wal: creating sealed segment %d: %w", index, err)
	}

	enc, err := zstd.NewWriter(dst)
	if err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("wal: creating zstd writer: %w", err)
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("wal: compressing segment %d: %w", index, err)
	}
	if err := enc.Close(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("wal: closing zstd writer: %w", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("wal: syncing sealed segment %d: %w", index, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("wal: closing sealed segment %d: %w", index, err)
	}
	if err := os.Rename(tmpPath, sealedPath(dir, index)); err != nil {
		return fmt.Errorf("wal: renaming sealed segment %d into place: %w", index, err)
	}
	return os.Remove(segmentPath(dir, index))
}

func openSegmentForRead(dir string, index int, sealed bool) (io.ReadCloser, error) {
	if !sealed {
		return os.Open(segmentPath(dir, index))
	}
	f, err := os.Open(sealedPath(dir, index))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &zstdReadCloser{dec: dec, f: f}, nil
}

// zstdReadCloser adapts a zstd.Decoder (Close returns no error) to
// io.ReadCloser semantics while also closing the underlying file.
type zstdReadCloser struct {
	dec *zstd.Decoder
	f   *os.File
}

func (z *zstdReadCloser) Read(p []byte) (int, error) { return z.dec.Read(p) }
func (z *zstdReadCloser) Close() error {
	z.dec.Close()
	return z.f.Close()
}
