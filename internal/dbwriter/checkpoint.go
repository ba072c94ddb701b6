package dbwriter

import (
	"strconv"

	"github.com/matchcore-io/matchcore/internal/wal"
)

func loadCheckpoint(dir string) (int64, error) {
	if dir == "" {
		return 0, nil
	}
	return wal.ReadCheckpoint(dir)
}

func writeCheckpoint(dir string, seq int64) error {
	return wal.WriteCheckpoint(dir, seq)
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
