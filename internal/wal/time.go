package wal

import "time"

func unixNano(ts int64) time.Time {
	return time.Unix(0, ts).UTC()
}
