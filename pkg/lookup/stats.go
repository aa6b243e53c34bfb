package lookup

import "time"

// CacheStats is an observability snapshot of one cache. It exists for
// inspection and debugging, not for correctness; the snapshot is already
// stale by the time the caller reads it.
type CacheStats struct {
	Size    int              `json:"size"`
	Entries []CacheEntryStat `json:"entries"`
}

// CacheEntryStat describes one cached value without exposing the value
// itself; cached secrets never leak through stats.
type CacheEntryStat struct {
	Key       string        `json:"key"`
	Source    Source        `json:"source"`
	ExpiresAt time.Time     `json:"expires_at"`
	Age       time.Duration `json:"age"`
}
