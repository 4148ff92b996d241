package headrule

import (
	"sync"

	"github.com/scriptgate/scriptgate/internal/store"
)

const (
	counterBucket = "counters"
	counterKey    = "header_rule"
)

type counterRecord struct {
	Next int64 `json:"next"`
}

// Counter allocates monotonically increasing rule ids. The high-water mark
// is persisted so ids never collide across process restarts.
type Counter struct {
	mu    sync.Mutex
	store *store.Store
	next  int64
}

// OpenCounter loads the persisted high-water mark.
func OpenCounter(st *store.Store) (*Counter, error) {
	var rec counterRecord
	if _, err := st.Get(counterBucket, counterKey, &rec); err != nil {
		return nil, err
	}
	if rec.Next < 1 {
		rec.Next = 1
	}
	return &Counter{store: st, next: rec.Next}, nil
}

// Allocate returns the next rule id and persists the new mark.
func (c *Counter) Allocate() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.next
	c.next++
	if err := c.store.Put(counterBucket, counterKey, counterRecord{Next: c.next}); err != nil {
		return 0, err
	}
	return id, nil
}
