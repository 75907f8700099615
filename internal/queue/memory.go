package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memItem struct {
	Item
	seq uint64
}

// MemoryQueue is a single-process queue for deployments without a shared
// database queue and for tests.
type MemoryQueue struct {
	mu    sync.Mutex
	items []memItem // sorted by score desc, seq asc
	seq   uint64
	now   func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{now: time.Now}
}

var _ Queue = (*MemoryQueue)(nil)

func less(a, b memItem) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.seq < b.seq
}

func (q *MemoryQueue) indexOf(jobID int64) int {
	for i, it := range q.items {
		if it.JobID == jobID {
			return i
		}
	}
	return -1
}

func (q *MemoryQueue) Enqueue(_ context.Context, jobID int64, tier Tier, metadata map[string]string) error {
	if !validTier(tier) {
		return ErrInvalidTier
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if i := q.indexOf(jobID); i >= 0 {
		q.items = append(q.items[:i], q.items[i+1:]...)
	}
	q.seq++
	now := q.now()
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	it := memItem{
		Item: Item{JobID: jobID, Tier: tier, Score: Score(tier, now), EnqueuedAt: now, Metadata: md},
		seq:  q.seq,
	}
	i := sort.Search(len(q.items), func(i int) bool { return less(it, q.items[i]) })
	q.items = append(q.items, memItem{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = it
	return nil
}

func (q *MemoryQueue) Dequeue(context.Context) (*Item, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false, nil
	}
	it := q.items[0].Item
	q.items = q.items[1:]
	return &it, true, nil
}

func (q *MemoryQueue) Peek(_ context.Context, n int) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || n > len(q.items) {
		n = len(q.items)
	}
	out := make([]Item, n)
	for i := 0; i < n; i++ {
		out[i] = q.items[i].Item
	}
	return out, nil
}

func (q *MemoryQueue) Remove(_ context.Context, jobID int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(jobID)
	if i < 0 {
		return false, nil
	}
	q.items = append(q.items[:i], q.items[i+1:]...)
	return true, nil
}

func (q *MemoryQueue) Position(_ context.Context, jobID int64) (int, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(jobID)
	return i, i >= 0, nil
}

func (q *MemoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

func (q *MemoryQueue) TierCounts(context.Context) (map[Tier]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[Tier]int, len(Tiers))
	for _, t := range Tiers {
		out[t] = 0
	}
	for _, it := range q.items {
		if b := bandOf(it.Score); b != 0 {
			out[b]++
		}
	}
	return out, nil
}
