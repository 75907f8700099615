// Package queue orders pending generation jobs by priority tier and then by
// arrival time.
package queue

import (
	"context"
	"errors"
	"time"
)

// Tier is a job's priority band. Higher runs first.
type Tier int

const (
	TierLow      Tier = 25
	TierNormal   Tier = 50
	TierHigh     Tier = 75
	TierCritical Tier = 100
)

// Tiers lists every band from highest to lowest.
var Tiers = []Tier{TierCritical, TierHigh, TierNormal, TierLow}

func (t Tier) String() string {
	switch t {
	case TierCritical:
		return "critical"
	case TierHigh:
		return "high"
	case TierNormal:
		return "normal"
	case TierLow:
		return "low"
	}
	return "unknown"
}

// ScoreBand separates tiers. It exceeds any unix timestamp before year 2286
// so a lower tier can never outrank a higher one.
const ScoreBand = 1e10

var ErrInvalidTier = errors.New("queue: invalid tier")

// Score ranks an item: tier first, then earlier enqueue first.
func Score(tier Tier, enqueuedAt time.Time) float64 {
	return float64(tier)*ScoreBand - float64(enqueuedAt.Unix())
}

// bandOf reports which tier a score falls in.
func bandOf(score float64) Tier {
	for _, t := range Tiers {
		top := float64(t) * ScoreBand
		if score <= top && score >= top-ScoreBand {
			return t
		}
	}
	return 0
}

func validTier(t Tier) bool {
	for _, x := range Tiers {
		if x == t {
			return true
		}
	}
	return false
}

// DeterminePriority maps a request to its tier.
func DeterminePriority(isAdmin, isPaid bool, jobType string) Tier {
	switch {
	case isAdmin:
		return TierCritical
	case isPaid:
		return TierHigh
	case jobType == "batch":
		return TierLow
	}
	return TierNormal
}

// Item is one queued job.
type Item struct {
	JobID      int64             `json:"job_id"`
	Tier       Tier              `json:"tier"`
	Score      float64           `json:"score"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Queue is implemented by the Postgres and in-memory backends. Re-enqueueing
// a job already queued replaces its entry.
type Queue interface {
	Enqueue(ctx context.Context, jobID int64, tier Tier, metadata map[string]string) error
	// Dequeue atomically removes the best item. ok is false when empty.
	Dequeue(ctx context.Context) (item *Item, ok bool, err error)
	Peek(ctx context.Context, n int) ([]Item, error)
	Remove(ctx context.Context, jobID int64) (bool, error)
	// Position is the zero-based rank of jobID.
	Position(ctx context.Context, jobID int64) (rank int, ok bool, err error)
	Len(ctx context.Context) (int, error)
	TierCounts(ctx context.Context) (map[Tier]int, error)
}
