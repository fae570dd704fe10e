package audit

import (
	"context"
	"time"
)

// Query filters stored records.
type Query struct {
	Limit    int
	Category string
	Action   string
	UserID   string
	Since    time.Time
}

// Store is a sink that can be queried.
type Store interface {
	Sink
	List(ctx context.Context, q Query) ([]Record, error)
}

func (q Query) limit() int {
	switch {
	case q.Limit <= 0:
		return 100
	case q.Limit > 1000:
		return 1000
	}
	return q.Limit
}

func (q Query) matches(r Record) bool {
	if q.Category != "" && r.Category != q.Category {
		return false
	}
	if q.Action != "" && r.Action != q.Action {
		return false
	}
	if q.UserID != "" && r.UserID != q.UserID {
		return false
	}
	if !q.Since.IsZero() && r.Timestamp.Before(q.Since) {
		return false
	}
	return true
}
