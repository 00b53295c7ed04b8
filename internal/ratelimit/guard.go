package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one hit on a fixed window.
type Decision struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// Guard is a fixed-window counter keyed by an arbitrary string such as
// "gen:<account>" or "ip:<addr>". Hit increments and compares atomically.
type Guard interface {
	Hit(ctx context.Context, key string, limit int64, window time.Duration) (Decision, error)
}

// CheckAndIncrement reports whether this call is within limit for the
// current window of key.
func CheckAndIncrement(ctx context.Context, g Guard, key string, limit int64, window time.Duration) (bool, error) {
	d, err := g.Hit(ctx, key, limit, window)
	if err != nil {
		return false, err
	}
	return d.Allowed, nil
}

func windowSeconds(window time.Duration) int64 {
	s := int64(window / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
