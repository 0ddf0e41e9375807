// Package ratelimit implements sliding-window request limits keyed by scope and client.
package ratelimit

import (
	"context"
	"math"
	"time"
)

type Policy struct {
	Limit  int
	Window time.Duration
}

var (
	AuthPolicy = Policy{Limit: 5, Window: 15 * time.Minute}
	FormPolicy = Policy{Limit: 10, Window: time.Minute}
)

type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the wait until the oldest hit leaves the window, rounded up to a second.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if r.Allowed || !r.ResetAt.After(now) {
		return 0
	}
	return time.Duration(math.Ceil(r.ResetAt.Sub(now).Seconds())) * time.Second
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

func Key(scope, client string) string {
	return scope + ":" + client
}
