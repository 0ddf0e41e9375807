package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Memory keeps per-key hit timestamps in process memory.
type Memory struct {
	policy Policy
	now    func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
}

func NewMemory(policy Policy) *Memory {
	return &Memory{policy: policy, now: time.Now, hits: map[string][]time.Time{}}
}

func (m *Memory) Allow(_ context.Context, key string) (Result, error) {
	now := m.now()
	cutoff := now.Add(-m.policy.Window)

	m.mu.Lock()
	defer m.mu.Unlock()

	live := prune(m.hits[key], cutoff)
	if len(live) >= m.policy.Limit {
		m.hits[key] = live
		return Result{Allowed: false, Remaining: 0, ResetAt: live[0].Add(m.policy.Window)}, nil
	}

	live = append(live, now)
	m.hits[key] = live
	return Result{
		Allowed:   true,
		Remaining: m.policy.Limit - len(live),
		ResetAt:   live[0].Add(m.policy.Window),
	}, nil
}

// Cleanup drops keys whose hits have all left the window.
func (m *Memory) Cleanup() int {
	cutoff := m.now().Add(-m.policy.Window)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, hits := range m.hits {
		live := prune(hits, cutoff)
		if len(live) == 0 {
			delete(m.hits, key)
			removed++
			continue
		}
		m.hits[key] = live
	}
	return removed
}

func (m *Memory) StartJanitor(ctx context.Context, every time.Duration) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := m.Cleanup(); removed > 0 {
					log.Debug().Int("keys", removed).Msg("rate limiter cleanup")
				}
			}
		}
	}()
}

// prune keeps timestamps strictly newer than cutoff. hits is ordered oldest first.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(hits) && !hits[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return hits
	}
	return append(hits[:0:0], hits[idx:]...)
}
