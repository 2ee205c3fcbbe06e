package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/metalyst-dev/metalyst/internal/meta"
	"github.com/metalyst-dev/metalyst/internal/store"
)

// Cleaner reclaims disk from finished sessions. Active sessions are never
// touched regardless of age.
type Cleaner struct {
	Store  *store.Store
	MaxAge time.Duration
	Cron   string
	Stop   chan struct{}

	lastSweep *time.Time
}

func (cl *Cleaner) Start() {
	ticker := time.NewTicker(1 * time.Hour)
	go func() {
		for {
			select {
			case <-cl.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				cl.tick()
			}
		}
	}()
}

func (cl *Cleaner) tick() {
	if !isDue(cl.Cron, cl.lastSweep) {
		return
	}
	now := time.Now()
	cl.lastSweep = &now
	cl.SweepOnce(context.Background())
}

// SweepOnce deletes every non-active session older than MaxAge and returns
// how many were removed.
func (cl *Cleaner) SweepOnce(ctx context.Context) int {
	sessions, err := cl.Store.List(ctx, store.Filter{})
	if err != nil {
		log.Printf("[CLEANER] list sessions: %v", err)
		return 0
	}
	cutoff := time.Now().Add(-cl.MaxAge)
	removed := 0
	for _, sess := range sessions {
		if sess.Status == meta.StatusActive || sess.Status == meta.StatusAnalysis {
			continue
		}
		if sess.UpdatedAt.After(cutoff) {
			continue
		}
		if err := cl.Store.Delete(ctx, sess.ID); err != nil {
			log.Printf("[CLEANER] delete session %s: %v", sess.ID, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Printf("[CLEANER] removed %d expired sessions", removed)
	}
	return removed
}

// isDue determines whether a sweep with cronSpec should run now given the
// last sweep time. Supports "@daily", "@hourly", and standard 5-field cron
// expressions; an invalid expression falls back to @daily.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		return !expr.Next(*last).After(now)
	}
}
