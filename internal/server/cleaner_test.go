package server

import (
	"context"
	"testing"
	"time"

	"github.com/metalyst-dev/metalyst/internal/meta"
	"github.com/metalyst-dev/metalyst/internal/store"
)

func TestIsDue(t *testing.T) {
	now := time.Now()
	recent := now.Add(-10 * time.Minute)
	old := now.Add(-25 * time.Hour)

	if !isDue("@daily", nil) {
		t.Fatal("never swept must be due")
	}
	if isDue("@daily", &recent) {
		t.Fatal("@daily swept 10m ago must not be due")
	}
	if !isDue("@daily", &old) {
		t.Fatal("@daily swept 25h ago must be due")
	}
	if isDue("@hourly", &recent) {
		t.Fatal("@hourly swept 10m ago must not be due")
	}
	if !isDue("0 * * * *", &old) {
		t.Fatal("cron expr with old last sweep must be due")
	}
	// Invalid expressions degrade to @daily instead of never firing.
	if !isDue("not a cron", &old) {
		t.Fatal("invalid expr must fall back to @daily")
	}
	if isDue("not a cron", &recent) {
		t.Fatal("invalid expr fallback must respect the daily window")
	}
}

func TestSweepOnceRemovesOnlyExpiredFinishedSessions(t *testing.T) {
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	ctx := context.Background()
	params := meta.Parameters{EffectMeasure: meta.MeasureOR}

	finished, err := st.Create(ctx, "finished", params)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	finished.Status = meta.StatusCompleted
	if err := st.Update(ctx, finished); err != nil {
		t.Fatalf("Update: %v", err)
	}

	active, err := st.Create(ctx, "active", params)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Cutoff in the future so anything finished counts as expired.
	cl := &Cleaner{Store: st, MaxAge: -time.Minute, Cron: "@daily"}
	if removed := cl.SweepOnce(ctx); removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}

	if _, err := st.Get(ctx, active.ID); err != nil {
		t.Fatalf("active session must survive the sweep: %v", err)
	}
	if _, err := st.Get(ctx, finished.ID); err == nil {
		t.Fatal("finished expired session must be removed")
	}
}

func TestSweepOnceKeepsFreshFinishedSessions(t *testing.T) {
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	ctx := context.Background()

	sess, err := st.Create(ctx, "fresh", meta.Parameters{EffectMeasure: meta.MeasureOR})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sess.Status = meta.StatusCompleted
	if err := st.Update(ctx, sess); err != nil {
		t.Fatalf("Update: %v", err)
	}

	cl := &Cleaner{Store: st, MaxAge: 24 * time.Hour, Cron: "@daily"}
	if removed := cl.SweepOnce(ctx); removed != 0 {
		t.Fatalf("fresh session must not be swept, removed %d", removed)
	}
}
