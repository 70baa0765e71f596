package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/migrate"
	"stageline/internal/repo"
	"stageline/internal/runner"
)

// explodingRunner panics on the execute stage while armed.
type explodingRunner struct {
	mu    sync.Mutex
	armed bool
}

func (r *explodingRunner) RunStage(ctx context.Context, sc runner.Context) (runner.Result, error) {
	r.mu.Lock()
	armed := r.armed
	r.mu.Unlock()
	if armed && sc.Stage == domain.StageExecute {
		panic("runner exploded")
	}
	return runner.Result{Status: domain.RunStatusPassed}, nil
}

func (r *explodingRunner) disarm() {
	r.mu.Lock()
	r.armed = false
	r.mu.Unlock()
}

type staticAuth struct{}

func (staticAuth) Resolve(ctx context.Context, req auth.Request) (auth.Material, error) {
	return auth.Material{Source: auth.SourceEnv}, nil
}

func newLoopEngine(t *testing.T, r StageRunner) Engine {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	e := New(conn, cfg, dir)
	e.Now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	e.Runner = r
	e.Auth = staticAuth{}
	if err := e.Repo.ReplaceProfiles(context.Background(), cfg.Profiles); err != nil {
		t.Fatalf("seed profiles: %v", err)
	}
	return e
}

func TestTickSurvivesPanickingStage(t *testing.T) {
	ctx := context.Background()
	r := &explodingRunner{armed: true}
	e := newLoopEngine(t, r)
	item, err := e.CreateItem(ctx, CreateItemOptions{Title: "Add pagination", Priority: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	d := NewDispatcher(e)

	d.tick(ctx)

	st := d.Status()
	if !strings.Contains(st.LastError, "runner exploded") || st.InFlight || st.LastTickAt == "" {
		t.Fatalf("status after failed tick = %+v", st)
	}
	evts, err := e.Repo.LatestEvents(ctx, repo.EventFilter{Kind: "dispatcher_tick_failed"})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 || !strings.Contains(evts[0].Payload, `"stack"`) {
		t.Fatalf("tick failure events = %+v", evts)
	}
	got, err := e.Repo.GetWorkItem(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusFailed || !strings.Contains(got.LastError, "panic: runner exploded") {
		t.Fatalf("item after panic = %s %q", got.Status, got.LastError)
	}
	if got.LeaseOwner != nil {
		t.Fatalf("lease not released after panic")
	}

	if _, err := e.Requeue(ctx, item.ID); err != nil {
		t.Fatalf("requeue after panic: %v", err)
	}
	r.disarm()
	d.tick(ctx)
	got, _ = e.Repo.GetWorkItem(ctx, item.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("next tick should complete the item, got %s", got.Status)
	}
	if d.Status().Processed != 2 {
		t.Fatalf("processed = %d", d.Status().Processed)
	}
}

func TestRunItemFailsItemOnPanic(t *testing.T) {
	ctx := context.Background()
	e := newLoopEngine(t, &explodingRunner{armed: true})
	item, err := e.CreateItem(ctx, CreateItemOptions{Title: "Add pagination", Priority: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	d := NewDispatcher(e)
	out, err := d.RunItem(ctx, item.ID)
	if err == nil || !strings.Contains(err.Error(), "runner exploded") {
		t.Fatalf("expected panic error, got %v", err)
	}
	if out.Item.Status != domain.StatusFailed {
		t.Fatalf("outcome item status = %s", out.Item.Status)
	}
	if d.Status().InFlight {
		t.Fatalf("guard not released after panic")
	}
}
