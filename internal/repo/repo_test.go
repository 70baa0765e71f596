package repo_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/migrate"
	"stageline/internal/repo"
)

const (
	t0 = "2025-01-01T00:00:00Z"
	t1 = "2025-01-01T01:00:00Z"
	t2 = "2025-01-01T02:00:00Z"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func insert(t *testing.T, r repo.Repo, w domain.WorkItem) domain.WorkItem {
	t.Helper()
	if w.Kind == "" {
		w.Kind = domain.KindTask
	}
	if w.Status == "" {
		w.Status = domain.StatusNew
	}
	if w.Title == "" {
		w.Title = "item"
	}
	w.CreatedAt, w.UpdatedAt = t0, t0
	out, err := r.InsertWorkItem(context.Background(), nil, w)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return out
}

func TestClaimNextOrdersByPriority(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	low := insert(t, r, domain.WorkItem{Priority: 5})
	high := insert(t, r, domain.WorkItem{Priority: 1})
	insert(t, r, domain.WorkItem{Priority: 0, Status: domain.StatusBlocked})

	got, err := r.ClaimNext(ctx, "a", t0, t1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got.ID != high.ID || got.LeaseOwner == nil || *got.LeaseOwner != "a" {
		t.Fatalf("claimed %+v", got)
	}
	got, err = r.ClaimNext(ctx, "b", t0, t1)
	if err != nil || got.ID != low.ID {
		t.Fatalf("second claim = %+v %v", got, err)
	}
	if _, err := r.ClaimNext(ctx, "c", t0, t1); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected empty queue, got %v", err)
	}
}

func TestClaimNextIsExclusive(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	insert(t, r, domain.WorkItem{Priority: 1})

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			if _, err := r.ClaimNext(ctx, owner, t0, t1); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one claim, got %d", wins)
	}
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	w := insert(t, r, domain.WorkItem{Priority: 1})
	if _, err := r.ClaimNext(ctx, "a", t0, t1); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateWorkItemStatus(ctx, nil, w.ID, domain.StatusExecuting, "", t0); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ClaimNext(ctx, "b", t0, t1); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("live lease must not be reclaimed, got %v", err)
	}
	got, err := r.ClaimNext(ctx, "b", t2, "2025-01-01T03:00:00Z")
	if err != nil || got.ID != w.ID || *got.LeaseOwner != "b" {
		t.Fatalf("expired in-flight item should be reclaimed: %+v %v", got, err)
	}
}

func TestRenewLeaseKeepsItemClaimed(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	w := insert(t, r, domain.WorkItem{Priority: 1})
	if _, err := r.ClaimNext(ctx, "a", t0, t1); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateWorkItemStatus(ctx, nil, w.ID, domain.StatusExecuting, "", t0); err != nil {
		t.Fatal(err)
	}
	if err := r.RenewLease(ctx, w.ID, "a", "2025-01-01T03:00:00Z"); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if _, err := r.ClaimNext(ctx, "b", t2, t2); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("renewed lease must not be reclaimed, got %v", err)
	}
	if err := r.RenewLease(ctx, w.ID, "b", t2); !errors.Is(err, repo.ErrLeaseHeld) {
		t.Fatalf("non-owner renew should fail, got %v", err)
	}
	got, err := r.GetWorkItem(ctx, w.ID)
	if err != nil || *got.LeaseExpiresAt != "2025-01-01T03:00:00Z" {
		t.Fatalf("lease = %+v %v", got.LeaseExpiresAt, err)
	}
}

func TestClaimByID(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	w := insert(t, r, domain.WorkItem{Status: domain.StatusFailed})
	if _, err := r.ClaimByID(ctx, w.ID, "a", t0, t1); err != nil {
		t.Fatalf("claim failed item by id: %v", err)
	}
	if _, err := r.ClaimByID(ctx, w.ID, "b", t0, t1); !errors.Is(err, repo.ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
	if _, err := r.ClaimByID(ctx, w.ID, "a", t0, t1); err != nil {
		t.Fatalf("owner should be able to reclaim: %v", err)
	}
	if _, err := r.ClaimByID(ctx, 999, "a", t0, t1); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := r.ReleaseLease(ctx, w.ID, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ClaimByID(ctx, w.ID, "b", t0, t1); err != nil {
		t.Fatalf("released item should be claimable: %v", err)
	}
}

func TestFindingResolutionIsIdempotent(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	parent := insert(t, r, domain.WorkItem{})
	child := insert(t, r, domain.WorkItem{Kind: domain.KindFinding, ParentID: &parent.ID})
	if _, err := r.InsertFinding(ctx, nil, domain.Finding{WorkItemID: parent.ID, Severity: "high", Title: "f", Blocking: true, ChildWorkItemID: &child.ID, CreatedAt: t0}); err != nil {
		t.Fatal(err)
	}
	open, _ := r.HasOpenBlockingFindings(ctx, nil, parent.ID)
	if !open {
		t.Fatalf("expected open blocking finding")
	}
	n, err := r.ResolveFindingsByChild(ctx, nil, child.ID, t1)
	if err != nil || n != 1 {
		t.Fatalf("resolve = %d %v", n, err)
	}
	n, _ = r.ResolveFindingsByChild(ctx, nil, child.ID, t2)
	if n != 0 {
		t.Fatalf("second resolve touched %d rows", n)
	}
	fs, _ := r.ListFindings(ctx, repo.FindingFilter{WorkItemID: parent.ID})
	if len(fs) != 1 || fs[0].ResolvedAt == nil || *fs[0].ResolvedAt != t1 {
		t.Fatalf("findings = %+v", fs)
	}
}

func TestFindingItemRequiresParent(t *testing.T) {
	r := newRepo(t)
	_, err := r.InsertWorkItem(context.Background(), nil, domain.WorkItem{Kind: domain.KindFinding, Title: "x", Status: domain.StatusNew, CreatedAt: t0, UpdatedAt: t0})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestProfilesLookupAndReplace(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	if _, err := r.LookupProfile(ctx, domain.ComplexitySimple, domain.StagePlan); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	err := r.ReplaceProfiles(ctx, []domain.ExecutionProfile{
		{Complexity: domain.ComplexitySimple, Stage: domain.StagePlan, Agent: "claude"},
		{Complexity: domain.ComplexitySimple, Stage: domain.StageTest, Agent: "gemini", Runtime: domain.RuntimeContainer},
	})
	if err != nil {
		t.Fatal(err)
	}
	p, err := r.LookupProfile(ctx, domain.ComplexitySimple, domain.StagePlan)
	if err != nil || p.ID != "simple.plan" || p.Runtime != domain.RuntimeHost || p.AuthMode != "api_key" {
		t.Fatalf("profile = %+v %v", p, err)
	}
	list, _ := r.ListProfiles(ctx)
	if len(list) != 2 || list[1].Stage != domain.StageTest {
		t.Fatalf("profiles = %+v", list)
	}
}

func TestRunLifecycle(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	w := insert(t, r, domain.WorkItem{})
	run, err := r.InsertRun(ctx, domain.Run{WorkItemID: w.ID, Stage: domain.StagePlan, ProfileID: "simple.plan", LogPath: "l", ArtifactDir: "a", StartedAt: t0})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.CompleteRun(ctx, run.ID, domain.RunStatusFailed, 3, "boom", t1); err != nil {
		t.Fatal(err)
	}
	if err := r.CompleteRun(ctx, run.ID, domain.RunStatusPassed, 0, "", t2); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("completed runs must not change, got %v", err)
	}
	got, _ := r.GetRun(ctx, run.ID)
	if got.Status != domain.RunStatusFailed || *got.ExitCode != 3 || got.ErrorText != "boom" {
		t.Fatalf("run = %+v", got)
	}
}
