package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"permitline/internal/config"
	"permitline/internal/db"
	"permitline/internal/domain"
	"permitline/internal/engine"
	"permitline/internal/engine/authz"
	"permitline/internal/ledger"
	"permitline/internal/migrate"
	"permitline/internal/repo"
)

var (
	applicant  = domain.Identity{UserID: "u-applicant", Role: domain.RoleApplicant, OrgID: "org-1"}
	contractor = domain.Identity{UserID: "u-contractor", Role: domain.RoleContractor, OrgID: "org-1"}
	inspector  = domain.Identity{UserID: "u-inspector", Role: domain.RoleInspector, OrgID: "org-city"}
	city       = domain.Identity{UserID: "u-city", Role: domain.RoleCity, OrgID: "org-city"}
	admin      = domain.Identity{UserID: "u-admin", Role: domain.RoleAdmin, OrgID: "org-city"}
)

type testEnv struct {
	Engine engine.Engine
	Redis  *miniredis.Miniredis
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC) }

	s := miniredis.RunT(t)
	mirror, err := ledger.NewRedisMirror("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("redis mirror: %v", err)
	}
	t.Cleanup(func() { mirror.Close() })
	w := &ledger.Writer{Mirror: mirror, Attempts: 2, Backoff: time.Millisecond, Log: zerolog.Nop()}
	w.OnFailure = eng.LedgerFailureHook()
	eng.Ledger = w

	return testEnv{Engine: eng, Redis: s, Ctx: context.Background()}
}

func createSubmitted(t *testing.T, env testEnv) domain.Permit {
	t.Helper()
	p, err := env.Engine.CreatePermit(env.Ctx, engine.CreatePermitOptions{
		Applicant: domain.Applicant{Name: "Acme Fire"},
		Project:   domain.ProjectDetails{Type: "NFPA72_COMMERCIAL", Address: "1 Main St"},
		Submit:    true,
		Actor:     applicant,
	})
	if err != nil {
		t.Fatalf("create permit: %v", err)
	}
	return p
}

func historyLen(t *testing.T, env testEnv, permitID string) int {
	t.Helper()
	n, err := env.Engine.Repo.CountHistory(env.Ctx, permitID)
	if err != nil {
		t.Fatalf("count history: %v", err)
	}
	return n
}

func TestCreatePermitSubmitted(t *testing.T) {
	env := newTestEnv(t)
	p := createSubmitted(t, env)

	if p.Fee != 150.00 {
		t.Errorf("expected fee 150.00, got %v", p.Fee)
	}
	if p.Status != domain.StatusSubmitted {
		t.Errorf("expected status SUBMITTED, got %s", p.Status)
	}
	entries, err := env.Engine.GetHistory(env.Ctx, applicant, p.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != domain.ActionCreated {
		t.Fatalf("expected exactly one CREATED entry, got %+v", entries)
	}
}

func TestCreatePermitRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreatePermit(env.Ctx, engine.CreatePermitOptions{
		Applicant: domain.Applicant{Name: "Jane Doe", Organization: "Doe Electric", Contact: "jane@example.com"},
		Project:   domain.ProjectDetails{Type: "NFPA72_RESIDENTIAL", Address: "5 Oak Ave", Description: "alarm install", FloorArea: 120.5, OccupancyType: "R-2"},
		Actor:     applicant,
	})
	if err != nil {
		t.Fatalf("create permit: %v", err)
	}
	if p.Status != domain.StatusDraft {
		t.Errorf("expected DRAFT, got %s", p.Status)
	}
	detail, err := env.Engine.GetPermit(env.Ctx, applicant, p.ID)
	if err != nil {
		t.Fatalf("get permit: %v", err)
	}
	got := detail.Permit
	if got.Applicant != p.Applicant {
		t.Errorf("applicant mismatch: %+v vs %+v", got.Applicant, p.Applicant)
	}
	if got.ProjectDetails != p.ProjectDetails {
		t.Errorf("project mismatch: %+v vs %+v", got.ProjectDetails, p.ProjectDetails)
	}
	if got.Fee != 75.00 {
		t.Errorf("expected fee 75.00, got %v", got.Fee)
	}
}

func TestCreatePermitUnknownType(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreatePermit(env.Ctx, engine.CreatePermitOptions{
		Applicant: domain.Applicant{Name: "Acme Fire"},
		Project:   domain.ProjectDetails{Type: "NFPA999_UNKNOWN", Address: "1 Main St"},
		Actor:     applicant,
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	permits, err := env.Engine.ListPermits(env.Ctx, admin, repo.PermitFilters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(permits) != 0 {
		t.Errorf("expected no permit rows, got %d", len(permits))
	}
}

func TestTransitionHappyPath(t *testing.T) {
	env := newTestEnv(t)
	p := createSubmitted(t, env)

	steps := []struct {
		actor  domain.Identity
		target string
	}{
		{inspector, domain.StatusUnderReview},
		{inspector, domain.StatusApproved},
		{city, domain.StatusInspectionScheduled},
		{inspector, domain.StatusInspected},
	}
	for _, step := range steps {
		before := historyLen(t, env, p.ID)
		got, err := env.Engine.Transition(env.Ctx, step.actor, p.ID, step.target)
		if err != nil {
			t.Fatalf("transition to %s: %v", step.target, err)
		}
		if got.Status != step.target {
			t.Errorf("expected %s, got %s", step.target, got.Status)
		}
		if after := historyLen(t, env, p.ID); after != before+1 {
			t.Errorf("history grew by %d on %s, want 1", after-before, step.target)
		}
	}
}

func TestTransitionUnauthorizedRole(t *testing.T) {
	env := newTestEnv(t)
	p := createSubmitted(t, env)

	_, err := env.Engine.Transition(env.Ctx, contractor, p.ID, domain.StatusApproved)
	var ue authz.UnauthorizedError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
	detail, err := env.Engine.GetPermit(env.Ctx, admin, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if detail.Permit.Status != domain.StatusSubmitted {
		t.Errorf("status changed on unauthorized attempt: %s", detail.Permit.Status)
	}
}

func TestTransitionUnreachable(t *testing.T) {
	env := newTestEnv(t)
	p := createSubmitted(t, env)

	_, err := env.Engine.Transition(env.Ctx, inspector, p.ID, domain.StatusInspected)
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if ite.From != domain.StatusSubmitted || ite.To != domain.StatusInspected {
		t.Errorf("unexpected edge in error: %s -> %s", ite.From, ite.To)
	}
}

func TestTransitionTerminalStatuses(t *testing.T) {
	env := newTestEnv(t)
	p := createSubmitted(t, env)
	if _, err := env.Engine.Transition(env.Ctx, inspector, p.ID, domain.StatusUnderReview); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Transition(env.Ctx, inspector, p.ID, domain.StatusRejected); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Transition(env.Ctx, admin, p.ID, domain.StatusSubmitted)
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError from REJECTED, got %v", err)
	}
}

func TestNeedsRevisionResubmit(t *testing.T) {
	env := newTestEnv(t)
	p := createSubmitted(t, env)
	if _, err := env.Engine.Transition(env.Ctx, inspector, p.ID, domain.StatusUnderReview); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Transition(env.Ctx, inspector, p.ID, domain.StatusNeedsRevision); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Transition(env.Ctx, applicant, p.ID, domain.StatusSubmitted)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if got.Status != domain.StatusSubmitted {
		t.Errorf("expected SUBMITTED, got %s", got.Status)
	}
}

func TestConcurrentTransitionOneWinner(t *testing.T) {
	env := newTestEnv(t)
	p := createSubmitted(t, env)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Transition(env.Ctx, inspector, p.ID, domain.StatusUnderReview)
		}(i)
	}
	wg.Wait()

	var successes, conflicts int
	for _, err := range errs {
		var ite engine.InvalidTransitionError
		switch {
		case err == nil:
			successes++
		case errors.As(err, &ite):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one winner, got %d successes and %d conflicts", successes, conflicts)
	}
	if n := historyLen(t, env, p.ID); n != 2 {
		t.Errorf("expected 2 history entries (CREATED + one STATUS_CHANGED), got %d", n)
	}
}

func TestListPermitsOrgScoping(t *testing.T) {
	env := newTestEnv(t)
	createSubmitted(t, env)
	otherOrg := domain.Identity{UserID: "u-other", Role: domain.RoleApplicant, OrgID: "org-2"}
	if _, err := env.Engine.CreatePermit(env.Ctx, engine.CreatePermitOptions{
		Applicant: domain.Applicant{Name: "Other Co"},
		Project:   domain.ProjectDetails{Type: "NFPA13_SPRINKLER", Address: "9 Elm St"},
		Actor:     otherOrg,
	}); err != nil {
		t.Fatal(err)
	}

	mine, err := env.Engine.ListPermits(env.Ctx, applicant, repo.PermitFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 || mine[0].OrgID != "org-1" {
		t.Errorf("applicant should only see own org, got %d permits", len(mine))
	}
	all, err := env.Engine.ListPermits(env.Ctx, inspector, repo.PermitFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("inspector should see all orgs, got %d permits", len(all))
	}
}

func TestGetPermitCrossOrgForbidden(t *testing.T) {
	env := newTestEnv(t)
	p := createSubmitted(t, env)
	otherOrg := domain.Identity{UserID: "u-other", Role: domain.RoleApplicant, OrgID: "org-2"}
	_, err := env.Engine.GetPermit(env.Ctx, otherOrg, p.ID)
	var ue authz.UnauthorizedError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
}

func TestRecordPayment(t *testing.T) {
	env := newTestEnv(t)
	p := createSubmitted(t, env)

	got, err := env.Engine.RecordPayment(env.Ctx, applicant, p.ID)
	if err != nil {
		t.Fatalf("record payment: %v", err)
	}
	if got.PaymentStatus != domain.PaymentPaid {
		t.Errorf("expected PAID, got %s", got.PaymentStatus)
	}
	_, err = env.Engine.RecordPayment(env.Ctx, applicant, p.ID)
	var pfe engine.PreconditionFailedError
	if !errors.As(err, &pfe) {
		t.Fatalf("expected PreconditionFailedError on double payment, got %v", err)
	}
}

func TestAttachComplianceAnalysis(t *testing.T) {
	env := newTestEnv(t)
	p := createSubmitted(t, env)

	_, err := env.Engine.AttachComplianceAnalysis(env.Ctx, inspector, p.ID, domain.ComplianceAnalysis{Status: "REVIEWED", Score: 1.5})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for out-of-range score, got %v", err)
	}
	_, err = env.Engine.AttachComplianceAnalysis(env.Ctx, applicant, p.ID, domain.ComplianceAnalysis{Status: "REVIEWED", Score: 0.9})
	var ue authz.UnauthorizedError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnauthorizedError for applicant, got %v", err)
	}

	got, err := env.Engine.AttachComplianceAnalysis(env.Ctx, inspector, p.ID, domain.ComplianceAnalysis{
		Status: "REVIEWED", Score: 0.92, Findings: []string{"panel location ok"},
	})
	if err != nil {
		t.Fatalf("attach compliance: %v", err)
	}
	if got.Compliance == nil || got.Compliance.Score != 0.92 {
		t.Fatalf("compliance not attached: %+v", got.Compliance)
	}
	if got.Compliance.AttachedBy != inspector.UserID {
		t.Errorf("expected attached_by %s, got %s", inspector.UserID, got.Compliance.AttachedBy)
	}

	// advisory only: transitions still follow the graph regardless of score
	if _, err := env.Engine.Transition(env.Ctx, inspector, p.ID, domain.StatusUnderReview); err != nil {
		t.Fatalf("compliance must not gate transitions: %v", err)
	}
}

func TestLedgerMirrorsMutations(t *testing.T) {
	env := newTestEnv(t)
	p := createSubmitted(t, env)
	if _, err := env.Engine.Transition(env.Ctx, inspector, p.ID, domain.StatusUnderReview); err != nil {
		t.Fatal(err)
	}
	env.Engine.Ledger.Wait()

	snap, err := env.Engine.Ledger.Mirror.Snapshot(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.EntryCount != 2 {
		t.Errorf("expected 2 mirrored events, got %d", snap.EntryCount)
	}
	detail, err := env.Engine.GetPermit(env.Ctx, admin, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if detail.LedgerDivergence {
		t.Error("unexpected divergence flag on consistent mirror")
	}
}

func TestLedgerDivergenceFlag(t *testing.T) {
	env := newTestEnv(t)
	p := createSubmitted(t, env)
	env.Engine.Ledger.Wait()

	env.Redis.Del("ledger:" + p.ID)

	detail, err := env.Engine.GetPermit(env.Ctx, admin, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !detail.LedgerDivergence {
		t.Error("expected divergence flag after mirror loss")
	}
}

func TestLedgerDivergenceOnActionMismatch(t *testing.T) {
	env := newTestEnv(t)
	p := createSubmitted(t, env)
	if _, err := env.Engine.Transition(env.Ctx, inspector, p.ID, domain.StatusUnderReview); err != nil {
		t.Fatal(err)
	}
	env.Engine.Ledger.Wait()

	// rewrite the stream with the right count but the wrong tail
	env.Redis.Del("ledger:" + p.ID)
	for i := 0; i < 2; i++ {
		if err := env.Engine.Ledger.Mirror.Record(env.Ctx, ledger.Event{
			PermitID: p.ID, Action: domain.ActionCreated, Actor: "u1", TS: "2026-01-15T09:00:00Z",
		}); err != nil {
			t.Fatal(err)
		}
	}

	detail, err := env.Engine.GetPermit(env.Ctx, admin, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if detail.LedgerEntries != 2 {
		t.Fatalf("expected 2 mirror entries, got %d", detail.LedgerEntries)
	}
	if !detail.LedgerDivergence {
		t.Error("expected divergence when the stream tail disagrees with history")
	}
}

func TestLedgerFailureRecordedInHistory(t *testing.T) {
	env := newTestEnv(t)
	env.Redis.Close()

	p := createSubmitted(t, env)
	env.Engine.Ledger.Wait()

	entries, err := env.Engine.Repo.ListHistory(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected CREATED + LEDGER_SYNC_FAILED, got %d entries", len(entries))
	}
	if entries[1].Action != domain.ActionLedgerSyncFailed {
		t.Errorf("expected LEDGER_SYNC_FAILED, got %s", entries[1].Action)
	}
}
