// Package engine implements the permit lifecycle: creation, guarded status
// transitions, payment and compliance annotations, and the closeout
// workflow. Every mutation commits atomically with exactly one history
// entry; the ledger mirror is written after commit and never blocks or
// fails an operation.
package engine

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"permitline/internal/blob"
	"permitline/internal/config"
	"permitline/internal/domain"
	"permitline/internal/engine/authz"
	"permitline/internal/history"
	"permitline/internal/ledger"
	"permitline/internal/metrics"
	"permitline/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	History history.Writer
	Ledger  *ledger.Writer
	Blobs   blob.Store
	Config  *config.Config
	Metrics *metrics.Registry
	Log     zerolog.Logger
	Now     func() time.Time

	locks *permitLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		History: history.Writer{DB: db},
		Config:  cfg,
		Metrics: metrics.NewRegistry(),
		Log:     zerolog.Nop(),
		Now:     time.Now,
		locks:   &permitLocks{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// lockTableSize bounds the per-permit lock table. Evicting a mutex that a
// goroutine still holds only costs the serialization shortcut for that
// permit; the guarded status update still settles any race on commit.
const lockTableSize = 1024

// permitLocks serializes writers per permit. Copies of the Engine share the
// same lock table, and the table stays bounded no matter how many permits
// the process touches.
type permitLocks struct {
	mu sync.Mutex
	c  *lru.Cache[string, *sync.Mutex]
}

func (l *permitLocks) lock(permitID string) func() {
	l.mu.Lock()
	if l.c == nil {
		l.c, _ = lru.New[string, *sync.Mutex](lockTableSize)
	}
	m, ok := l.c.Get(permitID)
	if !ok {
		m = &sync.Mutex{}
		l.c.Add(permitID, m)
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (e Engine) lockPermit(permitID string) func() {
	if e.locks == nil {
		return func() {}
	}
	return e.locks.lock(permitID)
}

// recordLedger schedules one mirror write after the primary commit.
func (e Engine) recordLedger(permitID, action, actorID string, details map[string]any) {
	if e.Ledger == nil {
		return
	}
	e.Ledger.Record(ledger.Event{
		PermitID: permitID,
		Action:   action,
		Actor:    actorID,
		TS:       e.nowRFC3339(),
		Details:  details,
	})
}

// LedgerFailureHook returns the callback wired into the ledger writer: a
// write that exhausts its retries is annotated in permit history as
// LEDGER_SYNC_FAILED, best effort.
func (e Engine) LedgerFailureHook() func(ev ledger.Event, err error) {
	return func(ev ledger.Event, err error) {
		if e.Metrics != nil {
			e.Metrics.IncLedgerSyncFailure()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hErr := e.History.AppendDirect(ctx, ev.PermitID, domain.ActionLedgerSyncFailed, ev.Actor, history.Details{
			"action": ev.Action,
			"error":  err.Error(),
		})
		if hErr != nil {
			e.Log.Error().Err(hErr).Str("permit_id", ev.PermitID).Msg("record ledger sync failure")
		}
	}
}

func orgVisible(actor domain.Identity, p domain.Permit) bool {
	return domain.CrossOrgRole(actor.Role) || actor.OrgID == p.OrgID
}

// CreatePermitOptions are parameters for creating a permit.
type CreatePermitOptions struct {
	Applicant domain.Applicant
	Project   domain.ProjectDetails
	Submit    bool
	Actor     domain.Identity
}

// CreatePermit creates a permit in DRAFT, or directly in SUBMITTED when
// Submit is set. The fee comes from the fixed type table; unknown types are
// rejected, never defaulted.
func (e Engine) CreatePermit(ctx context.Context, opts CreatePermitOptions) (domain.Permit, error) {
	if strings.TrimSpace(opts.Applicant.Name) == "" {
		return domain.Permit{}, ValidationError{Msg: "applicant name is required"}
	}
	if strings.TrimSpace(opts.Project.Address) == "" {
		return domain.Permit{}, ValidationError{Msg: "project address is required"}
	}
	fee, ok := domain.FeeFor(opts.Project.Type)
	if !ok {
		return domain.Permit{}, validationErrorf("unknown permit type %q", opts.Project.Type)
	}

	status := domain.StatusDraft
	if opts.Submit {
		status = domain.StatusSubmitted
	}
	now := e.nowRFC3339()
	p := domain.Permit{
		ID:             uuid.New().String(),
		OrgID:          opts.Actor.OrgID,
		Applicant:      opts.Applicant,
		ProjectDetails: opts.Project,
		Status:         status,
		Fee:            fee,
		PaymentStatus:  domain.PaymentPending,
		CreatedAt:      now,
		LastModified:   now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Permit{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertPermit(ctx, tx, p); err != nil {
		return domain.Permit{}, err
	}
	if err := e.History.Append(ctx, tx, p.ID, domain.ActionCreated, opts.Actor.UserID, history.Details{
		"status": p.Status,
		"fee":    p.Fee,
		"type":   p.ProjectDetails.Type,
	}); err != nil {
		return domain.Permit{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Permit{}, err
	}
	if e.Metrics != nil {
		e.Metrics.IncPermitCreated()
	}
	e.recordLedger(p.ID, domain.ActionCreated, opts.Actor.UserID, map[string]any{"status": p.Status})
	return p, nil
}

// Transition moves a permit along one edge of the state graph. The role
// gate is checked before reachability, and the status write is guarded so
// exactly one of two concurrent transitions from the same status succeeds.
func (e Engine) Transition(ctx context.Context, actor domain.Identity, permitID, target string) (domain.Permit, error) {
	if !domain.ValidStatus(target) {
		return domain.Permit{}, validationErrorf("unknown status %q", target)
	}
	unlock := e.lockPermit(permitID)
	defer unlock()

	p, err := e.Repo.GetPermit(ctx, permitID)
	if err != nil {
		return domain.Permit{}, err
	}
	if !orgVisible(actor, p) {
		return domain.Permit{}, authz.UnauthorizedError{Role: actor.Role, Action: "modify permit " + permitID}
	}
	if err := authz.CheckTransition(actor, p.Status, target); err != nil {
		return domain.Permit{}, err
	}
	if !domain.CanTransition(p.Status, target) {
		return domain.Permit{}, InvalidTransitionError{From: p.Status, To: target}
	}

	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Permit{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.UpdatePermitStatus(ctx, tx, permitID, p.Status, target, now)
	if err != nil {
		return domain.Permit{}, err
	}
	if !ok {
		return domain.Permit{}, InvalidTransitionError{From: p.Status, To: target}
	}
	if err := e.History.Append(ctx, tx, permitID, domain.ActionStatusChanged, actor.UserID, history.Details{
		"from": p.Status,
		"to":   target,
	}); err != nil {
		return domain.Permit{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Permit{}, err
	}
	if e.Metrics != nil {
		e.Metrics.IncTransition(target)
	}
	e.recordLedger(permitID, domain.ActionStatusChanged, actor.UserID, map[string]any{"from": p.Status, "to": target})
	p.Status = target
	p.LastModified = now
	return p, nil
}

// PermitDetail is a permit read reconciled against the ledger mirror.
type PermitDetail struct {
	Permit           domain.Permit
	LedgerEntries    int64
	LedgerDivergence bool
}

// GetPermit reads the store's view and flags divergence when the mirror's
// entry count or last action disagrees with the mirrored portion of
// history. Mirror read errors are logged, never surfaced.
func (e Engine) GetPermit(ctx context.Context, actor domain.Identity, permitID string) (PermitDetail, error) {
	p, err := e.Repo.GetPermit(ctx, permitID)
	if err != nil {
		return PermitDetail{}, err
	}
	if !orgVisible(actor, p) {
		return PermitDetail{}, authz.UnauthorizedError{Role: actor.Role, Action: "read permit " + permitID}
	}
	detail := PermitDetail{Permit: p}
	if e.Ledger == nil || e.Ledger.Mirror == nil {
		return detail, nil
	}
	snap, err := e.Ledger.Mirror.Snapshot(ctx, permitID)
	if err != nil {
		e.Log.Warn().Err(err).Str("permit_id", permitID).Msg("ledger snapshot failed")
		return detail, nil
	}
	detail.LedgerEntries = snap.EntryCount
	expected, err := e.mirroredHistoryCount(ctx, permitID)
	if err != nil {
		return PermitDetail{}, err
	}
	lastAction, err := e.lastMirroredAction(ctx, permitID)
	if err != nil {
		return PermitDetail{}, err
	}
	if snap.EntryCount != expected || (snap.EntryCount > 0 && snap.LastAction != lastAction) {
		detail.LedgerDivergence = true
		e.Log.Warn().Str("permit_id", permitID).Int64("ledger_entries", snap.EntryCount).Int64("expected", expected).Str("ledger_last_action", snap.LastAction).Str("expected_last_action", lastAction).Msg("ledger divergence detected")
	}
	return detail, nil
}

// mirroredHistoryCount counts the history entries the mirror should hold,
// excluding the sync-failure annotations that by definition never reached it.
func (e Engine) mirroredHistoryCount(ctx context.Context, permitID string) (int64, error) {
	var n int64
	err := e.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM permit_history WHERE permit_id=? AND action<>?`,
		permitID, domain.ActionLedgerSyncFailed).Scan(&n)
	return n, err
}

// lastMirroredAction returns the action of the newest history entry the
// mirror should have appended last.
func (e Engine) lastMirroredAction(ctx context.Context, permitID string) (string, error) {
	var a string
	err := e.DB.QueryRowContext(ctx,
		`SELECT action FROM permit_history WHERE permit_id=? AND action<>? ORDER BY id DESC LIMIT 1`,
		permitID, domain.ActionLedgerSyncFailed).Scan(&a)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return a, err
}

// ListPermits returns permits matching the filters, scoped to the actor's
// organization unless the role has cross-organization access.
func (e Engine) ListPermits(ctx context.Context, actor domain.Identity, f repo.PermitFilters) ([]domain.Permit, error) {
	if f.Status != "" && !domain.ValidStatus(f.Status) {
		return nil, validationErrorf("unknown status %q", f.Status)
	}
	if !domain.CrossOrgRole(actor.Role) {
		f.OrgID = actor.OrgID
	}
	return e.Repo.ListPermits(ctx, f)
}

// GetHistory returns the append-only history for a permit.
func (e Engine) GetHistory(ctx context.Context, actor domain.Identity, permitID string) ([]domain.HistoryEntry, error) {
	p, err := e.Repo.GetPermit(ctx, permitID)
	if err != nil {
		return nil, err
	}
	if !orgVisible(actor, p) {
		return nil, authz.UnauthorizedError{Role: actor.Role, Action: "read permit " + permitID}
	}
	return e.Repo.ListHistory(ctx, permitID)
}

// RecordPayment marks the permit fee as paid. Payments arrive from an
// external collector; the engine only flips the flag once.
func (e Engine) RecordPayment(ctx context.Context, actor domain.Identity, permitID string) (domain.Permit, error) {
	unlock := e.lockPermit(permitID)
	defer unlock()

	p, err := e.Repo.GetPermit(ctx, permitID)
	if err != nil {
		return domain.Permit{}, err
	}
	if !orgVisible(actor, p) {
		return domain.Permit{}, authz.UnauthorizedError{Role: actor.Role, Action: "modify permit " + permitID}
	}
	if p.PaymentStatus == domain.PaymentPaid {
		return domain.Permit{}, PreconditionFailedError{Msg: "payment already recorded"}
	}

	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Permit{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdatePaymentStatus(ctx, tx, permitID, domain.PaymentPaid, now); err != nil {
		return domain.Permit{}, err
	}
	if err := e.History.Append(ctx, tx, permitID, domain.ActionPaymentRecorded, actor.UserID, history.Details{
		"amount": p.Fee,
	}); err != nil {
		return domain.Permit{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Permit{}, err
	}
	e.recordLedger(permitID, domain.ActionPaymentRecorded, actor.UserID, map[string]any{"amount": p.Fee})
	p.PaymentStatus = domain.PaymentPaid
	p.LastModified = now
	return p, nil
}

// AttachComplianceAnalysis attaches the advisory compliance annotation.
// It never gates lifecycle transitions.
func (e Engine) AttachComplianceAnalysis(ctx context.Context, actor domain.Identity, permitID string, analysis domain.ComplianceAnalysis) (domain.Permit, error) {
	if err := authz.CheckAny(actor, "attach compliance analysis", domain.RoleInspector, domain.RoleCity, domain.RoleAdmin); err != nil {
		return domain.Permit{}, err
	}
	if analysis.Score < 0 || analysis.Score > 1 {
		return domain.Permit{}, validationErrorf("compliance score %v outside [0,1]", analysis.Score)
	}
	if strings.TrimSpace(analysis.Status) == "" {
		return domain.Permit{}, ValidationError{Msg: "compliance status is required"}
	}
	unlock := e.lockPermit(permitID)
	defer unlock()

	p, err := e.Repo.GetPermit(ctx, permitID)
	if err != nil {
		return domain.Permit{}, err
	}

	now := e.nowRFC3339()
	analysis.AttachedAt = now
	analysis.AttachedBy = actor.UserID

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Permit{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateCompliance(ctx, tx, permitID, analysis, now); err != nil {
		return domain.Permit{}, err
	}
	if err := e.History.Append(ctx, tx, permitID, domain.ActionComplianceAttached, actor.UserID, history.Details{
		"status": analysis.Status,
		"score":  analysis.Score,
	}); err != nil {
		return domain.Permit{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Permit{}, err
	}
	e.recordLedger(permitID, domain.ActionComplianceAttached, actor.UserID, map[string]any{"score": analysis.Score})
	p.Compliance = &analysis
	p.LastModified = now
	return p, nil
}
