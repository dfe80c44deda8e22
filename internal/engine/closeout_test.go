package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"permitline/internal/domain"
	"permitline/internal/engine"
	"permitline/internal/engine/authz"
	"permitline/internal/repo"
)

func createInspected(t *testing.T, env testEnv) domain.Permit {
	t.Helper()
	p := createSubmitted(t, env)
	for _, target := range []string{
		domain.StatusUnderReview,
		domain.StatusApproved,
		domain.StatusInspectionScheduled,
		domain.StatusInspected,
	} {
		var err error
		p, err = env.Engine.Transition(env.Ctx, inspector, p.ID, target)
		if err != nil {
			t.Fatalf("transition to %s: %v", target, err)
		}
	}
	return p
}

func initiateCloseout(t *testing.T, env testEnv, permitID string) domain.CloseoutRecord {
	t.Helper()
	rec, err := env.Engine.InitiateCloseout(env.Ctx, admin, permitID, domain.InspectionResult{Approved: true, InspectorID: inspector.UserID})
	if err != nil {
		t.Fatalf("initiate closeout: %v", err)
	}
	return rec
}

func attachRequiredDocs(t *testing.T, env testEnv, permitID string) map[string]domain.Document {
	t.Helper()
	docs := map[string]domain.Document{}
	for _, docType := range []string{"ACCEPTANCE_CARD", "AS_BUILT"} {
		doc, err := env.Engine.AttachDocument(env.Ctx, contractor, permitID, engine.AttachDocumentOptions{
			Type:        docType,
			Name:        docType + ".pdf",
			ContentType: "application/pdf",
			Content:     []byte("content of " + docType),
		})
		if err != nil {
			t.Fatalf("attach %s: %v", docType, err)
		}
		docs[docType] = doc
	}
	return docs
}

func attachRequiredSignatures(t *testing.T, env testEnv, permitID string, docs map[string]domain.Document) {
	t.Helper()
	card := docs["ACCEPTANCE_CARD"]
	for _, role := range []string{domain.RoleInspector, domain.RoleEngineer, domain.RoleContractor} {
		if _, err := env.Engine.AttachSignature(env.Ctx, admin, permitID, engine.AttachSignatureOptions{
			DocumentID:     card.ID,
			SignerRole:     role,
			SignerIdentity: "signer-" + role,
			Verified:       true,
		}); err != nil {
			t.Fatalf("attach signature %s: %v", role, err)
		}
	}
}

func verifyRequiredDocs(t *testing.T, env testEnv, permitID string, docs map[string]domain.Document) {
	t.Helper()
	for _, doc := range docs {
		if _, err := env.Engine.VerifyDocument(env.Ctx, inspector, permitID, doc.ID, domain.DocVerified); err != nil {
			t.Fatalf("verify %s: %v", doc.Type, err)
		}
	}
}

func TestCloseoutEntryOnlyViaInitiate(t *testing.T) {
	env := newTestEnv(t)
	p := createInspected(t, env)

	_, err := env.Engine.Transition(env.Ctx, admin, p.ID, domain.StatusCloseoutInProgress)
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError on direct transition, got %v", err)
	}
	detail, err := env.Engine.GetPermit(env.Ctx, admin, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if detail.Permit.Status != domain.StatusInspected {
		t.Fatalf("permit moved without a closeout record: %s", detail.Permit.Status)
	}

	// the workflow entry point still works after the rejected attempt
	rec := initiateCloseout(t, env, p.ID)
	if rec.Status != domain.CloseoutInitiated {
		t.Fatalf("expected INITIATED, got %s", rec.Status)
	}
}

func TestInitiateCloseoutRequiresApprovedInspection(t *testing.T) {
	env := newTestEnv(t)
	p := createInspected(t, env)

	_, err := env.Engine.InitiateCloseout(env.Ctx, admin, p.ID, domain.InspectionResult{Approved: false})
	var pfe engine.PreconditionFailedError
	if !errors.As(err, &pfe) {
		t.Fatalf("expected PreconditionFailedError, got %v", err)
	}
	if _, err := env.Engine.Repo.GetCloseout(env.Ctx, p.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("no closeout record should exist, got err=%v", err)
	}
	detail, err := env.Engine.GetPermit(env.Ctx, admin, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if detail.Permit.Status != domain.StatusInspected {
		t.Errorf("permit status changed: %s", detail.Permit.Status)
	}
}

func TestInitiateCloseoutWrongPermitStatus(t *testing.T) {
	env := newTestEnv(t)
	p := createSubmitted(t, env)

	_, err := env.Engine.InitiateCloseout(env.Ctx, admin, p.ID, domain.InspectionResult{Approved: true})
	var pfe engine.PreconditionFailedError
	if !errors.As(err, &pfe) {
		t.Fatalf("expected PreconditionFailedError, got %v", err)
	}
}

func TestInitiateCloseoutRoleGate(t *testing.T) {
	env := newTestEnv(t)
	p := createInspected(t, env)

	_, err := env.Engine.InitiateCloseout(env.Ctx, contractor, p.ID, domain.InspectionResult{Approved: true})
	var ue authz.UnauthorizedError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
}

func TestInitiateCloseoutTwice(t *testing.T) {
	env := newTestEnv(t)
	p := createInspected(t, env)
	initiateCloseout(t, env, p.ID)

	_, err := env.Engine.InitiateCloseout(env.Ctx, admin, p.ID, domain.InspectionResult{Approved: true})
	var pfe engine.PreconditionFailedError
	if !errors.As(err, &pfe) {
		t.Fatalf("expected PreconditionFailedError on second initiate, got %v", err)
	}
}

func TestInitiateCloseoutSetsRequiredTypes(t *testing.T) {
	env := newTestEnv(t)
	p := createInspected(t, env)
	rec := initiateCloseout(t, env, p.ID)

	if rec.Status != domain.CloseoutInitiated {
		t.Errorf("expected INITIATED, got %s", rec.Status)
	}
	if len(rec.RequiredDocTypes) != 2 || rec.RequiredDocTypes[0] != "ACCEPTANCE_CARD" || rec.RequiredDocTypes[1] != "AS_BUILT" {
		t.Errorf("unexpected required types %v", rec.RequiredDocTypes)
	}
	detail, err := env.Engine.GetPermit(env.Ctx, admin, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if detail.Permit.Status != domain.StatusCloseoutInProgress {
		t.Errorf("expected CLOSEOUT_IN_PROGRESS, got %s", detail.Permit.Status)
	}
}

func TestAttachDocumentAdvancesStatus(t *testing.T) {
	env := newTestEnv(t)
	p := createInspected(t, env)
	initiateCloseout(t, env, p.ID)

	if _, err := env.Engine.AttachDocument(env.Ctx, contractor, p.ID, engine.AttachDocumentOptions{
		Type: "ACCEPTANCE_CARD", Name: "card.pdf", Content: []byte("card"),
	}); err != nil {
		t.Fatal(err)
	}
	rec, err := env.Engine.Repo.GetCloseout(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.CloseoutInitiated {
		t.Errorf("closeout advanced early: %s", rec.Status)
	}

	if _, err := env.Engine.AttachDocument(env.Ctx, contractor, p.ID, engine.AttachDocumentOptions{
		Type: "AS_BUILT", Name: "asbuilt.pdf", Content: []byte("as built"),
	}); err != nil {
		t.Fatal(err)
	}
	rec, err = env.Engine.Repo.GetCloseout(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.CloseoutDocumentsUploaded {
		t.Errorf("expected DOCUMENTS_UPLOADED, got %s", rec.Status)
	}
}

func TestAttachDocumentOutsideRequiredSet(t *testing.T) {
	env := newTestEnv(t)
	p := createInspected(t, env)
	initiateCloseout(t, env, p.ID)

	_, err := env.Engine.AttachDocument(env.Ctx, contractor, p.ID, engine.AttachDocumentOptions{
		Type: "RANDOM_NOTE", Name: "note.txt", Content: []byte("hi"),
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestAttachDocumentReuploadVerifiedType(t *testing.T) {
	env := newTestEnv(t)
	p := createInspected(t, env)
	initiateCloseout(t, env, p.ID)
	docs := attachRequiredDocs(t, env, p.ID)
	if _, err := env.Engine.VerifyDocument(env.Ctx, inspector, p.ID, docs["ACCEPTANCE_CARD"].ID, domain.DocVerified); err != nil {
		t.Fatal(err)
	}

	_, err := env.Engine.AttachDocument(env.Ctx, contractor, p.ID, engine.AttachDocumentOptions{
		Type: "ACCEPTANCE_CARD", Name: "card-v2.pdf", Content: []byte("card v2"),
	})
	var pfe engine.PreconditionFailedError
	if !errors.As(err, &pfe) {
		t.Fatalf("expected PreconditionFailedError, got %v", err)
	}
}

// countingDocStore records blob calls and can fail the rest of the
// request once content is stored.
type countingDocStore struct {
	puts    int
	deletes int
	lastKey string
	onPut   func()
}

func (s *countingDocStore) Put(ctx context.Context, permitID, docID, contentType string, data []byte) error {
	s.puts++
	s.lastKey = permitID + "/" + docID
	if s.onPut != nil {
		s.onPut()
	}
	return nil
}

func (s *countingDocStore) Get(ctx context.Context, permitID, docID string) ([]byte, error) {
	return nil, nil
}

func (s *countingDocStore) Delete(ctx context.Context, permitID, docID string) error {
	s.deletes++
	if got := permitID + "/" + docID; got != s.lastKey {
		return fmt.Errorf("delete key %s does not match stored %s", got, s.lastKey)
	}
	return nil
}

func TestAttachDocumentRemovesBlobWhenCommitFails(t *testing.T) {
	env := newTestEnv(t)
	p := createInspected(t, env)
	initiateCloseout(t, env, p.ID)

	store := &countingDocStore{}
	// closing the database makes the metadata transaction fail after the
	// content has already been stored
	store.onPut = func() { env.Engine.DB.Close() }
	env.Engine.Blobs = store

	_, err := env.Engine.AttachDocument(env.Ctx, contractor, p.ID, engine.AttachDocumentOptions{
		Type: "ACCEPTANCE_CARD", Name: "card.pdf", Content: []byte("card"),
	})
	if err == nil {
		t.Fatal("expected attach to fail")
	}
	if store.puts != 1 {
		t.Fatalf("expected 1 put, got %d", store.puts)
	}
	if store.deletes != 1 {
		t.Fatalf("expected stored content removed after failed transaction, got %d deletes", store.deletes)
	}
}

func TestAttachSignatureBeforeDocuments(t *testing.T) {
	env := newTestEnv(t)
	p := createInspected(t, env)
	initiateCloseout(t, env, p.ID)

	_, err := env.Engine.AttachSignature(env.Ctx, admin, p.ID, engine.AttachSignatureOptions{
		DocumentID: "no-doc", SignerRole: domain.RoleInspector, SignerIdentity: "i-1", Verified: true,
	})
	var pfe engine.PreconditionFailedError
	if !errors.As(err, &pfe) {
		t.Fatalf("expected PreconditionFailedError, got %v", err)
	}
}

func TestSignaturesCompleteAdvancesStatus(t *testing.T) {
	env := newTestEnv(t)
	p := createInspected(t, env)
	initiateCloseout(t, env, p.ID)
	docs := attachRequiredDocs(t, env, p.ID)

	card := docs["ACCEPTANCE_CARD"]
	// unverified signatures never count toward completeness
	if _, err := env.Engine.AttachSignature(env.Ctx, admin, p.ID, engine.AttachSignatureOptions{
		DocumentID: card.ID, SignerRole: domain.RoleInspector, SignerIdentity: "i-1", Verified: false,
	}); err != nil {
		t.Fatal(err)
	}
	rec, err := env.Engine.Repo.GetCloseout(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.CloseoutDocumentsUploaded {
		t.Errorf("unverified signature advanced closeout: %s", rec.Status)
	}

	attachRequiredSignatures(t, env, p.ID, docs)
	rec, err = env.Engine.Repo.GetCloseout(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.CloseoutSignaturesComplete {
		t.Errorf("expected SIGNATURES_COMPLETE, got %s", rec.Status)
	}
}

func TestVerifyDocumentsAdvancesToReadyForClosure(t *testing.T) {
	env := newTestEnv(t)
	p := createInspected(t, env)
	initiateCloseout(t, env, p.ID)
	docs := attachRequiredDocs(t, env, p.ID)
	attachRequiredSignatures(t, env, p.ID, docs)
	verifyRequiredDocs(t, env, p.ID, docs)

	rec, err := env.Engine.Repo.GetCloseout(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.CloseoutReadyForClosure {
		t.Errorf("expected READY_FOR_CLOSURE, got %s", rec.Status)
	}
}

func TestClosureEligibility(t *testing.T) {
	env := newTestEnv(t)
	p := createInspected(t, env)
	initiateCloseout(t, env, p.ID)

	elig, err := env.Engine.EvaluateClosureEligibility(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if elig.Eligible {
		t.Error("fresh closeout should not be eligible")
	}
	if len(elig.MissingDocTypes) != 2 {
		t.Errorf("expected 2 missing doc types, got %v", elig.MissingDocTypes)
	}

	docs := attachRequiredDocs(t, env, p.ID)
	attachRequiredSignatures(t, env, p.ID, docs)
	elig, err = env.Engine.EvaluateClosureEligibility(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if elig.Eligible {
		t.Error("unverified documents should block eligibility")
	}
	if len(elig.UnverifiedDocTypes) != 2 {
		t.Errorf("expected 2 unverified doc types, got %v", elig.UnverifiedDocTypes)
	}

	verifyRequiredDocs(t, env, p.ID, docs)
	elig, err = env.Engine.EvaluateClosureEligibility(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !elig.Eligible {
		t.Errorf("expected eligible closeout, got %+v", elig)
	}
}

func TestClosePermitEligible(t *testing.T) {
	env := newTestEnv(t)
	p := createInspected(t, env)
	initiateCloseout(t, env, p.ID)
	docs := attachRequiredDocs(t, env, p.ID)
	attachRequiredSignatures(t, env, p.ID, docs)
	verifyRequiredDocs(t, env, p.ID, docs)

	rec, err := env.Engine.ClosePermit(env.Ctx, city, p.ID)
	if err != nil {
		t.Fatalf("close permit: %v", err)
	}
	if rec.Status != domain.CloseoutClosed {
		t.Errorf("expected closeout CLOSED, got %s", rec.Status)
	}
	if rec.Certificate == nil || rec.Certificate.PermitID != p.ID {
		t.Fatalf("missing closure certificate: %+v", rec.Certificate)
	}
	detail, err := env.Engine.GetPermit(env.Ctx, admin, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if detail.Permit.Status != domain.StatusClosed {
		t.Errorf("expected permit CLOSED, got %s", detail.Permit.Status)
	}

	// closing again cannot produce a second certificate
	_, err = env.Engine.ClosePermit(env.Ctx, admin, p.ID)
	var pfe engine.PreconditionFailedError
	if !errors.As(err, &pfe) {
		t.Fatalf("expected PreconditionFailedError on double close, got %v", err)
	}
	stored, err := env.Engine.Repo.GetCloseout(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Certificate == nil || stored.Certificate.ID != rec.Certificate.ID {
		t.Errorf("certificate changed after failed re-close")
	}
}

func TestClosePermitNotEligibleNonAdmin(t *testing.T) {
	env := newTestEnv(t)
	p := createInspected(t, env)
	initiateCloseout(t, env, p.ID)

	_, err := env.Engine.ClosePermit(env.Ctx, city, p.ID)
	var pfe engine.PreconditionFailedError
	if !errors.As(err, &pfe) {
		t.Fatalf("expected PreconditionFailedError, got %v", err)
	}
}

func TestClosePermitAdminOverride(t *testing.T) {
	env := newTestEnv(t)
	p := createInspected(t, env)
	initiateCloseout(t, env, p.ID)

	rec, err := env.Engine.ClosePermit(env.Ctx, admin, p.ID)
	if err != nil {
		t.Fatalf("admin override close: %v", err)
	}
	if rec.Certificate == nil {
		t.Fatal("expected certificate on override close")
	}
	entries, err := env.Engine.Repo.ListHistory(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	last := entries[len(entries)-1]
	if last.Action != domain.ActionPermitClosed {
		t.Fatalf("expected PERMIT_CLOSED entry, got %s", last.Action)
	}
	if override, ok := last.Details["override"].(bool); !ok || !override {
		t.Errorf("override not recorded in history details: %v", last.Details)
	}
}

func TestCloseoutHistoryGrowsByOne(t *testing.T) {
	env := newTestEnv(t)
	p := createInspected(t, env)

	before := historyLen(t, env, p.ID)
	initiateCloseout(t, env, p.ID)
	if n := historyLen(t, env, p.ID); n != before+1 {
		t.Fatalf("initiate appended %d entries, want 1", n-before)
	}

	before = historyLen(t, env, p.ID)
	docs := attachRequiredDocs(t, env, p.ID)
	if n := historyLen(t, env, p.ID); n != before+2 {
		t.Fatalf("two uploads appended %d entries, want 2", n-before)
	}

	before = historyLen(t, env, p.ID)
	attachRequiredSignatures(t, env, p.ID, docs)
	if n := historyLen(t, env, p.ID); n != before+3 {
		t.Fatalf("three signatures appended %d entries, want 3", n-before)
	}

	before = historyLen(t, env, p.ID)
	verifyRequiredDocs(t, env, p.ID, docs)
	if n := historyLen(t, env, p.ID); n != before+2 {
		t.Fatalf("two verifications appended %d entries, want 2", n-before)
	}

	before = historyLen(t, env, p.ID)
	if _, err := env.Engine.ClosePermit(env.Ctx, admin, p.ID); err != nil {
		t.Fatal(err)
	}
	if n := historyLen(t, env, p.ID); n != before+1 {
		t.Fatalf("close appended %d entries, want 1", n-before)
	}
}
