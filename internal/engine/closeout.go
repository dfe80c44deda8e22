package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"permitline/internal/domain"
	"permitline/internal/engine/authz"
	"permitline/internal/history"
	"permitline/internal/repo"
)

// closeoutRank orders the closeout sub-states for precondition checks.
var closeoutRank = map[string]int{
	domain.CloseoutNotStarted:         0,
	domain.CloseoutInitiated:          1,
	domain.CloseoutDocumentsUploaded:  2,
	domain.CloseoutSignaturesComplete: 3,
	domain.CloseoutReadyForClosure:    4,
	domain.CloseoutClosed:             5,
}

// InitiateCloseout starts the closeout workflow for an INSPECTED permit
// with an approved inspection. The required document types come from the
// configured closeout profile.
func (e Engine) InitiateCloseout(ctx context.Context, actor domain.Identity, permitID string, inspection domain.InspectionResult) (domain.CloseoutRecord, error) {
	unlock := e.lockPermit(permitID)
	defer unlock()

	p, err := e.Repo.GetPermit(ctx, permitID)
	if err != nil {
		return domain.CloseoutRecord{}, err
	}
	if !orgVisible(actor, p) {
		return domain.CloseoutRecord{}, authz.UnauthorizedError{Role: actor.Role, Action: "modify permit " + permitID}
	}
	if err := authz.CheckTransition(actor, domain.StatusInspected, domain.StatusCloseoutInProgress); err != nil {
		return domain.CloseoutRecord{}, err
	}
	if p.Status != domain.StatusInspected {
		return domain.CloseoutRecord{}, preconditionFailedf("closeout requires status %s, permit is %s", domain.StatusInspected, p.Status)
	}
	if !inspection.Approved {
		return domain.CloseoutRecord{}, PreconditionFailedError{Msg: "inspection not approved"}
	}
	if _, err := e.Repo.GetCloseout(ctx, permitID); err == nil {
		return domain.CloseoutRecord{}, PreconditionFailedError{Msg: "closeout already initiated"}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.CloseoutRecord{}, err
	}

	now := e.nowRFC3339()
	rec := domain.CloseoutRecord{
		PermitID:            permitID,
		Status:              domain.CloseoutInitiated,
		RequiredDocTypes:    e.Config.RequiredDocTypes(),
		RequiredSignerRoles: e.Config.Closeout.RequiredSignerRoles,
		InitiatedBy:         actor.UserID,
		InitiatedAt:         now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CloseoutRecord{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.UpdatePermitStatus(ctx, tx, permitID, domain.StatusInspected, domain.StatusCloseoutInProgress, now)
	if err != nil {
		return domain.CloseoutRecord{}, err
	}
	if !ok {
		return domain.CloseoutRecord{}, InvalidTransitionError{From: p.Status, To: domain.StatusCloseoutInProgress}
	}
	if err := e.Repo.InsertCloseout(ctx, tx, rec); err != nil {
		return domain.CloseoutRecord{}, err
	}
	if err := e.History.Append(ctx, tx, permitID, domain.ActionCloseoutInitiated, actor.UserID, history.Details{
		"from":                    domain.StatusInspected,
		"to":                      domain.StatusCloseoutInProgress,
		"required_document_types": rec.RequiredDocTypes,
		"inspector":               inspection.InspectorID,
	}); err != nil {
		return domain.CloseoutRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CloseoutRecord{}, err
	}
	if e.Metrics != nil {
		e.Metrics.IncTransition(domain.StatusCloseoutInProgress)
	}
	e.recordLedger(permitID, domain.ActionCloseoutInitiated, actor.UserID, map[string]any{"to": domain.StatusCloseoutInProgress})
	return rec, nil
}

// GetCloseout returns the closeout record for a permit.
func (e Engine) GetCloseout(ctx context.Context, actor domain.Identity, permitID string) (domain.CloseoutRecord, error) {
	p, err := e.Repo.GetPermit(ctx, permitID)
	if err != nil {
		return domain.CloseoutRecord{}, err
	}
	if !orgVisible(actor, p) {
		return domain.CloseoutRecord{}, authz.UnauthorizedError{Role: actor.Role, Action: "read permit " + permitID}
	}
	return e.Repo.GetCloseout(ctx, permitID)
}

// AttachDocumentOptions carry one closeout document upload.
type AttachDocumentOptions struct {
	Type        string
	Name        string
	ContentType string
	Content     []byte
}

// AttachDocument records a closeout document. The type must be in the
// closeout's required set, and a type that already has a VERIFIED document
// may not be uploaded again. When every required type has at least one
// upload the closeout advances to DOCUMENTS_UPLOADED.
func (e Engine) AttachDocument(ctx context.Context, actor domain.Identity, permitID string, opts AttachDocumentOptions) (domain.Document, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Document{}, ValidationError{Msg: "document name is required"}
	}
	if strings.TrimSpace(opts.Type) == "" {
		return domain.Document{}, ValidationError{Msg: "document type is required"}
	}
	unlock := e.lockPermit(permitID)
	defer unlock()

	p, err := e.Repo.GetPermit(ctx, permitID)
	if err != nil {
		return domain.Document{}, err
	}
	if !orgVisible(actor, p) {
		return domain.Document{}, authz.UnauthorizedError{Role: actor.Role, Action: "modify permit " + permitID}
	}
	if p.Status != domain.StatusCloseoutInProgress {
		return domain.Document{}, preconditionFailedf("permit is %s, not %s", p.Status, domain.StatusCloseoutInProgress)
	}
	rec, err := e.Repo.GetCloseout(ctx, permitID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Document{}, PreconditionFailedError{Msg: "closeout not initiated"}
		}
		return domain.Document{}, err
	}
	if !containsString(rec.RequiredDocTypes, opts.Type) {
		return domain.Document{}, validationErrorf("document type %s not in required set", opts.Type)
	}
	docs, err := e.Repo.ListDocuments(ctx, permitID)
	if err != nil {
		return domain.Document{}, err
	}
	for _, d := range docs {
		if d.Type == opts.Type && d.Status == domain.DocVerified {
			return domain.Document{}, preconditionFailedf("document type %s already verified", opts.Type)
		}
	}

	now := e.nowRFC3339()
	sum := sha256.Sum256(opts.Content)
	doc := domain.Document{
		ID:          uuid.New().String(),
		PermitID:    permitID,
		Type:        opts.Type,
		Name:        opts.Name,
		ContentType: opts.ContentType,
		ContentHash: hex.EncodeToString(sum[:]),
		UploadedBy:  actor.UserID,
		UploadedAt:  now,
		Status:      domain.DocPending,
	}
	stored := false
	if e.Blobs != nil && len(opts.Content) > 0 {
		if err := e.Blobs.Put(ctx, permitID, doc.ID, opts.ContentType, opts.Content); err != nil {
			return domain.Document{}, fmt.Errorf("store document content: %w", err)
		}
		stored = true
	}

	// The blob write precedes the transaction, so on any failure from here
	// on the stored bytes must be removed again or they leak with no
	// metadata row pointing at them.
	commit := func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := e.Repo.InsertDocument(ctx, tx, doc); err != nil {
			return err
		}
		if rec.Status == domain.CloseoutInitiated && requiredTypesUploaded(rec.RequiredDocTypes, append(docs, doc)) {
			if err := e.Repo.UpdateCloseoutStatus(ctx, tx, permitID, domain.CloseoutDocumentsUploaded); err != nil {
				return err
			}
		}
		if err := e.History.Append(ctx, tx, permitID, domain.ActionDocumentAttached, actor.UserID, history.Details{
			"document_id":   doc.ID,
			"document_type": doc.Type,
			"content_hash":  doc.ContentHash,
		}); err != nil {
			return err
		}
		return tx.Commit()
	}
	if err := commit(); err != nil {
		if stored {
			e.discardDocumentBlob(permitID, doc.ID)
		}
		return domain.Document{}, err
	}
	e.recordLedger(permitID, domain.ActionDocumentAttached, actor.UserID, map[string]any{"document_type": doc.Type})
	return doc, nil
}

// discardDocumentBlob removes content written ahead of a metadata
// transaction that did not commit. Runs on its own context since the
// request context may already be cancelled.
func (e Engine) discardDocumentBlob(permitID, docID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Blobs.Delete(ctx, permitID, docID); err != nil {
		e.Log.Warn().Err(err).Str("permit_id", permitID).Str("document_id", docID).Msg("orphan document blob not removed")
	}
}

// AttachSignatureOptions carry one closeout signature.
type AttachSignatureOptions struct {
	DocumentID     string
	SignerRole     string
	SignerIdentity string
	Verified       bool
}

// AttachSignature records a signature against an uploaded document.
// Signatures are accepted only after the required documents are uploaded.
// The closeout advances to SIGNATURES_COMPLETE once every required signer
// role has a verified signature on a required-type document.
func (e Engine) AttachSignature(ctx context.Context, actor domain.Identity, permitID string, opts AttachSignatureOptions) (domain.Signature, error) {
	switch opts.SignerRole {
	case domain.RoleInspector, domain.RoleEngineer, domain.RoleContractor, domain.RoleApplicant:
	default:
		return domain.Signature{}, validationErrorf("unknown signer role %q", opts.SignerRole)
	}
	if strings.TrimSpace(opts.SignerIdentity) == "" {
		return domain.Signature{}, ValidationError{Msg: "signer identity is required"}
	}
	unlock := e.lockPermit(permitID)
	defer unlock()

	p, err := e.Repo.GetPermit(ctx, permitID)
	if err != nil {
		return domain.Signature{}, err
	}
	if !orgVisible(actor, p) {
		return domain.Signature{}, authz.UnauthorizedError{Role: actor.Role, Action: "modify permit " + permitID}
	}
	if p.Status != domain.StatusCloseoutInProgress {
		return domain.Signature{}, preconditionFailedf("permit is %s, not %s", p.Status, domain.StatusCloseoutInProgress)
	}
	rec, err := e.Repo.GetCloseout(ctx, permitID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Signature{}, PreconditionFailedError{Msg: "closeout not initiated"}
		}
		return domain.Signature{}, err
	}
	if closeoutRank[rec.Status] < closeoutRank[domain.CloseoutDocumentsUploaded] {
		return domain.Signature{}, PreconditionFailedError{Msg: "required documents not uploaded yet"}
	}
	doc, err := e.Repo.GetDocument(ctx, opts.DocumentID)
	if err != nil {
		return domain.Signature{}, err
	}
	if doc.PermitID != permitID {
		return domain.Signature{}, repo.ErrNotFound
	}

	now := e.nowRFC3339()
	sig := domain.Signature{
		ID:             uuid.New().String(),
		PermitID:       permitID,
		DocumentID:     opts.DocumentID,
		SignerRole:     opts.SignerRole,
		SignerIdentity: opts.SignerIdentity,
		SignedAt:       now,
		Verified:       opts.Verified,
	}

	docs, err := e.Repo.ListDocuments(ctx, permitID)
	if err != nil {
		return domain.Signature{}, err
	}
	sigs, err := e.Repo.ListSignatures(ctx, permitID)
	if err != nil {
		return domain.Signature{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Signature{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertSignature(ctx, tx, sig); err != nil {
		return domain.Signature{}, err
	}
	if rec.Status == domain.CloseoutDocumentsUploaded &&
		signaturesComplete(rec, docs, append(sigs, sig)) {
		if err := e.Repo.UpdateCloseoutStatus(ctx, tx, permitID, domain.CloseoutSignaturesComplete); err != nil {
			return domain.Signature{}, err
		}
	}
	if err := e.History.Append(ctx, tx, permitID, domain.ActionSignatureAttached, actor.UserID, history.Details{
		"signature_id": sig.ID,
		"document_id":  sig.DocumentID,
		"signer_role":  sig.SignerRole,
		"verified":     sig.Verified,
	}); err != nil {
		return domain.Signature{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Signature{}, err
	}
	e.recordLedger(permitID, domain.ActionSignatureAttached, actor.UserID, map[string]any{"signer_role": sig.SignerRole})
	return sig, nil
}

// VerifyDocument moves an uploaded document from PENDING to VERIFIED or
// REJECTED. When the closeout is SIGNATURES_COMPLETE and every required
// document type has a VERIFIED document, the closeout advances to
// READY_FOR_CLOSURE.
func (e Engine) VerifyDocument(ctx context.Context, actor domain.Identity, permitID, documentID, verdict string) (domain.Document, error) {
	if err := authz.CheckAny(actor, "verify document", domain.RoleInspector, domain.RoleAdmin); err != nil {
		return domain.Document{}, err
	}
	if verdict != domain.DocVerified && verdict != domain.DocRejected {
		return domain.Document{}, validationErrorf("verdict must be %s or %s", domain.DocVerified, domain.DocRejected)
	}
	unlock := e.lockPermit(permitID)
	defer unlock()

	if _, err := e.Repo.GetPermit(ctx, permitID); err != nil {
		return domain.Document{}, err
	}
	doc, err := e.Repo.GetDocument(ctx, documentID)
	if err != nil {
		return domain.Document{}, err
	}
	if doc.PermitID != permitID {
		return domain.Document{}, repo.ErrNotFound
	}

	docs, err := e.Repo.ListDocuments(ctx, permitID)
	if err != nil {
		return domain.Document{}, err
	}
	rec, recErr := e.Repo.GetCloseout(ctx, permitID)
	if recErr != nil && !errors.Is(recErr, repo.ErrNotFound) {
		return domain.Document{}, recErr
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Document{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateDocumentStatus(ctx, tx, documentID, verdict); err != nil {
		return domain.Document{}, err
	}
	if recErr == nil && rec.Status == domain.CloseoutSignaturesComplete {
		for i := range docs {
			if docs[i].ID == documentID {
				docs[i].Status = verdict
			}
		}
		if requiredTypesVerified(rec.RequiredDocTypes, docs) {
			if err := e.Repo.UpdateCloseoutStatus(ctx, tx, permitID, domain.CloseoutReadyForClosure); err != nil {
				return domain.Document{}, err
			}
		}
	}
	if err := e.History.Append(ctx, tx, permitID, domain.ActionDocumentVerified, actor.UserID, history.Details{
		"document_id": documentID,
		"verdict":     verdict,
	}); err != nil {
		return domain.Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Document{}, err
	}
	e.recordLedger(permitID, domain.ActionDocumentVerified, actor.UserID, map[string]any{"document_id": documentID, "verdict": verdict})
	doc.Status = verdict
	return doc, nil
}

// Eligibility is the result of evaluating closure readiness.
type Eligibility struct {
	Eligible           bool     `json:"eligible"`
	CloseoutStatus     string   `json:"closeout_status"`
	MissingDocTypes    []string `json:"missing_document_types,omitempty"`
	UnverifiedDocTypes []string `json:"unverified_document_types,omitempty"`
	MissingSignerRoles []string `json:"missing_signer_roles,omitempty"`
}

// EvaluateClosureEligibility is a pure read: eligible only when the
// closeout has all signatures collected and every required document type
// has a VERIFIED document.
func (e Engine) EvaluateClosureEligibility(ctx context.Context, permitID string) (Eligibility, error) {
	rec, err := e.Repo.GetCloseout(ctx, permitID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Eligibility{CloseoutStatus: domain.CloseoutNotStarted}, nil
		}
		return Eligibility{}, err
	}
	docs, err := e.Repo.ListDocuments(ctx, permitID)
	if err != nil {
		return Eligibility{}, err
	}
	sigs, err := e.Repo.ListSignatures(ctx, permitID)
	if err != nil {
		return Eligibility{}, err
	}

	elig := Eligibility{CloseoutStatus: rec.Status}
	uploaded := map[string]bool{}
	verified := map[string]bool{}
	for _, d := range docs {
		uploaded[d.Type] = true
		if d.Status == domain.DocVerified {
			verified[d.Type] = true
		}
	}
	for _, t := range rec.RequiredDocTypes {
		if !uploaded[t] {
			elig.MissingDocTypes = append(elig.MissingDocTypes, t)
		} else if !verified[t] {
			elig.UnverifiedDocTypes = append(elig.UnverifiedDocTypes, t)
		}
	}
	signedRoles := verifiedSignerRoles(rec, docs, sigs)
	for _, r := range rec.RequiredSignerRoles {
		if !signedRoles[r] {
			elig.MissingSignerRoles = append(elig.MissingSignerRoles, r)
		}
	}
	elig.Eligible = closeoutRank[rec.Status] >= closeoutRank[domain.CloseoutSignaturesComplete] &&
		rec.Status != domain.CloseoutClosed &&
		len(elig.MissingDocTypes) == 0 &&
		len(elig.UnverifiedDocTypes) == 0 &&
		len(elig.MissingSignerRoles) == 0
	return elig, nil
}

// ClosePermit closes an eligible permit, or any closeout-stage permit when
// an ADMIN explicitly overrides; the override is recorded in history.
// Exactly one closure certificate is ever produced per permit.
func (e Engine) ClosePermit(ctx context.Context, actor domain.Identity, permitID string) (domain.CloseoutRecord, error) {
	if err := authz.CheckAny(actor, "close permit", domain.RoleInspector, domain.RoleCity, domain.RoleAdmin); err != nil {
		return domain.CloseoutRecord{}, err
	}
	unlock := e.lockPermit(permitID)
	defer unlock()

	p, err := e.Repo.GetPermit(ctx, permitID)
	if err != nil {
		return domain.CloseoutRecord{}, err
	}
	if p.Status != domain.StatusCloseoutInProgress {
		return domain.CloseoutRecord{}, preconditionFailedf("permit is %s, not %s", p.Status, domain.StatusCloseoutInProgress)
	}
	rec, err := e.Repo.GetCloseout(ctx, permitID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.CloseoutRecord{}, PreconditionFailedError{Msg: "closeout not initiated"}
		}
		return domain.CloseoutRecord{}, err
	}
	elig, err := e.EvaluateClosureEligibility(ctx, permitID)
	if err != nil {
		return domain.CloseoutRecord{}, err
	}
	override := false
	if !elig.Eligible {
		if actor.Role != domain.RoleAdmin {
			return domain.CloseoutRecord{}, PreconditionFailedError{Msg: "closure eligibility not satisfied"}
		}
		override = true
	}

	now := e.nowRFC3339()
	cert := domain.ClosureCertificate{
		ID:       uuid.New().String(),
		PermitID: permitID,
		IssuedAt: now,
		Summary:  fmt.Sprintf("Permit %s closed under closeout profile with %d required documents", permitID, len(rec.RequiredDocTypes)),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CloseoutRecord{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.UpdatePermitStatus(ctx, tx, permitID, domain.StatusCloseoutInProgress, domain.StatusClosed, now)
	if err != nil {
		return domain.CloseoutRecord{}, err
	}
	if !ok {
		return domain.CloseoutRecord{}, InvalidTransitionError{From: p.Status, To: domain.StatusClosed}
	}
	issued, err := e.Repo.SetCloseoutCertificate(ctx, tx, permitID, cert)
	if err != nil {
		return domain.CloseoutRecord{}, err
	}
	if !issued {
		return domain.CloseoutRecord{}, PreconditionFailedError{Msg: "closure certificate already issued"}
	}
	if err := e.History.Append(ctx, tx, permitID, domain.ActionPermitClosed, actor.UserID, history.Details{
		"certificate_id": cert.ID,
		"override":       override,
	}); err != nil {
		return domain.CloseoutRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CloseoutRecord{}, err
	}
	if e.Metrics != nil {
		e.Metrics.IncTransition(domain.StatusClosed)
		e.Metrics.IncCloseoutCompleted()
	}
	e.recordLedger(permitID, domain.ActionPermitClosed, actor.UserID, map[string]any{"certificate_id": cert.ID, "override": override})
	rec.Status = domain.CloseoutClosed
	rec.Certificate = &cert
	return rec, nil
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func requiredTypesUploaded(required []string, docs []domain.Document) bool {
	uploaded := map[string]bool{}
	for _, d := range docs {
		uploaded[d.Type] = true
	}
	for _, t := range required {
		if !uploaded[t] {
			return false
		}
	}
	return true
}

func requiredTypesVerified(required []string, docs []domain.Document) bool {
	verified := map[string]bool{}
	for _, d := range docs {
		if d.Status == domain.DocVerified {
			verified[d.Type] = true
		}
	}
	for _, t := range required {
		if !verified[t] {
			return false
		}
	}
	return true
}

// verifiedSignerRoles maps which required roles hold a verified signature
// tied to a required-type document.
func verifiedSignerRoles(rec domain.CloseoutRecord, docs []domain.Document, sigs []domain.Signature) map[string]bool {
	docType := map[string]string{}
	for _, d := range docs {
		docType[d.ID] = d.Type
	}
	out := map[string]bool{}
	for _, s := range sigs {
		if !s.Verified {
			continue
		}
		if !containsString(rec.RequiredDocTypes, docType[s.DocumentID]) {
			continue
		}
		out[s.SignerRole] = true
	}
	return out
}

func signaturesComplete(rec domain.CloseoutRecord, docs []domain.Document, sigs []domain.Signature) bool {
	signed := verifiedSignerRoles(rec, docs, sigs)
	for _, r := range rec.RequiredSignerRoles {
		if !signed[r] {
			return false
		}
	}
	return true
}
