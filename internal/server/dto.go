package server

import (
	"permitline/internal/domain"
	"permitline/internal/engine"
)

// Request payloads

type CreatePermitRequest struct {
	Applicant domain.Applicant      `json:"applicant"`
	Project   domain.ProjectDetails `json:"project_details"`
	Submit    bool                  `json:"submit,omitempty"`
}

type TransitionRequest struct {
	Target string `json:"target" enum:"DRAFT,SUBMITTED,UNDER_REVIEW,APPROVED,REJECTED,NEEDS_REVISION,INSPECTION_SCHEDULED,INSPECTED,CLOSEOUT_IN_PROGRESS,CLOSED"`
}

type ComplianceRequest struct {
	Status   string   `json:"status"`
	Score    float64  `json:"score" minimum:"0" maximum:"1"`
	Findings []string `json:"findings,omitempty"`
}

type InitiateCloseoutRequest struct {
	Inspection domain.InspectionResult `json:"inspection"`
}

type AttachDocumentRequest struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	// Content is the base64-encoded document body.
	Content string `json:"content,omitempty" format:"byte"`
}

type AttachSignatureRequest struct {
	DocumentID     string `json:"document_id"`
	SignerRole     string `json:"signer_role" enum:"INSPECTOR,ENGINEER,CONTRACTOR,APPLICANT"`
	SignerIdentity string `json:"signer_identity"`
	Verified       bool   `json:"verified,omitempty"`
}

type VerifyDocumentRequest struct {
	Verdict string `json:"verdict" enum:"VERIFIED,REJECTED"`
}

type CreateAPIKeyRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role" enum:"APPLICANT,CONTRACTOR,ENGINEER,INSPECTOR,CITY,ADMIN"`
	OrgID  string `json:"org_id,omitempty"`
	Name   string `json:"name,omitempty"`
}

// Response payloads

type PermitDetailResponse struct {
	domain.Permit
	LedgerEntries    int64 `json:"ledger_entries"`
	LedgerDivergence bool  `json:"ledger_divergence"`
}

type paginatedPermits struct {
	Items      []domain.Permit `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type historyResponse struct {
	Items []domain.HistoryEntry `json:"items"`
}

type documentsResponse struct {
	Items []domain.Document `json:"items"`
}

type signaturesResponse struct {
	Items []domain.Signature `json:"items"`
}

type CreateAPIKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	OrgID     string `json:"org_id,omitempty"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is the plaintext API key, returned exactly once at creation.
	Key string `json:"key"`
}

func permitDetailResponse(d engine.PermitDetail) PermitDetailResponse {
	return PermitDetailResponse{
		Permit:           d.Permit,
		LedgerEntries:    d.LedgerEntries,
		LedgerDivergence: d.LedgerDivergence,
	}
}
