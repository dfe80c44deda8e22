package domain

// Applicant identifies who is requesting the permit.
type Applicant struct {
	Name         string `json:"name"`
	Organization string `json:"organization,omitempty"`
	Contact      string `json:"contact,omitempty"`
}

// ProjectDetails describes the work covered by a permit. Type carries an
// NFPA code reference and is treated as opaque category data.
type ProjectDetails struct {
	Type          string  `json:"type" enum:"NFPA72_COMMERCIAL,NFPA72_RESIDENTIAL,NFPA13_SPRINKLER,NFPA25_INSPECTION"`
	Address       string  `json:"address"`
	Description   string  `json:"description,omitempty"`
	FloorArea     float64 `json:"floor_area,omitempty"`
	OccupancyType string  `json:"occupancy_type,omitempty"`
}

// ComplianceAnalysis is an advisory annotation attached by an external
// analysis service. It never gates lifecycle transitions.
type ComplianceAnalysis struct {
	Status     string   `json:"status"`
	Score      float64  `json:"score" minimum:"0" maximum:"1"`
	Findings   []string `json:"findings,omitempty"`
	AttachedAt string   `json:"attached_at" format:"date-time"`
	AttachedBy string   `json:"attached_by"`
}

type Permit struct {
	ID             string              `json:"id"`
	OrgID          string              `json:"org_id"`
	Applicant      Applicant           `json:"applicant"`
	ProjectDetails ProjectDetails      `json:"project_details"`
	Status         string              `json:"status" enum:"DRAFT,SUBMITTED,UNDER_REVIEW,APPROVED,REJECTED,NEEDS_REVISION,INSPECTION_SCHEDULED,INSPECTED,CLOSEOUT_IN_PROGRESS,CLOSED"`
	Fee            float64             `json:"fee"`
	PaymentStatus  string              `json:"payment_status" enum:"PENDING,PAID"`
	Compliance     *ComplianceAnalysis `json:"compliance_analysis,omitempty"`
	CreatedAt      string              `json:"created_at" format:"date-time"`
	LastModified   string              `json:"last_modified" format:"date-time"`
}

type Document struct {
	ID          string `json:"id"`
	PermitID    string `json:"permit_id"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	ContentHash string `json:"content_hash"`
	UploadedBy  string `json:"uploaded_by"`
	UploadedAt  string `json:"uploaded_at" format:"date-time"`
	Status      string `json:"status" enum:"PENDING,VERIFIED,REJECTED"`
}

type Signature struct {
	ID             string `json:"id"`
	PermitID       string `json:"permit_id"`
	DocumentID     string `json:"document_id"`
	SignerRole     string `json:"signer_role" enum:"INSPECTOR,ENGINEER,CONTRACTOR,APPLICANT"`
	SignerIdentity string `json:"signer_identity"`
	SignedAt       string `json:"signed_at" format:"date-time"`
	Verified       bool   `json:"verified"`
}

// ClosureCertificate is produced exactly once when a permit is closed.
type ClosureCertificate struct {
	ID       string `json:"id"`
	PermitID string `json:"permit_id"`
	IssuedAt string `json:"issued_at" format:"date-time"`
	Summary  string `json:"summary"`
}

type CloseoutRecord struct {
	PermitID            string              `json:"permit_id"`
	Status              string              `json:"status" enum:"NOT_STARTED,INITIATED,DOCUMENTS_UPLOADED,SIGNATURES_COMPLETE,READY_FOR_CLOSURE,CLOSED"`
	RequiredDocTypes    []string            `json:"required_document_types"`
	RequiredSignerRoles []string            `json:"required_signer_roles"`
	InitiatedBy         string              `json:"initiated_by"`
	InitiatedAt         string              `json:"initiated_at" format:"date-time"`
	Certificate         *ClosureCertificate `json:"closure_certificate,omitempty"`
}

// InspectionResult is the external inspection outcome gating closeout.
type InspectionResult struct {
	Approved    bool   `json:"approved"`
	InspectorID string `json:"inspector_id,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// HistoryEntry is one append-only audit row. Every permit mutation appends
// exactly one entry.
type HistoryEntry struct {
	ID          int64          `json:"id"`
	PermitID    string         `json:"permit_id"`
	Action      string         `json:"action"`
	TS          string         `json:"ts" format:"date-time"`
	PerformedBy string         `json:"performed_by"`
	Details     map[string]any `json:"details,omitempty"`
}

// Identity is the principal the core consumes; the HTTP layer produces it
// from a verified token or API key.
type Identity struct {
	UserID string `json:"user_id"`
	Role   string `json:"role" enum:"APPLICANT,CONTRACTOR,ENGINEER,INSPECTOR,CITY,ADMIN"`
	OrgID  string `json:"organization_id,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	OrgID     string `json:"org_id,omitempty"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
