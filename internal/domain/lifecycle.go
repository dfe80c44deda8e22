package domain

// Permit statuses.
const (
	StatusDraft               = "DRAFT"
	StatusSubmitted           = "SUBMITTED"
	StatusUnderReview         = "UNDER_REVIEW"
	StatusApproved            = "APPROVED"
	StatusRejected            = "REJECTED"
	StatusNeedsRevision       = "NEEDS_REVISION"
	StatusInspectionScheduled = "INSPECTION_SCHEDULED"
	StatusInspected           = "INSPECTED"
	StatusCloseoutInProgress  = "CLOSEOUT_IN_PROGRESS"
	StatusClosed              = "CLOSED"
)

// Closeout statuses.
const (
	CloseoutNotStarted         = "NOT_STARTED"
	CloseoutInitiated          = "INITIATED"
	CloseoutDocumentsUploaded  = "DOCUMENTS_UPLOADED"
	CloseoutSignaturesComplete = "SIGNATURES_COMPLETE"
	CloseoutReadyForClosure    = "READY_FOR_CLOSURE"
	CloseoutClosed             = "CLOSED"
)

// Document statuses.
const (
	DocPending  = "PENDING"
	DocVerified = "VERIFIED"
	DocRejected = "REJECTED"
)

// Payment statuses.
const (
	PaymentPending = "PENDING"
	PaymentPaid    = "PAID"
)

// Roles.
const (
	RoleApplicant  = "APPLICANT"
	RoleContractor = "CONTRACTOR"
	RoleEngineer   = "ENGINEER"
	RoleInspector  = "INSPECTOR"
	RoleCity       = "CITY"
	RoleAdmin      = "ADMIN"
)

// History actions.
const (
	ActionCreated            = "CREATED"
	ActionStatusChanged      = "STATUS_CHANGED"
	ActionPaymentRecorded    = "PAYMENT_RECORDED"
	ActionComplianceAttached = "COMPLIANCE_ATTACHED"
	ActionCloseoutInitiated  = "CLOSEOUT_INITIATED"
	ActionDocumentAttached   = "DOCUMENT_ATTACHED"
	ActionDocumentVerified   = "DOCUMENT_VERIFIED"
	ActionSignatureAttached  = "SIGNATURE_ATTACHED"
	ActionPermitClosed       = "PERMIT_CLOSED"
	ActionLedgerSyncFailed   = "LEDGER_SYNC_FAILED"
)

// feeTable maps permit type to the filing fee in dollars. Unknown types are
// rejected, never defaulted.
var feeTable = map[string]float64{
	"NFPA72_COMMERCIAL":  150.00,
	"NFPA72_RESIDENTIAL": 75.00,
	"NFPA13_SPRINKLER":   200.00,
	"NFPA25_INSPECTION":  100.00,
}

// FeeFor returns the filing fee for a permit type.
func FeeFor(permitType string) (float64, bool) {
	fee, ok := feeTable[permitType]
	return fee, ok
}

// PermitTypes returns the known permit types.
func PermitTypes() []string {
	return []string{"NFPA72_COMMERCIAL", "NFPA72_RESIDENTIAL", "NFPA13_SPRINKLER", "NFPA25_INSPECTION"}
}

// transitions is the permit state graph. CLOSEOUT_IN_PROGRESS and CLOSED are
// only reachable through the closeout workflow, never via a direct
// transition, so the graph ends at INSPECTED.
var transitions = map[string][]string{
	StatusDraft:               {StatusSubmitted},
	StatusSubmitted:           {StatusUnderReview},
	StatusUnderReview:         {StatusApproved, StatusRejected, StatusNeedsRevision},
	StatusNeedsRevision:       {StatusSubmitted},
	StatusApproved:            {StatusInspectionScheduled},
	StatusInspectionScheduled: {StatusInspected},
}

// CanTransition reports whether target is a direct successor of from.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Successors returns the statuses reachable from the given status.
func Successors(from string) []string {
	return transitions[from]
}

// Terminal reports whether a status has no outgoing edges at all.
func Terminal(status string) bool {
	return status == StatusRejected || status == StatusClosed
}

// ValidStatus reports whether s is a known permit status.
func ValidStatus(s string) bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusUnderReview, StatusApproved,
		StatusRejected, StatusNeedsRevision, StatusInspectionScheduled,
		StatusInspected, StatusCloseoutInProgress, StatusClosed:
		return true
	}
	return false
}

// ValidRole reports whether r is a known role.
func ValidRole(r string) bool {
	switch r {
	case RoleApplicant, RoleContractor, RoleEngineer, RoleInspector, RoleCity, RoleAdmin:
		return true
	}
	return false
}

// CrossOrgRole reports whether the role may read permits across
// organizations.
func CrossOrgRole(r string) bool {
	return r == RoleInspector || r == RoleCity || r == RoleAdmin
}
