package permitlinesdk

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Permitline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Permit represents the API permit model.
type Permit struct {
	ID            string  `json:"id"`
	OrgID         string  `json:"org_id"`
	Status        string  `json:"status"`
	Fee           float64 `json:"fee"`
	PaymentStatus string  `json:"payment_status"`
	Applicant     struct {
		Name         string `json:"name"`
		Organization string `json:"organization,omitempty"`
		Contact      string `json:"contact,omitempty"`
	} `json:"applicant"`
	ProjectDetails struct {
		Type    string `json:"type"`
		Address string `json:"address"`
	} `json:"project_details"`
	CreatedAt    string `json:"created_at"`
	LastModified string `json:"last_modified"`
}

// PermitDetail is a permit read reconciled against the ledger mirror.
type PermitDetail struct {
	Permit
	LedgerEntries    int64 `json:"ledger_entries"`
	LedgerDivergence bool  `json:"ledger_divergence"`
}

// HistoryEntry is one audit row.
type HistoryEntry struct {
	ID          int64          `json:"id"`
	PermitID    string         `json:"permit_id"`
	Action      string         `json:"action"`
	TS          string         `json:"ts"`
	PerformedBy string         `json:"performed_by"`
	Details     map[string]any `json:"details,omitempty"`
}

// Document is a closeout document.
type Document struct {
	ID          string `json:"id"`
	PermitID    string `json:"permit_id"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	ContentHash string `json:"content_hash"`
	Status      string `json:"status"`
	UploadedBy  string `json:"uploaded_by"`
	UploadedAt  string `json:"uploaded_at"`
}

// Signature is a closeout signature.
type Signature struct {
	ID             string `json:"id"`
	PermitID       string `json:"permit_id"`
	DocumentID     string `json:"document_id"`
	SignerRole     string `json:"signer_role"`
	SignerIdentity string `json:"signer_identity"`
	SignedAt       string `json:"signed_at"`
	Verified       bool   `json:"verified"`
}

// Closeout is the closeout record for a permit.
type Closeout struct {
	PermitID            string   `json:"permit_id"`
	Status              string   `json:"status"`
	RequiredDocTypes    []string `json:"required_document_types"`
	RequiredSignerRoles []string `json:"required_signer_roles"`
	InitiatedBy         string   `json:"initiated_by"`
	InitiatedAt         string   `json:"initiated_at"`
	Certificate         *struct {
		ID       string `json:"id"`
		PermitID string `json:"permit_id"`
		IssuedAt string `json:"issued_at"`
		Summary  string `json:"summary"`
	} `json:"closure_certificate,omitempty"`
}

// Eligibility is the closure readiness report.
type Eligibility struct {
	Eligible           bool     `json:"eligible"`
	CloseoutStatus     string   `json:"closeout_status"`
	MissingDocTypes    []string `json:"missing_document_types,omitempty"`
	UnverifiedDocTypes []string `json:"unverified_document_types,omitempty"`
	MissingSignerRoles []string `json:"missing_signer_roles,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedPermits wraps list responses with cursors.
type PaginatedPermits struct {
	Items      []Permit `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

// CreatePermit creates a permit application.
func (c *Client) CreatePermit(ctx context.Context, applicantName, permitType, address string, submit bool) (Permit, error) {
	body := map[string]any{
		"applicant":       map[string]any{"name": applicantName},
		"project_details": map[string]any{"type": permitType, "address": address},
		"submit":          submit,
	}
	var resp Permit
	err := c.do(ctx, http.MethodPost, "permits", body, &resp)
	return resp, err
}

// GetPermit fetches a permit with ledger reconciliation.
func (c *Client) GetPermit(ctx context.Context, id string) (PermitDetail, error) {
	var resp PermitDetail
	err := c.do(ctx, http.MethodGet, "permits/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListPermits returns a page of permits.
func (c *Client) ListPermits(ctx context.Context, status string, limit int, cursor string) (PaginatedPermits, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "permits"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedPermits
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transition moves a permit to a new status.
func (c *Client) Transition(ctx context.Context, id, target string) (Permit, error) {
	var resp Permit
	err := c.do(ctx, http.MethodPost, "permits/"+url.PathEscape(id)+"/transition", map[string]any{"target": target}, &resp)
	return resp, err
}

// RecordPayment records the fee payment.
func (c *Client) RecordPayment(ctx context.Context, id string) (Permit, error) {
	var resp Permit
	err := c.do(ctx, http.MethodPost, "permits/"+url.PathEscape(id)+"/payment", nil, &resp)
	return resp, err
}

// History returns the audit history for a permit.
func (c *Client) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	var resp struct {
		Items []HistoryEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "permits/"+url.PathEscape(id)+"/history", nil, &resp)
	return resp.Items, err
}

// InitiateCloseout starts the closeout workflow.
func (c *Client) InitiateCloseout(ctx context.Context, id string, approved bool, inspectorID string) (Closeout, error) {
	body := map[string]any{
		"inspection": map[string]any{"approved": approved, "inspector_id": inspectorID},
	}
	var resp Closeout
	err := c.do(ctx, http.MethodPost, "permits/"+url.PathEscape(id)+"/closeout", body, &resp)
	return resp, err
}

// GetCloseout fetches the closeout record.
func (c *Client) GetCloseout(ctx context.Context, id string) (Closeout, error) {
	var resp Closeout
	err := c.do(ctx, http.MethodGet, "permits/"+url.PathEscape(id)+"/closeout", nil, &resp)
	return resp, err
}

// AttachDocument uploads a closeout document.
func (c *Client) AttachDocument(ctx context.Context, id, docType, name, contentType string, content []byte) (Document, error) {
	body := map[string]any{
		"type":         docType,
		"name":         name,
		"content_type": contentType,
	}
	if len(content) > 0 {
		body["content"] = base64.StdEncoding.EncodeToString(content)
	}
	var resp Document
	err := c.do(ctx, http.MethodPost, "permits/"+url.PathEscape(id)+"/closeout/documents", body, &resp)
	return resp, err
}

// AttachSignature records a signature against a document.
func (c *Client) AttachSignature(ctx context.Context, id, documentID, signerRole, signerIdentity string, verified bool) (Signature, error) {
	body := map[string]any{
		"document_id":     documentID,
		"signer_role":     signerRole,
		"signer_identity": signerIdentity,
		"verified":        verified,
	}
	var resp Signature
	err := c.do(ctx, http.MethodPost, "permits/"+url.PathEscape(id)+"/closeout/signatures", body, &resp)
	return resp, err
}

// VerifyDocument applies a VERIFIED or REJECTED verdict.
func (c *Client) VerifyDocument(ctx context.Context, id, documentID, verdict string) (Document, error) {
	var resp Document
	endpoint := "permits/" + url.PathEscape(id) + "/documents/" + url.PathEscape(documentID) + "/verify"
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"verdict": verdict}, &resp)
	return resp, err
}

// Eligibility evaluates closure readiness.
func (c *Client) Eligibility(ctx context.Context, id string) (Eligibility, error) {
	var resp Eligibility
	err := c.do(ctx, http.MethodGet, "permits/"+url.PathEscape(id)+"/closeout/eligibility", nil, &resp)
	return resp, err
}

// ClosePermit closes an eligible permit.
func (c *Client) ClosePermit(ctx context.Context, id string) (Closeout, error) {
	var resp Closeout
	err := c.do(ctx, http.MethodPost, "permits/"+url.PathEscape(id)+"/close", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
