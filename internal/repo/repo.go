package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"permitline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const permitColumns = `id,org_id,applicant_name,applicant_org,applicant_contact,project_type,project_address,project_description,project_floor_area,project_occupancy,status,fee,payment_status,compliance_json,created_at,last_modified`

type permitScanner interface {
	Scan(dest ...any) error
}

func scanPermit(row permitScanner) (domain.Permit, error) {
	var p domain.Permit
	var applicantOrg, applicantContact, projectDesc, occupancy, compliance sql.NullString
	var floorArea sql.NullFloat64
	err := row.Scan(&p.ID, &p.OrgID, &p.Applicant.Name, &applicantOrg, &applicantContact,
		&p.ProjectDetails.Type, &p.ProjectDetails.Address, &projectDesc, &floorArea, &occupancy,
		&p.Status, &p.Fee, &p.PaymentStatus, &compliance, &p.CreatedAt, &p.LastModified)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if applicantOrg.Valid {
		p.Applicant.Organization = applicantOrg.String
	}
	if applicantContact.Valid {
		p.Applicant.Contact = applicantContact.String
	}
	if projectDesc.Valid {
		p.ProjectDetails.Description = projectDesc.String
	}
	if floorArea.Valid {
		p.ProjectDetails.FloorArea = floorArea.Float64
	}
	if occupancy.Valid {
		p.ProjectDetails.OccupancyType = occupancy.String
	}
	if compliance.Valid && compliance.String != "" {
		var ca domain.ComplianceAnalysis
		if err := json.Unmarshal([]byte(compliance.String), &ca); err == nil {
			p.Compliance = &ca
		}
	}
	return p, nil
}

func (r Repo) InsertPermit(ctx context.Context, tx *sql.Tx, p domain.Permit) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO permits(`+permitColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.OrgID, p.Applicant.Name, nullable(p.Applicant.Organization), nullable(p.Applicant.Contact),
		p.ProjectDetails.Type, p.ProjectDetails.Address, nullable(p.ProjectDetails.Description),
		nullableFloat(p.ProjectDetails.FloorArea), nullable(p.ProjectDetails.OccupancyType),
		p.Status, p.Fee, p.PaymentStatus, nil, p.CreatedAt, p.LastModified)
	return err
}

func (r Repo) GetPermit(ctx context.Context, id string) (domain.Permit, error) {
	return scanPermit(r.DB.QueryRowContext(ctx, `SELECT `+permitColumns+` FROM permits WHERE id=?`, id))
}

func (r Repo) GetPermitTx(ctx context.Context, tx *sql.Tx, id string) (domain.Permit, error) {
	return scanPermit(tx.QueryRowContext(ctx, `SELECT `+permitColumns+` FROM permits WHERE id=?`, id))
}

// UpdatePermitStatus performs the guarded status write: the row is only
// updated when its status still matches the expected source status, so
// exactly one of two concurrent transitions from the same status wins.
func (r Repo) UpdatePermitStatus(ctx context.Context, tx *sql.Tx, id, expected, target, lastModified string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE permits SET status=?, last_modified=? WHERE id=? AND status=?`,
		target, lastModified, id, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) UpdatePaymentStatus(ctx context.Context, tx *sql.Tx, id, paymentStatus, lastModified string) error {
	res, err := tx.ExecContext(ctx, `UPDATE permits SET payment_status=?, last_modified=? WHERE id=?`,
		paymentStatus, lastModified, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateCompliance(ctx context.Context, tx *sql.Tx, id string, ca domain.ComplianceAnalysis, lastModified string) error {
	data, err := json.Marshal(ca)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE permits SET compliance_json=?, last_modified=? WHERE id=?`,
		string(data), lastModified, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PermitFilters narrows ListPermits. Zero values are ignored.
type PermitFilters struct {
	OrgID           string
	Status          string
	ApplicantName   string
	CreatedFrom     string
	CreatedTo       string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListPermits(ctx context.Context, f PermitFilters) ([]domain.Permit, error) {
	var clauses []string
	var args []any
	if f.OrgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, f.OrgID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ApplicantName != "" {
		clauses = append(clauses, "applicant_name=?")
		args = append(args, f.ApplicantName)
	}
	if f.CreatedFrom != "" {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.CreatedFrom)
	}
	if f.CreatedTo != "" {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, f.CreatedTo)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + permitColumns + ` FROM permits ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Permit
	for rows.Next() {
		p, err := scanPermit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) CountPermitsByStatus(ctx context.Context, orgID string) (map[string]int, error) {
	clauses := "1=1"
	var args []any
	if orgID != "" {
		clauses = "org_id=?"
		args = append(args, orgID)
	}
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`SELECT status, count(*) FROM permits WHERE %s GROUP BY status`, clauses), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// ListHistory returns history entries in insertion order.
func (r Repo) ListHistory(ctx context.Context, permitID string) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,permit_id,action,ts,performed_by,details_json FROM permit_history WHERE permit_id=? ORDER BY id ASC`, permitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		var details sql.NullString
		if err := rows.Scan(&h.ID, &h.PermitID, &h.Action, &h.TS, &h.PerformedBy, &details); err != nil {
			return nil, err
		}
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &h.Details)
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) CountHistory(ctx context.Context, permitID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM permit_history WHERE permit_id=?`, permitID).Scan(&n)
	return n, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableFloat(v float64) any {
	if v == 0 {
		return nil
	}
	return v
}
