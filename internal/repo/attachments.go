package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"permitline/internal/domain"
)

func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO documents(id,permit_id,doc_type,name,content_type,content_hash,uploaded_by,uploaded_at,status) VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.PermitID, d.Type, d.Name, nullable(d.ContentType), d.ContentHash, d.UploadedBy, d.UploadedAt, d.Status)
	return err
}

func (r Repo) UpdateDocumentStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE documents SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	var d domain.Document
	var contentType sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,permit_id,doc_type,name,content_type,content_hash,uploaded_by,uploaded_at,status FROM documents WHERE id=?`, id).
		Scan(&d.ID, &d.PermitID, &d.Type, &d.Name, &contentType, &d.ContentHash, &d.UploadedBy, &d.UploadedAt, &d.Status)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if contentType.Valid {
		d.ContentType = contentType.String
	}
	return d, err
}

// ListDocuments returns a permit's documents in upload order.
func (r Repo) ListDocuments(ctx context.Context, permitID string) ([]domain.Document, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,permit_id,doc_type,name,content_type,content_hash,uploaded_by,uploaded_at,status FROM documents WHERE permit_id=? ORDER BY uploaded_at ASC, id ASC`, permitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		var d domain.Document
		var contentType sql.NullString
		if err := rows.Scan(&d.ID, &d.PermitID, &d.Type, &d.Name, &contentType, &d.ContentHash, &d.UploadedBy, &d.UploadedAt, &d.Status); err != nil {
			return nil, err
		}
		if contentType.Valid {
			d.ContentType = contentType.String
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) InsertSignature(ctx context.Context, tx *sql.Tx, s domain.Signature) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO signatures(id,permit_id,document_id,signer_role,signer_identity,signed_at,verified) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.PermitID, s.DocumentID, s.SignerRole, s.SignerIdentity, s.SignedAt, boolToInt(s.Verified))
	return err
}

// ListSignatures returns a permit's signatures in insertion order.
func (r Repo) ListSignatures(ctx context.Context, permitID string) ([]domain.Signature, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,permit_id,document_id,signer_role,signer_identity,signed_at,verified FROM signatures WHERE permit_id=? ORDER BY signed_at ASC, id ASC`, permitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Signature
	for rows.Next() {
		var s domain.Signature
		var verified int
		if err := rows.Scan(&s.ID, &s.PermitID, &s.DocumentID, &s.SignerRole, &s.SignerIdentity, &s.SignedAt, &verified); err != nil {
			return nil, err
		}
		s.Verified = verified != 0
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertCloseout(ctx context.Context, tx *sql.Tx, c domain.CloseoutRecord) error {
	docs, err := json.Marshal(c.RequiredDocTypes)
	if err != nil {
		return err
	}
	roles, err := json.Marshal(c.RequiredSignerRoles)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO closeouts(permit_id,status,required_doc_types_json,required_signer_roles_json,initiated_by,initiated_at,certificate_json) VALUES (?,?,?,?,?,?,?)`,
		c.PermitID, c.Status, string(docs), string(roles), c.InitiatedBy, c.InitiatedAt, nil)
	return err
}

func (r Repo) UpdateCloseoutStatus(ctx context.Context, tx *sql.Tx, permitID, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE closeouts SET status=? WHERE permit_id=?`, status, permitID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCloseoutCertificate stores the certificate only when none exists yet,
// so a permit can never end up with two certificates.
func (r Repo) SetCloseoutCertificate(ctx context.Context, tx *sql.Tx, permitID string, cert domain.ClosureCertificate) (bool, error) {
	data, err := json.Marshal(cert)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE closeouts SET certificate_json=?, status=? WHERE permit_id=? AND certificate_json IS NULL`,
		string(data), domain.CloseoutClosed, permitID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetCloseout(ctx context.Context, permitID string) (domain.CloseoutRecord, error) {
	return r.getCloseout(ctx, r.DB.QueryRowContext(ctx, `SELECT permit_id,status,required_doc_types_json,required_signer_roles_json,initiated_by,initiated_at,certificate_json FROM closeouts WHERE permit_id=?`, permitID))
}

func (r Repo) GetCloseoutTx(ctx context.Context, tx *sql.Tx, permitID string) (domain.CloseoutRecord, error) {
	return r.getCloseout(ctx, tx.QueryRowContext(ctx, `SELECT permit_id,status,required_doc_types_json,required_signer_roles_json,initiated_by,initiated_at,certificate_json FROM closeouts WHERE permit_id=?`, permitID))
}

func (r Repo) getCloseout(ctx context.Context, row *sql.Row) (domain.CloseoutRecord, error) {
	var c domain.CloseoutRecord
	var docs, roles string
	var cert sql.NullString
	err := row.Scan(&c.PermitID, &c.Status, &docs, &roles, &c.InitiatedBy, &c.InitiatedAt, &cert)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(docs), &c.RequiredDocTypes); err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(roles), &c.RequiredSignerRoles); err != nil {
		return c, err
	}
	if cert.Valid && cert.String != "" {
		var cc domain.ClosureCertificate
		if err := json.Unmarshal([]byte(cert.String), &cc); err != nil {
			return c, err
		}
		c.Certificate = &cc
	}
	return c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
