// Package history appends audit entries to the permit_history table. Every
// permit mutation writes exactly one entry inside the mutating transaction.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Details map[string]any

// Append writes one history row inside the given transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, permitID, action, actorID string, details Details) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if details == nil {
		details = Details{}
	}
	data, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal history details: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO permit_history(permit_id,action,ts,performed_by,details_json) VALUES (?,?,?,?,?)`,
		permitID, action, ts, actorID, string(data))
	return err
}

// AppendDirect writes one history row outside any transaction. Used only
// for ledger sync failure annotations, which happen after the primary
// write has committed.
func (w Writer) AppendDirect(ctx context.Context, permitID, action, actorID string, details Details) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if details == nil {
		details = Details{}
	}
	data, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal history details: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO permit_history(permit_id,action,ts,performed_by,details_json) VALUES (?,?,?,?,?)`,
		permitID, action, ts, actorID, string(data))
	return err
}
