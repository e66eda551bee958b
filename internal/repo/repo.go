package repo

import (
	"context"
	"database/sql"
	"errors"

	"clawgate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	if tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return r.DB.ExecContext(ctx, query, args...)
}

const draftColumns = `task_id,action,payload,origin,status,high_risk,threats_json,created_at,expires_at,updated_at`

func scanDraft(row interface{ Scan(...any) error }) (domain.Draft, error) {
	var d domain.Draft
	var payload, threats sql.NullString
	var highRisk int
	err := row.Scan(&d.TaskID, &d.Action, &payload, &d.Origin, &d.Status, &highRisk, &threats, &d.CreatedAt, &d.ExpiresAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if payload.Valid {
		d.Payload = payload.String
	}
	if threats.Valid {
		s := threats.String
		d.ThreatsJSON = &s
	}
	d.HighRisk = highRisk != 0
	return d, nil
}

func (r Repo) InsertDraft(ctx context.Context, tx *sql.Tx, d domain.Draft) error {
	_, err := r.exec(ctx, tx, `INSERT INTO drafts(`+draftColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.TaskID, d.Action, nullable(d.Payload), d.Origin, d.Status, boolInt(d.HighRisk), nullableStringPtr(d.ThreatsJSON), d.CreatedAt, d.ExpiresAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDraft(ctx context.Context, taskID string) (domain.Draft, error) {
	return scanDraft(r.DB.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE task_id=?`, taskID))
}

// ListDrafts returns drafts newest first, optionally filtered by status.
func (r Repo) ListDrafts(ctx context.Context, status string, limit int) ([]domain.Draft, error) {
	query := `SELECT ` + draftColumns + ` FROM drafts`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, task_id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// TransitionDraft moves a draft from one status to another as a single
// check-and-set. It returns ErrNotFound when the draft is missing or not in
// the expected status, so concurrent transitions cannot both win.
func (r Repo) TransitionDraft(ctx context.Context, tx *sql.Tx, taskID, fromStatus, toStatus, updatedAt string) error {
	res, err := r.exec(ctx, tx, `UPDATE drafts SET status=?, updated_at=? WHERE task_id=? AND status=?`,
		toStatus, updatedAt, taskID, fromStatus)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ConfirmDraft flips a pending draft to confirmed, but only while the
// draft's own TTL still holds. A pending draft past expires_at stays
// unconfirmable no matter how fresh the challenge that vouched for it.
func (r Repo) ConfirmDraft(ctx context.Context, tx *sql.Tx, taskID, now string) error {
	res, err := r.exec(ctx, tx, `UPDATE drafts SET status=?, updated_at=? WHERE task_id=? AND status=? AND expires_at>?`,
		domain.DraftConfirmed, now, taskID, domain.DraftPending, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireDrafts marks pending drafts past their expiry. Returns the number of
// drafts reclaimed.
func (r Repo) ExpireDrafts(ctx context.Context, tx *sql.Tx, now string) (int64, error) {
	res, err := r.exec(ctx, tx, `UPDATE drafts SET status=?, updated_at=? WHERE status=? AND expires_at<=?`,
		domain.DraftExpired, now, domain.DraftPending, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
