package repo

import (
	"context"
	"database/sql"

	"clawgate/internal/domain"
)

const challengeColumns = `task_id,stage,hash_a,hash_b,status,created_at,expires_at`

func scanChallenge(row interface{ Scan(...any) error }) (domain.Challenge, error) {
	var c domain.Challenge
	err := row.Scan(&c.TaskID, &c.Stage, &c.HashA, &c.HashB, &c.Status, &c.CreatedAt, &c.ExpiresAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) InsertChallenge(ctx context.Context, tx *sql.Tx, c domain.Challenge) error {
	_, err := r.exec(ctx, tx, `INSERT INTO challenges(`+challengeColumns+`) VALUES (?,?,?,?,?,?,?)`,
		c.TaskID, c.Stage, c.HashA, c.HashB, c.Status, c.CreatedAt, c.ExpiresAt)
	return err
}

func (r Repo) GetChallenge(ctx context.Context, taskID, stage string) (domain.Challenge, error) {
	return scanChallenge(r.DB.QueryRowContext(ctx,
		`SELECT `+challengeColumns+` FROM challenges WHERE task_id=? AND stage=?`, taskID, stage))
}

// LatestPendingChallenge returns the most recently issued unconsumed,
// unexpired challenge for a task. Missing, consumed, and expired all come
// back as ErrNotFound; callers must not distinguish them outward.
func (r Repo) LatestPendingChallenge(ctx context.Context, taskID, now string) (domain.Challenge, error) {
	return scanChallenge(r.DB.QueryRowContext(ctx,
		`SELECT `+challengeColumns+` FROM challenges
WHERE task_id=? AND status=? AND expires_at>?
ORDER BY created_at DESC, stage DESC LIMIT 1`, taskID, domain.ChallengePending, now))
}

// ConsumeChallenge atomically flips a pending, unexpired challenge to
// consumed. The WHERE clause is the check-and-set: of any number of
// concurrent verifiers, exactly one observes an affected row.
func (r Repo) ConsumeChallenge(ctx context.Context, tx *sql.Tx, taskID, stage, now string) (bool, error) {
	res, err := r.exec(ctx, tx, `UPDATE challenges SET status=? WHERE task_id=? AND stage=? AND status=? AND expires_at>?`,
		domain.ChallengeConsumed, taskID, stage, domain.ChallengePending, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ActivateChallenge flips an undelivered challenge to pending. Only after
// this does the row become verifiable.
func (r Repo) ActivateChallenge(ctx context.Context, tx *sql.Tx, taskID, stage string) error {
	res, err := r.exec(ctx, tx, `UPDATE challenges SET status=? WHERE task_id=? AND stage=? AND status=?`,
		domain.ChallengePending, taskID, stage, domain.ChallengeUndelivered)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InvalidateChallenges voids every outstanding challenge for a task, e.g.
// when its draft is rejected. Undelivered rows are voided too.
func (r Repo) InvalidateChallenges(ctx context.Context, tx *sql.Tx, taskID string) error {
	_, err := r.exec(ctx, tx, `UPDATE challenges SET status=? WHERE task_id=? AND status IN (?,?)`,
		domain.ChallengeInvalidated, taskID, domain.ChallengePending, domain.ChallengeUndelivered)
	return err
}

// ExpiredChallengeTasks lists the task ids holding challenges that a sweep at
// now would reclaim.
func (r Repo) ExpiredChallengeTasks(ctx context.Context, tx *sql.Tx, now string) ([]string, error) {
	query := `SELECT DISTINCT task_id FROM challenges WHERE expires_at<=? AND status IN (?,?)`
	args := []any{now, domain.ChallengePending, domain.ChallengeUndelivered}
	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query, args...)
	} else {
		rows, err = r.DB.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteExpiredChallenges reclaims rows past expiry, stranded undelivered
// rows included. Expiry is otherwise enforced at verification time; this only
// bounds storage.
func (r Repo) DeleteExpiredChallenges(ctx context.Context, tx *sql.Tx, now string) (int64, error) {
	res, err := r.exec(ctx, tx, `DELETE FROM challenges WHERE expires_at<=? AND status IN (?,?)`,
		now, domain.ChallengePending, domain.ChallengeUndelivered)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
