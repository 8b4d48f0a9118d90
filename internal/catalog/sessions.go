package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateSession persists a new recovery session and its object cursor rows in
// one transaction.
func (c *Catalog) CreateSession(ctx context.Context, s *RecoverySession, objects []SessionObject) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO recovery_sessions
			(id, dataset, target_record_id, requested_record_id, target_dir, scope, chain, state, failure, failed_files, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '[]', ?, ?)`,
		s.ID, s.Dataset, s.TargetRecordID, s.RequestedRecordID, s.TargetDir,
		marshalStrings(s.Scope), marshalStrings(s.Chain), string(s.State), s.Failure, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO session_objects (session_id, hash, size, status, token) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare session object insert: %w", err)
	}
	defer stmt.Close()
	for _, obj := range objects {
		if _, err := stmt.ExecContext(ctx, s.ID, obj.Hash, obj.Size, string(obj.Status), obj.Token); err != nil {
			return fmt.Errorf("insert session object %s: %w", obj.Hash, err)
		}
	}

	return tx.Commit()
}

func (c *Catalog) GetSession(ctx context.Context, id string) (*RecoverySession, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, dataset, target_record_id, requested_record_id, target_dir, scope, chain, state, failure, failed_files, created_at, updated_at, completed_at
		FROM recovery_sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns every session for a dataset, newest first.
func (c *Catalog) ListSessions(ctx context.Context, dataset string) ([]*RecoverySession, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, dataset, target_record_id, requested_record_id, target_dir, scope, chain, state, failure, failed_files, created_at, updated_at, completed_at
		FROM recovery_sessions WHERE dataset = ? ORDER BY created_at DESC, id DESC`, dataset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*RecoverySession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// SetSessionState transitions a session. Terminal states also stamp
// completed_at, which feeds the recovery-duration (RTO) statistics.
func (c *Catalog) SetSessionState(ctx context.Context, id string, state SessionState, failure string) error {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	if state.Terminal() {
		res, err = c.db.ExecContext(ctx, `UPDATE recovery_sessions SET state = ?, failure = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
			string(state), failure, now, now, id)
	} else {
		res, err = c.db.ExecContext(ctx, `UPDATE recovery_sessions SET state = ?, failure = ?, updated_at = ? WHERE id = ?`,
			string(state), failure, now, id)
	}
	if err != nil {
		return fmt.Errorf("set session state: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return nil
}

// SetSessionFailedFiles records per-file apply failures for audit.
func (c *Catalog) SetSessionFailedFiles(ctx context.Context, id string, files []string) error {
	_, err := c.db.ExecContext(ctx, `UPDATE recovery_sessions SET failed_files = ?, updated_at = ? WHERE id = ?`,
		marshalStrings(files), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set failed files: %w", err)
	}
	return nil
}

// SessionObjects returns the retrieval cursor rows for a session, ordered by
// hash for deterministic scheduling.
func (c *Catalog) SessionObjects(ctx context.Context, sessionID string) ([]SessionObject, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT session_id, hash, size, status, token FROM session_objects WHERE session_id = ? ORDER BY hash`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session objects: %w", err)
	}
	defer rows.Close()

	var objects []SessionObject
	for rows.Next() {
		var obj SessionObject
		var status string
		if err := rows.Scan(&obj.SessionID, &obj.Hash, &obj.Size, &status, &obj.Token); err != nil {
			return nil, err
		}
		obj.Status = ObjectStatus(status)
		objects = append(objects, obj)
	}
	return objects, rows.Err()
}

// SetSessionObject advances one object's retrieval cursor.
func (c *Catalog) SetSessionObject(ctx context.Context, sessionID, hash string, status ObjectStatus, token string) error {
	res, err := c.db.ExecContext(ctx, `UPDATE session_objects SET status = ?, token = ? WHERE session_id = ? AND hash = ?`,
		string(status), token, sessionID, hash)
	if err != nil {
		return fmt.Errorf("set session object: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session object %s/%s: %w", sessionID, hash, ErrSessionNotFound)
	}
	return nil
}

// RecentRecoveryDurations returns the wall-clock durations of the last n
// completed recoveries, newest first. Feeds the RTO estimate.
func (c *Catalog) RecentRecoveryDurations(ctx context.Context, dataset string, n int) ([]time.Duration, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT created_at, completed_at FROM recovery_sessions
		WHERE dataset = ? AND completed_at IS NOT NULL AND state IN ('completed', 'completed_with_errors')
		ORDER BY completed_at DESC LIMIT ?`, dataset, n)
	if err != nil {
		return nil, fmt.Errorf("list recovery durations: %w", err)
	}
	defer rows.Close()

	var durations []time.Duration
	for rows.Next() {
		var created, completed time.Time
		if err := rows.Scan(&created, &completed); err != nil {
			return nil, err
		}
		durations = append(durations, completed.Sub(created))
	}
	return durations, rows.Err()
}

func scanSession(row interface{ Scan(...any) error }) (*RecoverySession, error) {
	var s RecoverySession
	var scope, chain, failedFiles, state string
	var completedAt sql.NullTime
	err := row.Scan(&s.ID, &s.Dataset, &s.TargetRecordID, &s.RequestedRecordID, &s.TargetDir,
		&scope, &chain, &state, &s.Failure, &failedFiles, &s.CreatedAt, &s.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	s.Scope = unmarshalStrings(scope)
	s.Chain = unmarshalStrings(chain)
	s.FailedFiles = unmarshalStrings(failedFiles)
	s.State = SessionState(state)
	if completedAt.Valid {
		t := completedAt.Time
		s.CompletedAt = &t
	}
	return &s, nil
}
