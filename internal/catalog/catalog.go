package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"github.com/tonipapic/drbackup/internal/catalog/migrations"
)

var (
	ErrRecordNotFound  = errors.New("backup record not found")
	ErrSessionNotFound = errors.New("recovery session not found")
)

// Catalog is the durable store for chain metadata and recovery sessions.
// It must survive process restarts: chain resolution and resumable recovery
// both read their state from here.
type Catalog struct {
	db *sql.DB
}

// Open opens (creating if needed) the catalog at path and applies pending
// migrations. Use ":memory:" for tests.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Catalog{db: db}, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

// CommitRecord persists a record and its object refs in one transaction.
// This is the atomic commit point of a backup: until it returns, the record
// does not exist and cannot be seen as a chain terminus.
func (c *Catalog) CommitRecord(ctx context.Context, rec *BackupRecord, objects []ObjectRef) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	var parent any
	if rec.ParentID != "" {
		parent = rec.ParentID
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO backup_records
			(id, dataset, type, parent_id, created_at, manifest_key, aggregate_hash, total_size, file_count, status, failure)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '')`,
		rec.ID, rec.Dataset, string(rec.Type), parent, rec.CreatedAt, rec.ManifestKey, rec.AggregateHash, rec.TotalSize, rec.FileCount, string(rec.Status))
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO record_objects (record_id, path, hash, size) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare object insert: %w", err)
	}
	defer stmt.Close()
	for _, obj := range objects {
		if _, err := stmt.ExecContext(ctx, rec.ID, obj.Path, obj.Hash, obj.Size); err != nil {
			return fmt.Errorf("insert object %s: %w", obj.Path, err)
		}
	}

	return tx.Commit()
}

func (c *Catalog) GetRecord(ctx context.Context, id string) (*BackupRecord, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, dataset, type, COALESCE(parent_id, ''), created_at, manifest_key, aggregate_hash, total_size, file_count, status, verified_at, failure
		FROM backup_records WHERE id = ?`, id)
	return scanRecord(row)
}

// ListRecords returns every record for a dataset, oldest first.
func (c *Catalog) ListRecords(ctx context.Context, dataset string) ([]*BackupRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, dataset, type, COALESCE(parent_id, ''), created_at, manifest_key, aggregate_hash, total_size, file_count, status, verified_at, failure
		FROM backup_records WHERE dataset = ? ORDER BY created_at, id`, dataset)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []*BackupRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RecordObjects returns the object refs a record owns, ordered by path.
func (c *Catalog) RecordObjects(ctx context.Context, recordID string) ([]ObjectRef, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT path, hash, size FROM record_objects WHERE record_id = ? ORDER BY path`, recordID)
	if err != nil {
		return nil, fmt.Errorf("list record objects: %w", err)
	}
	defer rows.Close()

	var refs []ObjectRef
	for rows.Next() {
		var ref ObjectRef
		if err := rows.Scan(&ref.Path, &ref.Hash, &ref.Size); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// SetVerification transitions a record's verification status. The failure
// detail is retained for audit even after a later successful re-verify.
func (c *Catalog) SetVerification(ctx context.Context, id string, status VerificationStatus, failure string) error {
	now := time.Now().UTC()
	res, err := c.db.ExecContext(ctx, `UPDATE backup_records SET status = ?, verified_at = ?, failure = ? WHERE id = ?`,
		string(status), now, failure, id)
	if err != nil {
		return fmt.Errorf("set verification: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("record %s: %w", id, ErrRecordNotFound)
	}
	return nil
}

// Terminus returns the newest non-quarantined record for a dataset: the base
// the next incremental chains off. ErrRecordNotFound when no usable record
// exists.
func (c *Catalog) Terminus(ctx context.Context, dataset string) (*BackupRecord, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, dataset, type, COALESCE(parent_id, ''), created_at, manifest_key, aggregate_hash, total_size, file_count, status, verified_at, failure
		FROM backup_records WHERE dataset = ? AND status != 'failed'
		ORDER BY created_at DESC, id DESC LIMIT 1`, dataset)
	return scanRecord(row)
}

// LatestFull returns the newest non-quarantined full record, or
// ErrRecordNotFound.
func (c *Catalog) LatestFull(ctx context.Context, dataset string) (*BackupRecord, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, dataset, type, COALESCE(parent_id, ''), created_at, manifest_key, aggregate_hash, total_size, file_count, status, verified_at, failure
		FROM backup_records WHERE dataset = ? AND type = 'full' AND status != 'failed'
		ORDER BY created_at DESC, id DESC LIMIT 1`, dataset)
	return scanRecord(row)
}

// RecordAsOf returns the newest verified record created at or before t.
func (c *Catalog) RecordAsOf(ctx context.Context, dataset string, t time.Time) (*BackupRecord, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, dataset, type, COALESCE(parent_id, ''), created_at, manifest_key, aggregate_hash, total_size, file_count, status, verified_at, failure
		FROM backup_records WHERE dataset = ? AND status = 'verified' AND created_at <= ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, dataset, t)
	return scanRecord(row)
}

// DeleteRecord removes a record and (via cascade) its object refs.
func (c *Catalog) DeleteRecord(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM backup_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// ObjectReferenced reports whether any surviving record still references the
// content hash. Pruning must not delete shared objects.
func (c *Catalog) ObjectReferenced(ctx context.Context, hash string) (bool, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM record_objects WHERE hash = ?`, hash).Scan(&n); err != nil {
		return false, fmt.Errorf("count references: %w", err)
	}
	return n > 0, nil
}

func scanRecord(row interface{ Scan(...any) error }) (*BackupRecord, error) {
	var rec BackupRecord
	var typ, status string
	var verifiedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.Dataset, &typ, &rec.ParentID, &rec.CreatedAt, &rec.ManifestKey, &rec.AggregateHash,
		&rec.TotalSize, &rec.FileCount, &status, &verifiedAt, &rec.Failure)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}
	rec.Type = BackupType(typ)
	rec.Status = VerificationStatus(status)
	if verifiedAt.Valid {
		t := verifiedAt.Time
		rec.VerifiedAt = &t
	}
	return &rec, nil
}

func marshalStrings(values []string) string {
	if values == nil {
		values = []string{}
	}
	data, _ := json.Marshal(values)
	return string(data)
}

func unmarshalStrings(data string) []string {
	var out []string
	_ = json.Unmarshal([]byte(data), &out)
	return out
}
