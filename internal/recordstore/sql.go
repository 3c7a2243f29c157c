package recordstore

import (
	"context"
	"database/sql"
	"fmt"
)

// recordsSchema holds every store in one table, partitioned by bucket.
// Each mutation touches a single row, so MySQL's row-level atomicity
// replaces the whole-document rewrite of FileBackend.
const recordsSchema = `CREATE TABLE IF NOT EXISTS records (
    bucket     VARCHAR(64)  NOT NULL,
    record_key VARCHAR(191) NOT NULL,
    payload    JSON         NOT NULL,
    updated_at TIMESTAMP    NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    PRIMARY KEY (bucket, record_key)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

// EnsureSchema creates the records table when it does not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, recordsSchema); err != nil {
		return fmt.Errorf("creating records table: %w", err)
	}
	return nil
}

// SQLBackend stores one bucket of the records table.
type SQLBackend struct {
	db     *sql.DB
	bucket string
}

// NewSQLBackend returns a backend for bucket.  Call EnsureSchema once
// before opening stores on it.
func NewSQLBackend(db *sql.DB, bucket string) *SQLBackend {
	return &SQLBackend{db: db, bucket: bucket}
}

func (b *SQLBackend) Load(ctx context.Context) (map[string][]byte, error) {
	rows, err := b.db.QueryContext(ctx,
		"SELECT record_key, payload FROM records WHERE bucket = ?", b.bucket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]byte{}
	for rows.Next() {
		var (
			key     string
			payload []byte
		)
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, err
		}
		out[key] = payload
	}
	return out, rows.Err()
}

func (b *SQLBackend) Save(ctx context.Context, key string, payload []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO records (bucket, record_key, payload) VALUES (?, ?, ?)
         ON DUPLICATE KEY UPDATE payload = VALUES(payload)`,
		b.bucket, key, payload)
	return err
}

func (b *SQLBackend) Delete(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx,
		"DELETE FROM records WHERE bucket = ? AND record_key = ?", b.bucket, key)
	return err
}

// Move deletes oldKey and inserts newKey inside one transaction.
func (b *SQLBackend) Move(ctx context.Context, oldKey, newKey string, payload []byte) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM records WHERE bucket = ? AND record_key = ?", b.bucket, oldKey); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO records (bucket, record_key, payload) VALUES (?, ?, ?)",
		b.bucket, newKey, payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}
