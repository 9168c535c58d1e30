// Package ledger keeps a local record of completed uploads so the server can
// list stored files and clean them up later. It is bookkeeping only; the
// object payloads live in the storage service.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"stow/pkg/storage"
)

// ErrNotFound is returned when no entry exists for the requested id.
var ErrNotFound = errors.New("upload not found")

// Entry is one recorded upload.
type Entry struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	storage.FileInfo
}

// Ledger stores upload records in a SQLite database.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if necessary) the ledger database at path.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Ledger{db: db}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS uploads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fieldname TEXT NOT NULL,
			original_name TEXT,
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			acl TEXT,
			content_type TEXT,
			cache_control TEXT,
			content_disposition TEXT,
			content_encoding TEXT,
			storage_class TEXT,
			server_side_encryption TEXT,
			metadata TEXT,
			location TEXT,
			etag TEXT,
			version_id TEXT,
			size INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS upload_transforms (
			upload_id INTEGER NOT NULL,
			ord INTEGER NOT NULL,
			transform_key TEXT NOT NULL,
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			content_type TEXT,
			location TEXT,
			etag TEXT,
			version_id TEXT,
			size INTEGER NOT NULL,
			PRIMARY KEY (upload_id, ord),
			FOREIGN KEY(upload_id) REFERENCES uploads(id) ON DELETE CASCADE
		);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// withTransaction runs fn within a database transaction.
func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("error executing transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

// Record stores an upload result and returns its ledger id.
func (l *Ledger) Record(ctx context.Context, info *storage.FileInfo) (int64, error) {
	var metadata []byte
	if len(info.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(info.Metadata)
		if err != nil {
			return 0, fmt.Errorf("encode metadata: %w", err)
		}
	}

	var id int64
	err := withTransaction(ctx, l.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO uploads(
				fieldname, original_name, bucket, key, acl, content_type,
				cache_control, content_disposition, content_encoding,
				storage_class, server_side_encryption, metadata,
				location, etag, version_id, size, created_at)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			info.Fieldname, info.OriginalName, info.Bucket, info.Key,
			info.ACL, info.ContentType, info.CacheControl,
			info.ContentDisposition, info.ContentEncoding, info.StorageClass,
			info.ServerSideEncryption, string(metadata), info.Location,
			info.ETag, info.VersionID, info.Size, time.Now().UTC(),
		)
		if err != nil {
			return err
		}

		id, err = res.LastInsertId()
		if err != nil {
			return err
		}

		for ord, tr := range info.Transforms {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO upload_transforms(
					upload_id, ord, transform_key, bucket, key, content_type,
					location, etag, version_id, size)
				 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				id, ord, tr.TransformKey, tr.Bucket, tr.Key, tr.ContentType,
				tr.Location, tr.ETag, tr.VersionID, tr.Size,
			); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("record upload: %w", err)
	}

	return id, nil
}

func scanEntry(row *sql.Row) (*Entry, error) {
	var (
		e        Entry
		metadata sql.NullString
	)
	err := row.Scan(
		&e.ID, &e.Fieldname, &e.OriginalName, &e.Bucket, &e.Key, &e.ACL,
		&e.ContentType, &e.CacheControl, &e.ContentDisposition,
		&e.ContentEncoding, &e.StorageClass, &e.ServerSideEncryption,
		&metadata, &e.Location, &e.ETag, &e.VersionID, &e.Size, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}

	return &e, nil
}

const entryColumns = `id, fieldname, original_name, bucket, key, acl,
	content_type, cache_control, content_disposition, content_encoding,
	storage_class, server_side_encryption, metadata, location, etag,
	version_id, size, created_at`

// Get returns a single entry, including its transform records.
func (l *Ledger) Get(ctx context.Context, id int64) (*Entry, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM uploads WHERE id = ?`, id)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup upload %d: %w", id, err)
	}

	if err := l.loadTransforms(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (l *Ledger) loadTransforms(ctx context.Context, e *Entry) error {
	rows, err := l.db.QueryContext(ctx,
		`SELECT transform_key, bucket, key, content_type, location, etag,
			version_id, size
		 FROM upload_transforms WHERE upload_id = ? ORDER BY ord`, e.ID)
	if err != nil {
		return fmt.Errorf("list transforms for upload %d: %w", e.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var tr storage.TransformInfo
		if err := rows.Scan(&tr.TransformKey, &tr.Bucket, &tr.Key,
			&tr.ContentType, &tr.Location, &tr.ETag, &tr.VersionID,
			&tr.Size); err != nil {
			return fmt.Errorf("scan transform: %w", err)
		}
		e.Transforms = append(e.Transforms, tr)
	}
	return rows.Err()
}

// List returns all entries, newest first, including transform records.
func (l *Ledger) List(ctx context.Context) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM uploads ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			metadata sql.NullString
		)
		if err := rows.Scan(
			&e.ID, &e.Fieldname, &e.OriginalName, &e.Bucket, &e.Key, &e.ACL,
			&e.ContentType, &e.CacheControl, &e.ContentDisposition,
			&e.ContentEncoding, &e.StorageClass, &e.ServerSideEncryption,
			&metadata, &e.Location, &e.ETag, &e.VersionID, &e.Size,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range entries {
		if err := l.loadTransforms(ctx, &entries[i]); err != nil {
			return nil, err
		}
	}

	return entries, nil
}

// Delete removes an entry and its transform records. Transform rows are
// deleted explicitly rather than relying on the foreign-key pragma being set
// on every pooled connection.
func (l *Ledger) Delete(ctx context.Context, id int64) error {
	return withTransaction(ctx, l.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM upload_transforms WHERE upload_id = ?`, id); err != nil {
			return fmt.Errorf("delete transforms for upload %d: %w", id, err)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM uploads WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete upload %d: %w", id, err)
		}

		rows, err := res.RowsAffected()
		if err == nil && rows == 0 {
			return ErrNotFound
		}
		return err
	})
}
