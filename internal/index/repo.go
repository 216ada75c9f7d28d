package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// NoteRow is one written note in the ledger.
type NoteRow struct {
	ID        string
	Path      string
	Checksum  string
	WrittenAt time.Time
}

// RecordNote inserts or replaces the ledger entry for a note.
func (db *DB) RecordNote(ctx context.Context, n NoteRow) error {
	if n.WrittenAt.IsZero() {
		n.WrittenAt = time.Now().UTC()
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO synced_notes (id, path, checksum, written_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path       = excluded.path,
			checksum   = excluded.checksum,
			written_at = excluded.written_at
	`, n.ID, n.Path, n.Checksum, n.WrittenAt)
	if err != nil {
		return fmt.Errorf("index: record note: %w", err)
	}
	return nil
}

// GetNote returns the ledger entry for id, or nil when the note was never written.
func (db *DB) GetNote(ctx context.Context, id string) (*NoteRow, error) {
	var n NoteRow
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, path, checksum, written_at FROM synced_notes WHERE id = ?`, id,
	).Scan(&n.ID, &n.Path, &n.Checksum, &n.WrittenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("index: get note: %w", err)
	}
	return &n, nil
}

// CountNotes returns how many notes the ledger knows about.
func (db *DB) CountNotes(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, `SELECT count(*) FROM synced_notes`).Scan(&count); err != nil {
		return 0, fmt.Errorf("index: count notes: %w", err)
	}
	return count, nil
}

// ReportedArchived returns every archived path already reported to the server.
func (db *DB) ReportedArchived(ctx context.Context) (map[string]struct{}, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT path FROM archived_reports`)
	if err != nil {
		return nil, fmt.Errorf("index: reported archived: %w", err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out[p] = struct{}{}
	}
	return out, rows.Err()
}

// MarkArchivedReported records paths as reported within one transaction.
func (db *DB) MarkArchivedReported(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO archived_reports (path, reported_at) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("index: prepare archived insert: %w", err)
	}
	defer stmt.Close()
	now := time.Now().UTC()
	for _, p := range paths {
		if _, err := stmt.ExecContext(ctx, p, now); err != nil {
			return fmt.Errorf("index: insert archived: %w", err)
		}
	}
	return tx.Commit()
}

// GetSetting returns the value stored under key, or "" when unset.
func (db *DB) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("index: get setting %s: %w", key, err)
	}
	return v, nil
}

// SetSettings upserts several settings atomically.
func (db *DB) SetSettings(ctx context.Context, kv map[string]string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for k, v := range kv {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, k, v, now); err != nil {
			return fmt.Errorf("index: set setting %s: %w", k, err)
		}
	}
	return tx.Commit()
}
