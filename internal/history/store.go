// Package history archives finished transfer tasks and edit-sync uploads in
// a SQLite database.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yzhelezko/thermic-core/internal/editsync"
	"github.com/yzhelezko/thermic-core/internal/transfer"
)

const schema = `
CREATE TABLE IF NOT EXISTS transfers (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	direction TEXT NOT NULL,
	local_path TEXT NOT NULL,
	remote_path TEXT NOT NULL,
	total INTEGER NOT NULL DEFAULT 0,
	transferred INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	retries INTEGER NOT NULL DEFAULT 0,
	error_kind TEXT,
	error TEXT,
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	finished_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_transfers_finished ON transfers(finished_at);

CREATE TABLE IF NOT EXISTS syncs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	remote_path TEXT NOT NULL,
	local_path TEXT NOT NULL,
	hash TEXT,
	size INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	error TEXT,
	synced_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_syncs_remote ON syncs(remote_path);
`

// Store is the archive. It implements transfer.Archiver and
// editsync.Archiver.
type Store struct {
	db *sql.DB
}

// Open creates or opens the archive at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ArchiveTransfer records a finished task. Archiving the same task twice
// keeps the latest record.
func (s *Store) ArchiveTransfer(info transfer.TaskInfo) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO transfers
		(id, session_id, direction, local_path, remote_path, total, transferred, state, retries,
		 error_kind, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		info.ID, info.SessionID, string(info.Direction), info.LocalPath, info.RemotePath,
		info.Total, info.Transferred, string(info.State), info.Retries,
		nullString(info.ErrorKind), nullString(info.Error),
		info.Created.UnixMilli(), nullTime(info.Started), nullTime(info.Finished))
	if err != nil {
		return fmt.Errorf("failed to archive transfer %s: %w", info.ID, err)
	}
	return nil
}

// ArchiveSync records an edit-sync upload.
func (s *Store) ArchiveSync(rec editsync.Record) error {
	_, err := s.db.Exec(`
		INSERT INTO syncs (session_id, remote_path, local_path, hash, size, state, error, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.RemotePath, rec.LocalPath, rec.Hash, rec.Size,
		string(rec.State), nullString(rec.Error), rec.Time.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to archive sync of %s: %w", rec.RemotePath, err)
	}
	return nil
}

// RecentTransfers returns up to limit archived tasks, newest first.
func (s *Store) RecentTransfers(limit int) ([]transfer.TaskInfo, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, direction, local_path, remote_path, total, transferred, state, retries,
		       error_kind, error, created_at, started_at, finished_at
		FROM transfers
		ORDER BY COALESCE(finished_at, created_at) DESC, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []transfer.TaskInfo
	for rows.Next() {
		var (
			info              transfer.TaskInfo
			direction, state  string
			errKind, errMsg   sql.NullString
			created           int64
			started, finished sql.NullInt64
		)
		if err := rows.Scan(&info.ID, &info.SessionID, &direction, &info.LocalPath, &info.RemotePath,
			&info.Total, &info.Transferred, &state, &info.Retries,
			&errKind, &errMsg, &created, &started, &finished); err != nil {
			return nil, err
		}
		info.Direction = transfer.Direction(direction)
		info.State = transfer.State(state)
		info.ErrorKind = errKind.String
		info.Error = errMsg.String
		info.Created = time.UnixMilli(created)
		info.Started = fromNull(started)
		info.Finished = fromNull(finished)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// SyncHistory returns the sync records of a remote path, newest first.
func (s *Store) SyncHistory(remotePath string, limit int) ([]editsync.Record, error) {
	rows, err := s.db.Query(`
		SELECT session_id, remote_path, local_path, hash, size, state, error, synced_at
		FROM syncs
		WHERE remote_path = ?
		ORDER BY synced_at DESC, id DESC
		LIMIT ?`, remotePath, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []editsync.Record
	for rows.Next() {
		var (
			rec          editsync.Record
			hash, errMsg sql.NullString
			state        string
			synced       int64
		)
		if err := rows.Scan(&rec.SessionID, &rec.RemotePath, &rec.LocalPath, &hash, &rec.Size,
			&state, &errMsg, &synced); err != nil {
			return nil, err
		}
		rec.Hash = hash.String
		rec.State = editsync.State(state)
		rec.Error = errMsg.String
		rec.Time = time.UnixMilli(synced)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Prune deletes records older than cutoff.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	ms := cutoff.UnixMilli()
	res, err := s.db.Exec(`DELETE FROM transfers WHERE COALESCE(finished_at, created_at) < ?`, ms)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()

	res, err = s.db.Exec(`DELETE FROM syncs WHERE synced_at < ?`, ms)
	if err != nil {
		return n, err
	}
	m, _ := res.RowsAffected()
	return n + m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNull(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}
