// Package store owns durable state: the sqlite metadata database (file and
// batch records, transactional status transitions) and the on-disk blob
// store for JSONL content. Metadata rows carry only a path pointer into the
// blob store, so the two can move independently.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/zisaacson/batchlocallm/internal/batch"
)

// ErrNotFound is returned when a file or batch id does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a compare-and-set transition finds the batch
// in none of the expected states.
var ErrConflict = errors.New("state conflict")

const schema = `
CREATE TABLE IF NOT EXISTS files (
	id         TEXT PRIMARY KEY,
	purpose    TEXT NOT NULL,
	filename   TEXT NOT NULL,
	bytes      INTEGER NOT NULL,
	checksum   TEXT NOT NULL DEFAULT '',
	path       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	deleted    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_files_purpose_created ON files(purpose, created_at DESC);

CREATE TABLE IF NOT EXISTS batches (
	id             TEXT PRIMARY KEY,
	endpoint       TEXT NOT NULL,
	input_file_id  TEXT NOT NULL REFERENCES files(id),
	output_file_id TEXT,
	error_file_id  TEXT,
	status         TEXT NOT NULL,
	completion_window TEXT NOT NULL DEFAULT '24h',
	created_at     INTEGER NOT NULL,
	expires_at     INTEGER NOT NULL,
	in_progress_at INTEGER,
	finalizing_at  INTEGER,
	completed_at   INTEGER,
	failed_at      INTEGER,
	expired_at     INTEGER,
	cancelling_at  INTEGER,
	cancelled_at   INTEGER,
	total          INTEGER NOT NULL DEFAULT 0,
	completed      INTEGER NOT NULL DEFAULT 0,
	failed         INTEGER NOT NULL DEFAULT 0,
	metadata       TEXT NOT NULL DEFAULT '{}',
	errors         TEXT
);
CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(status);
CREATE INDEX IF NOT EXISTS idx_batches_created ON batches(created_at);
`

// Meta is the metadata store. Safe for concurrent use; transactions are
// short and every status change goes through TransitionBatch.
type Meta struct {
	db  *sqlx.DB
	now func() time.Time
}

// OpenMeta opens (creating if needed) the sqlite database at path.
// WAL with synchronous=FULL gives fsync-on-commit durability.
func OpenMeta(path string) (*Meta, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_foreign_keys=on",
		url.PathEscape(path))
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}
	// sqlite writes are single-threaded; one connection avoids SQLITE_BUSY
	// churn under concurrent API traffic.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Meta{db: db, now: time.Now}, nil
}

// Close releases the underlying database.
func (m *Meta) Close() error { return m.db.Close() }

// SetClock replaces the time source. Tests only.
func (m *Meta) SetClock(now func() time.Time) { m.now = now }

// Ping reports whether the database is reachable.
func (m *Meta) Ping() error { return m.db.Ping() }

// --- Files ---

// CreateFile inserts a file record.
func (m *Meta) CreateFile(f *batch.File) error {
	if f.CreatedAt == 0 {
		f.CreatedAt = m.now().Unix()
	}
	_, err := m.db.NamedExec(`
		INSERT INTO files (id, purpose, filename, bytes, checksum, path, created_at, deleted)
		VALUES (:id, :purpose, :filename, :bytes, :checksum, :path, :created_at, 0)`, f)
	if err != nil {
		return fmt.Errorf("insert file %s: %w", f.ID, err)
	}
	return nil
}

// GetFile returns the record for id, including soft-deleted rows; callers
// decide whether Deleted matters.
func (m *Meta) GetFile(id string) (*batch.File, error) {
	var f batch.File
	err := m.db.Get(&f, `SELECT * FROM files WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", id, err)
	}
	return &f, nil
}

// ListFiles returns non-deleted files, newest first, optionally filtered by
// purpose. after is an id cursor: results strictly older than that row.
func (m *Meta) ListFiles(purpose string, limit int, after string) ([]batch.File, error) {
	if limit < 1 {
		limit = 20
	}
	q := `SELECT * FROM files WHERE deleted = 0`
	args := []any{}
	if purpose != "" {
		q += ` AND purpose = ?`
		args = append(args, purpose)
	}
	if after != "" {
		cursor, err := m.GetFile(after)
		if err != nil {
			return nil, fmt.Errorf("after cursor: %w", err)
		}
		q += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var files []batch.File
	if err := m.db.Select(&files, q, args...); err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return files, nil
}

// SoftDeleteFile marks a file deleted. The blob and row survive until the
// retention sweeper runs.
func (m *Meta) SoftDeleteFile(id string) error {
	res, err := m.db.Exec(`UPDATE files SET deleted = 1 WHERE id = ? AND deleted = 0`, id)
	if err != nil {
		return fmt.Errorf("soft delete file %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// HardDeleteFile removes the row entirely. Retention sweeper only.
func (m *Meta) HardDeleteFile(id string) error {
	if _, err := m.db.Exec(`DELETE FROM files WHERE id = ?`, id); err != nil {
		return fmt.Errorf("hard delete file %s: %w", id, err)
	}
	return nil
}

// FilesForCleanup returns soft-deleted files plus produced output/error
// files older than the cutoff. Input files are only removed once deleted by
// the client.
func (m *Meta) FilesForCleanup(olderThan int64) ([]batch.File, error) {
	var files []batch.File
	err := m.db.Select(&files, `
		SELECT * FROM files
		WHERE created_at < ?
		  AND (deleted = 1 OR purpose IN (?, ?))`,
		olderThan, batch.PurposeBatchOutput, batch.PurposeBatchError)
	if err != nil {
		return nil, fmt.Errorf("files for cleanup: %w", err)
	}
	return files, nil
}

// --- Batches ---

// jobRow is the flat row shape for the batches table.
type jobRow struct {
	ID               string         `db:"id"`
	Endpoint         string         `db:"endpoint"`
	InputFileID      string         `db:"input_file_id"`
	OutputFileID     sql.NullString `db:"output_file_id"`
	ErrorFileID      sql.NullString `db:"error_file_id"`
	Status           string         `db:"status"`
	CompletionWindow string         `db:"completion_window"`
	CreatedAt        int64          `db:"created_at"`
	ExpiresAt        int64          `db:"expires_at"`
	InProgressAt     sql.NullInt64  `db:"in_progress_at"`
	FinalizingAt     sql.NullInt64  `db:"finalizing_at"`
	CompletedAt      sql.NullInt64  `db:"completed_at"`
	FailedAt         sql.NullInt64  `db:"failed_at"`
	ExpiredAt        sql.NullInt64  `db:"expired_at"`
	CancellingAt     sql.NullInt64  `db:"cancelling_at"`
	CancelledAt      sql.NullInt64  `db:"cancelled_at"`
	Total            int            `db:"total"`
	Completed        int            `db:"completed"`
	Failed           int            `db:"failed"`
	Metadata         string         `db:"metadata"`
	Errors           sql.NullString `db:"errors"`
}

func (r *jobRow) toJob() (*batch.Job, error) {
	j := &batch.Job{
		ID:               r.ID,
		Endpoint:         r.Endpoint,
		InputFileID:      r.InputFileID,
		Status:           batch.Status(r.Status),
		CompletionWindow: r.CompletionWindow,
		CreatedAt:        r.CreatedAt,
		ExpiresAt:        r.ExpiresAt,
		Counts:           batch.RequestCounts{Total: r.Total, Completed: r.Completed, Failed: r.Failed},
	}
	if r.OutputFileID.Valid {
		j.OutputFileID = &r.OutputFileID.String
	}
	if r.ErrorFileID.Valid {
		j.ErrorFileID = &r.ErrorFileID.String
	}
	setTS := func(dst **int64, v sql.NullInt64) {
		if v.Valid {
			t := v.Int64
			*dst = &t
		}
	}
	setTS(&j.InProgressAt, r.InProgressAt)
	setTS(&j.FinalizingAt, r.FinalizingAt)
	setTS(&j.CompletedAt, r.CompletedAt)
	setTS(&j.FailedAt, r.FailedAt)
	setTS(&j.ExpiredAt, r.ExpiredAt)
	setTS(&j.CancellingAt, r.CancellingAt)
	setTS(&j.CancelledAt, r.CancelledAt)
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &j.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", r.ID, err)
		}
	}
	if r.Errors.Valid && r.Errors.String != "" {
		var e batch.Errors
		if err := json.Unmarshal([]byte(r.Errors.String), &e); err != nil {
			return nil, fmt.Errorf("decode errors for %s: %w", r.ID, err)
		}
		j.Errors = &e
	}
	return j, nil
}

// CreateBatch inserts a batch in its initial state.
func (m *Meta) CreateBatch(j *batch.Job) error {
	if j.Status == "" {
		j.Status = batch.StatusValidating
	}
	if j.CreatedAt == 0 {
		j.CreatedAt = m.now().Unix()
	}
	meta := "{}"
	if j.Metadata != nil {
		b, err := json.Marshal(j.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		meta = string(b)
	}
	_, err := m.db.Exec(`
		INSERT INTO batches (id, endpoint, input_file_id, status, completion_window,
			created_at, expires_at, total, completed, failed, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?)`,
		j.ID, j.Endpoint, j.InputFileID, string(j.Status), j.CompletionWindow,
		j.CreatedAt, j.ExpiresAt, j.Counts.Total, meta)
	if err != nil {
		return fmt.Errorf("insert batch %s: %w", j.ID, err)
	}
	return nil
}

// GetBatch returns the batch for id.
func (m *Meta) GetBatch(id string) (*batch.Job, error) {
	var row jobRow
	err := m.db.Get(&row, `SELECT * FROM batches WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", id, err)
	}
	return row.toJob()
}

// ListBatches returns batches newest first with the same cursor scheme as
// ListFiles.
func (m *Meta) ListBatches(limit int, after string) ([]*batch.Job, error) {
	if limit < 1 {
		limit = 20
	}
	q := `SELECT * FROM batches`
	args := []any{}
	if after != "" {
		cursor, err := m.GetBatch(after)
		if err != nil {
			return nil, fmt.Errorf("after cursor: %w", err)
		}
		q += ` WHERE created_at < ? OR (created_at = ? AND id < ?)`
		args = append(args, cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var rows []jobRow
	if err := m.db.Select(&rows, q, args...); err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	jobs := make([]*batch.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// TransitionFields carries the optional columns a transition may set
// alongside the status change.
type TransitionFields struct {
	OutputFileID *string
	ErrorFileID  *string
	Errors       *batch.Errors
}

// TransitionBatch is the compare-and-set that advances batch state: it
// succeeds only when the current status is one of from, and then atomically
// sets the new status, its timestamp, and any provided fields. Illegal
// edges are rejected before touching the database.
func (m *Meta) TransitionBatch(id string, from []batch.Status, to batch.Status, fields TransitionFields) (bool, error) {
	legalFrom := make([]any, 0, len(from))
	for _, f := range from {
		if batch.CanTransition(f, to) {
			legalFrom = append(legalFrom, string(f))
		}
	}
	if len(legalFrom) == 0 {
		return false, fmt.Errorf("no legal edge to %s from %v: %w", to, from, ErrConflict)
	}

	set := []string{"status = ?"}
	args := []any{string(to)}
	if col := to.TimestampColumn(); col != "" {
		set = append(set, col+" = ?")
		args = append(args, m.now().Unix())
	}
	if fields.OutputFileID != nil {
		set = append(set, "output_file_id = ?")
		args = append(args, *fields.OutputFileID)
	}
	if fields.ErrorFileID != nil {
		set = append(set, "error_file_id = ?")
		args = append(args, *fields.ErrorFileID)
	}
	if fields.Errors != nil {
		b, err := json.Marshal(fields.Errors)
		if err != nil {
			return false, fmt.Errorf("encode errors: %w", err)
		}
		set = append(set, "errors = ?")
		args = append(args, string(b))
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(legalFrom)), ",")
	q := fmt.Sprintf(`UPDATE batches SET %s WHERE id = ? AND status IN (%s)`,
		strings.Join(set, ", "), placeholders)
	args = append(args, id)
	args = append(args, legalFrom...)

	res, err := m.db.Exec(q, args...)
	if err != nil {
		return false, fmt.Errorf("transition batch %s -> %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// BumpCounts atomically adds to the completed/failed counters. Used once
// per chunk so progress survives a crash without whole-row updates.
func (m *Meta) BumpCounts(id string, completedDelta, failedDelta int) error {
	res, err := m.db.Exec(`
		UPDATE batches SET completed = completed + ?, failed = failed + ?
		WHERE id = ?`, completedDelta, failedDelta, id)
	if err != nil {
		return fmt.Errorf("bump counts for %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTotal records the request count discovered at admission.
func (m *Meta) SetTotal(id string, total int) error {
	if _, err := m.db.Exec(`UPDATE batches SET total = ? WHERE id = ?`, total, id); err != nil {
		return fmt.Errorf("set total for %s: %w", id, err)
	}
	return nil
}

// FindResumable returns every non-terminal batch, oldest first. Called once
// at startup to rebuild the queue and re-hand in-flight work to the worker.
func (m *Meta) FindResumable() ([]*batch.Job, error) {
	states := batch.NonTerminalStatuses()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = string(s)
	}
	var rows []jobRow
	q := fmt.Sprintf(`SELECT * FROM batches WHERE status IN (%s) ORDER BY created_at ASC, id ASC`, placeholders)
	if err := m.db.Select(&rows, q, args...); err != nil {
		return nil, fmt.Errorf("find resumable: %w", err)
	}
	jobs := make([]*batch.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// OldestValidating returns the next batch the dispatcher should hand to the
// worker, or ErrNotFound when the queue is empty.
func (m *Meta) OldestValidating() (*batch.Job, error) {
	var row jobRow
	err := m.db.Get(&row, `
		SELECT * FROM batches WHERE status = ?
		ORDER BY created_at ASC, id ASC LIMIT 1`, string(batch.StatusValidating))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("oldest validating: %w", err)
	}
	return row.toJob()
}

// QueueUsage reports admission-control state: how many batches occupy the
// queue (validating + in_progress) and the sum of their request totals.
func (m *Meta) QueueUsage() (depth int, queuedRequests int, err error) {
	row := m.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(total), 0) FROM batches
		WHERE status IN (?, ?)`,
		string(batch.StatusValidating), string(batch.StatusInProgress))
	if err := row.Scan(&depth, &queuedRequests); err != nil {
		return 0, 0, fmt.Errorf("queue usage: %w", err)
	}
	return depth, queuedRequests, nil
}

// ExpiredBatches returns non-terminal batches whose deadline has passed.
func (m *Meta) ExpiredBatches(now int64) ([]*batch.Job, error) {
	states := batch.NonTerminalStatuses()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	args := []any{now}
	for _, s := range states {
		args = append(args, string(s))
	}
	var rows []jobRow
	q := fmt.Sprintf(`SELECT * FROM batches WHERE expires_at < ? AND status IN (%s)`, placeholders)
	if err := m.db.Select(&rows, q, args...); err != nil {
		return nil, fmt.Errorf("expired batches: %w", err)
	}
	jobs := make([]*batch.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
