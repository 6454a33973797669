// ABOUTME: Durable job archive backed by SQLite using modernc.org/sqlite
// ABOUTME: Write-through record of jobs, slots, and status transitions with schema creation on open

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/herdctl/herd/internal/job"
)

// Archive is the durable record behind the in-memory store. Archive
// failures are logged by the store and never fail a dispatch operation.
type Archive interface {
	SaveJob(j job.Job, targets []string) error
	SaveResult(slot *job.ResultSlot) error
	SetStatus(jid string, status job.Status, finishedAt time.Time) error
	LoadJob(jid string) (*job.JobView, error)
	Delete(jids []string) error
	Close() error
}

// SQLiteArchive implements Archive on a local SQLite database.
type SQLiteArchive struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteArchive opens (or creates) the archive database at path.
// Parent directories are created if needed.
func NewSQLiteArchive(path string) (*SQLiteArchive, error) {
	logger := slog.Default().With("component", "archive")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	a := &SQLiteArchive{
		db:     db,
		logger: logger,
	}

	if err := a.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("job archive initialized", "path", path)
	return a, nil
}

// createSchema creates the archive tables if they don't exist
func (a *SQLiteArchive) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS jobs (
			jid         TEXT PRIMARY KEY,
			target      TEXT NOT NULL,
			command     BLOB NOT NULL,
			status      TEXT NOT NULL,
			timeout_ms  INTEGER NOT NULL,
			created_at  DATETIME NOT NULL,
			finished_at DATETIME,

			CHECK (status IN ('pending', 'publishing', 'running', 'complete', 'timed_out', 'cancelled'))
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_finished ON jobs(finished_at);

		CREATE TABLE IF NOT EXISTS results (
			jid         TEXT NOT NULL,
			minion_id   TEXT NOT NULL,
			state       TEXT NOT NULL,
			reason      TEXT,
			payload     BLOB,
			received_at DATETIME,

			PRIMARY KEY (jid, minion_id),
			FOREIGN KEY (jid) REFERENCES jobs(jid) ON DELETE CASCADE,
			CHECK (state IN ('awaiting', 'received', 'errored'))
		);

		CREATE INDEX IF NOT EXISTS idx_results_jid ON results(jid);
	`
	if _, err := a.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// SaveJob persists a new job and one awaiting result row per target.
func (a *SQLiteArchive) SaveJob(j job.Job, targets []string) error {
	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// The payload is opaque and may be nil; the column is NOT NULL.
	command := j.Command
	if command == nil {
		command = []byte{}
	}

	_, err = tx.Exec(`INSERT INTO jobs (jid, target, command, status, timeout_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		j.JID, j.Target, command, string(j.Status), j.Timeout.Milliseconds(), j.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}

	for _, minionID := range targets {
		_, err = tx.Exec(`INSERT INTO results (jid, minion_id, state) VALUES (?, ?, ?)`,
			j.JID, minionID, string(job.SlotAwaiting),
		)
		if err != nil {
			return fmt.Errorf("inserting result slot for %s: %w", minionID, err)
		}
	}

	return tx.Commit()
}

// SaveResult overwrites the archived row for one slot with its current state.
func (a *SQLiteArchive) SaveResult(slot *job.ResultSlot) error {
	_, err := a.db.Exec(`UPDATE results
		SET state = ?, reason = ?, payload = ?, received_at = ?
		WHERE jid = ? AND minion_id = ?`,
		string(slot.State), string(slot.Reason), slot.Payload, slot.ReceivedAt,
		slot.JID, slot.MinionID,
	)
	if err != nil {
		return fmt.Errorf("updating result: %w", err)
	}
	return nil
}

// SetStatus records a job status transition. finishedAt may be zero for
// non-terminal transitions. A recorded terminal status is final: status
// writes are issued outside the record lock, so a lifecycle write
// racing a timeout or cancel can arrive late and must not regress the
// archived state.
func (a *SQLiteArchive) SetStatus(jid string, status job.Status, finishedAt time.Time) error {
	const notTerminal = `AND status NOT IN ('complete', 'timed_out', 'cancelled')`

	var err error
	if finishedAt.IsZero() {
		_, err = a.db.Exec(`UPDATE jobs SET status = ? WHERE jid = ? `+notTerminal,
			string(status), jid)
	} else {
		_, err = a.db.Exec(`UPDATE jobs SET status = ?, finished_at = ? WHERE jid = ? `+notTerminal,
			string(status), finishedAt, jid)
	}
	if err != nil {
		return fmt.Errorf("updating job status: %w", err)
	}
	return nil
}

// LoadJob reads an archived job and its slots back into a view. Used by
// the query path for jobs already reaped from memory and by tooling.
func (a *SQLiteArchive) LoadJob(jid string) (*job.JobView, error) {
	view := &job.JobView{JID: jid, Slots: make(map[string]job.SlotView)}

	var status string
	var timeoutMS int64
	var finishedAt sql.NullTime
	err := a.db.QueryRow(`SELECT target, status, timeout_ms, created_at, finished_at
		FROM jobs WHERE jid = ?`, jid).
		Scan(&view.Target, &status, &timeoutMS, &view.CreatedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying job: %w", err)
	}
	view.Status = job.Status(status)
	view.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if finishedAt.Valid {
		view.FinishedAt = finishedAt.Time
	}

	rows, err := a.db.Query(`SELECT minion_id, state, reason, payload, received_at
		FROM results WHERE jid = ?`, jid)
	if err != nil {
		return nil, fmt.Errorf("querying results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sv job.SlotView
		var state string
		var reason sql.NullString
		var receivedAt sql.NullTime
		if err := rows.Scan(&sv.MinionID, &state, &reason, &sv.Payload, &receivedAt); err != nil {
			return nil, fmt.Errorf("scanning result: %w", err)
		}
		sv.State = job.SlotState(state)
		if reason.Valid {
			sv.Reason = job.ErrorReason(reason.String)
		}
		if receivedAt.Valid {
			sv.ReceivedAt = receivedAt.Time
		}
		view.Slots[sv.MinionID] = sv
	}
	return view, rows.Err()
}

// Delete removes archived jobs (and their result rows via cascade).
func (a *SQLiteArchive) Delete(jids []string) error {
	if len(jids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(jids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(jids))
	for i, jid := range jids {
		args[i] = jid
	}

	_, err := a.db.Exec(`DELETE FROM jobs WHERE jid IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("deleting jobs: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}
