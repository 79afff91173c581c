// Package history persists a record of every finished transfer. It is a
// consumer of the registry's event stream: the transfer core never calls
// into it, it only observes terminal events.
package history

import (
	"database/sql"
	"log"
	"time"

	"transfer-manager/internal/event"
	"transfer-manager/internal/task"
)

// Record is one finished transfer as stored on disk.
type Record struct {
	ID              int64     `json:"-"`
	TaskID          string    `json:"task_id"`
	Name            string    `json:"name"`
	URL             string    `json:"url"`
	Destination     string    `json:"destination"`
	Status          string    `json:"status"`
	DownloadedBytes int64     `json:"downloaded_bytes"`
	TotalBytes      int64     `json:"total_bytes"`
	RetryCount      int       `json:"retry_count"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// Store reads and writes transfer history rows.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// New creates the store and its table. If logger is nil, the default
// logger is used.
func New(db *sql.DB, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	s := &Store{db: db, logger: logger}
	if err := s.initTable(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS transfer_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		name TEXT,
		url TEXT,
		destination TEXT,
		status TEXT NOT NULL,
		downloaded_bytes INTEGER,
		total_bytes INTEGER,
		retry_count INTEGER,
		error TEXT,
		created_at DATETIME,
		finished_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_transfer_history_task_id ON transfer_history(task_id);
	CREATE INDEX IF NOT EXISTS idx_transfer_history_status ON transfer_history(status);
	`
	_, err := s.db.Exec(query)
	return err
}

// Attach subscribes the store to the registry's global event stream.
// Completed, failed and cancelled events each produce one row. A failed
// attempt that is later retried still leaves its row, so the history shows
// every attempt, not just the final outcome.
func (s *Store) Attach(r *task.Registry) {
	r.SubscribeAll(func(id string, snap task.Snapshot, typ event.Type) {
		switch typ {
		case event.TypeCompleted, event.TypeFailed, event.TypeCancelled:
			if err := s.record(snap); err != nil {
				s.logger.Printf("history insert failed for %s: %v", id, err)
			}
		}
	})
}

func (s *Store) record(snap task.Snapshot) error {
	query := `INSERT INTO transfer_history
		(task_id, name, url, destination, status, downloaded_bytes, total_bytes, retry_count, error, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query,
		snap.ID, snap.Name, snap.URL, snap.Destination, string(snap.Status),
		snap.Metrics.DownloadedSize, snap.Metrics.TotalSize, snap.RetryCount,
		snap.Error, snap.CreatedAt, time.Now())
	return err
}

// Recent returns the latest records, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	query := `SELECT id, task_id, name, url, destination, status, downloaded_bytes, total_bytes, retry_count, error, created_at, finished_at
		FROM transfer_history ORDER BY id DESC LIMIT ?`
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ByStatus returns the latest records with the given status, newest first.
func (s *Store) ByStatus(status string, limit int) ([]Record, error) {
	query := `SELECT id, task_id, name, url, destination, status, downloaded_bytes, total_bytes, retry_count, error, created_at, finished_at
		FROM transfer_history WHERE status = ? ORDER BY id DESC LIMIT ?`
	rows, err := s.db.Query(query, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.Name, &rec.URL, &rec.Destination,
			&rec.Status, &rec.DownloadedBytes, &rec.TotalBytes, &rec.RetryCount,
			&rec.Error, &rec.CreatedAt, &rec.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
