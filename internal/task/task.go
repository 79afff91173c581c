// Package task implements the transfer task registry: task lifecycle,
// per-task download workers with pause/resume/cancel and automatic retry,
// throughput estimation and aggregate statistics.
package task

import (
	"context"
	"time"
)

// Status is the lifecycle state of a task.
//
// Lifecycle: pending -> running -> completed | failed | cancelled
//
//	running <-> paused
//	failed -> pending (via Retry, while the retry budget lasts)
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions other
// than an explicit Retry from failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether a worker goroutine currently owns the task.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusPaused
}

// Metrics holds the progress numbers for one transfer. While a task is
// active its worker is the only writer; everyone else reads copies via
// Snapshot.
type Metrics struct {
	TotalSize       int64      `json:"total_size"` // 0 = unknown (no Content-Length)
	DownloadedSize  int64      `json:"downloaded_size"`
	ProgressPercent float64    `json:"progress_percent"`
	SpeedBPS        float64    `json:"speed_bps"`
	ETASeconds      *int64     `json:"eta_seconds,omitempty"` // nil while unknown
	ElapsedSeconds  float64    `json:"elapsed_seconds"`
	StartTime       time.Time  `json:"start_time,omitempty"`
	LastUpdate      *time.Time `json:"last_update,omitempty"`
}

// Task is a single tracked transfer. All fields are guarded by the owning
// Registry's mutex; external readers only ever see Snapshot copies.
type Task struct {
	ID          string
	Name        string
	Description string
	URL         string
	Destination string
	Headers     map[string]string

	Status     Status
	Metrics    Metrics
	Error      string
	RetryCount int
	MaxRetries int
	CreatedAt  time.Time

	// cancel aborts the worker's context, unblocking an in-flight body
	// read or a pause park.
	cancel context.CancelFunc
	// resumeCh is non-nil while the task is paused; Resume (or Cancel)
	// closes it to wake the parked worker.
	resumeCh chan struct{}
}

// Snapshot is a read-only copy of a task, safe to hold without any lock.
type Snapshot struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	URL         string    `json:"url"`
	Destination string    `json:"destination"`
	Status      Status    `json:"status"`
	Metrics     Metrics   `json:"metrics"`
	Error       string    `json:"error,omitempty"`
	RetryCount  int       `json:"retry_count"`
	MaxRetries  int       `json:"max_retries"`
	CreatedAt   time.Time `json:"created_at"`
}

// snapshot copies the task. Caller must hold the registry mutex.
func (t *Task) snapshot() Snapshot {
	m := t.Metrics
	if t.Metrics.ETASeconds != nil {
		eta := *t.Metrics.ETASeconds
		m.ETASeconds = &eta
	}
	if t.Metrics.LastUpdate != nil {
		lu := *t.Metrics.LastUpdate
		m.LastUpdate = &lu
	}
	return Snapshot{
		ID:          t.ID,
		Name:        t.Name,
		Description: t.Description,
		URL:         t.URL,
		Destination: t.Destination,
		Status:      t.Status,
		Metrics:     m,
		Error:       t.Error,
		RetryCount:  t.RetryCount,
		MaxRetries:  t.MaxRetries,
		CreatedAt:   t.CreatedAt,
	}
}
