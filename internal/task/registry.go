package task

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"transfer-manager/internal/event"
)

// Defaults for the transfer loop and retry policy.
const (
	DefaultChunkSize      = 8192 // bytes read from the stream per iteration
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = 2 * time.Second
	DefaultUpdateInterval = 100 * time.Millisecond
	DefaultSpeedWindow    = 5 * time.Second
	DefaultTimeout        = 30 * time.Second // connect / response-header timeout
)

var (
	ErrDuplicateTask = errors.New("task already exists")
	ErrTaskNotFound  = errors.New("task not found")
)

// Registry owns the task table. All structural mutations (create, start,
// pause, resume, cancel, retry, remove) are serialized behind one mutex;
// readers only ever receive Snapshot copies.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*Task
	order []string // insertion order for stable listing

	bus    *event.Bus[Snapshot]
	logger *log.Logger
	client *http.Client

	chunkSize      int
	maxRetries     int
	retryDelay     time.Duration
	updateInterval time.Duration
	speedWindow    time.Duration

	// Global counters, guarded by mu. Derived figures (active count,
	// queue depth, current total speed) are computed on demand in Stats.
	completedTasks   int
	failedTasks      int
	downloadedBytes  int64
	completedSeconds float64
}

// Option configures a Registry.
type Option func(*Registry)

// WithHTTPClient sets the client used for transfer requests.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Registry) { r.client = c }
}

// WithLogger sets the registry logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithChunkSize sets the per-iteration read size in bytes.
func WithChunkSize(n int) Option {
	return func(r *Registry) { r.chunkSize = n }
}

// WithMaxRetries sets the default retry budget for new tasks.
func WithMaxRetries(n int) Option {
	return func(r *Registry) { r.maxRetries = n }
}

// WithRetryDelay sets the fixed wait before an automatic retry.
func WithRetryDelay(d time.Duration) Option {
	return func(r *Registry) { r.retryDelay = d }
}

// WithUpdateInterval sets the minimum wall-clock gap between metric
// updates and progress events.
func WithUpdateInterval(d time.Duration) Option {
	return func(r *Registry) { r.updateInterval = d }
}

// WithSpeedWindow sets the sliding window for throughput averaging.
func WithSpeedWindow(d time.Duration) Option {
	return func(r *Registry) { r.speedWindow = d }
}

// New creates an empty registry. Each registry is fully independent, so
// tests can run several side by side.
func New(opts ...Option) *Registry {
	r := &Registry{
		tasks:          make(map[string]*Task),
		logger:         log.Default(),
		chunkSize:      DefaultChunkSize,
		maxRetries:     DefaultMaxRetries,
		retryDelay:     DefaultRetryDelay,
		updateInterval: DefaultUpdateInterval,
		speedWindow:    DefaultSpeedWindow,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		r.client = defaultClient()
	}
	r.bus = event.New[Snapshot](r.logger)
	return r
}

// defaultClient times out the dial and the response headers but not the
// body read: an overall client timeout would abort any transfer that
// takes longer than it to stream.
func defaultClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: DefaultTimeout}).DialContext,
			ResponseHeaderTimeout: DefaultTimeout,
		},
	}
}

// Create registers a new pending task. The id is caller-chosen and
// immutable; a duplicate id fails with ErrDuplicateTask and leaves the
// registry unchanged.
func (r *Registry) Create(id, name, url, destination, description string, headers map[string]string) (Snapshot, error) {
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}

	r.mu.Lock()
	if _, ok := r.tasks[id]; ok {
		r.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	t := &Task{
		ID:          id,
		Name:        name,
		Description: description,
		URL:         url,
		Destination: destination,
		Headers:     h,
		Status:      StatusPending,
		MaxRetries:  r.maxRetries,
		CreatedAt:   time.Now(),
	}
	r.tasks[id] = t
	r.order = append(r.order, id)
	snap := t.snapshot()
	r.mu.Unlock()

	r.logger.Printf("task created: %s (%s)", id, name)
	r.bus.Publish(id, snap, event.TypeCreated)
	return snap, nil
}

// Start spawns a worker for a pending task. Returns false if the task is
// unknown or not pending; at most one worker ever owns a task.
func (r *Registry) Start(id string) bool {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok || t.Status != StatusPending {
		r.mu.Unlock()
		return false
	}
	w := newWorker(r, t)
	t.Status = StatusRunning
	t.Metrics.StartTime = time.Now()
	snap := t.snapshot()
	r.mu.Unlock()

	r.logger.Printf("transfer started: %s", id)
	r.bus.Publish(id, snap, event.TypeStarted)
	go w.run()
	return true
}

// Pause suspends a running task. The worker parks after finishing the
// chunk it is currently reading.
func (r *Registry) Pause(id string) bool {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok || t.Status != StatusRunning {
		r.mu.Unlock()
		return false
	}
	t.Status = StatusPaused
	t.resumeCh = make(chan struct{})
	snap := t.snapshot()
	r.mu.Unlock()

	r.logger.Printf("transfer paused: %s", id)
	r.bus.Publish(id, snap, event.TypePaused)
	return true
}

// Resume wakes a paused task.
func (r *Registry) Resume(id string) bool {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok || t.Status != StatusPaused {
		r.mu.Unlock()
		return false
	}
	t.Status = StatusRunning
	close(t.resumeCh)
	t.resumeCh = nil
	snap := t.snapshot()
	r.mu.Unlock()

	r.logger.Printf("transfer resumed: %s", id)
	r.bus.Publish(id, snap, event.TypeResumed)
	return true
}

// Cancel aborts a running or paused task and deletes the partial file.
// Cancellation is terminal: a cancelled task cannot be retried. The
// cancelled event is published by the worker once it has shut down, so
// no progress event can follow it.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok || !t.Status.Active() {
		r.mu.Unlock()
		return false
	}
	t.Status = StatusCancelled
	if t.cancel != nil {
		t.cancel()
	}
	if t.resumeCh != nil {
		close(t.resumeCh)
		t.resumeCh = nil
	}
	dest := t.Destination
	r.mu.Unlock()

	os.Remove(dest) // the worker removes again after closing its handle
	r.logger.Printf("transfer cancelled: %s", id)
	return true
}

// Retry resets a failed task to pending and starts it again. The manual
// and automatic retry budgets are one and the same: once RetryCount
// reaches MaxRetries the call returns false.
func (r *Registry) Retry(id string) bool {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok || t.Status != StatusFailed || t.RetryCount >= t.MaxRetries {
		r.mu.Unlock()
		return false
	}
	t.RetryCount++
	t.Status = StatusPending
	t.Error = ""
	t.Metrics = Metrics{}
	attempt := t.RetryCount
	r.mu.Unlock()

	r.logger.Printf("retrying transfer: %s (attempt %d/%d)", id, attempt, t.MaxRetries)
	return r.Start(id)
}

// Remove deletes a task from the registry. Active (running or paused)
// tasks cannot be removed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok || t.Status.Active() {
		r.mu.Unlock()
		return false
	}
	delete(r.tasks, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.bus.Drop(id)
	r.logger.Printf("task removed: %s", id)
	return true
}

// ClearFinished removes every terminal task and returns how many went.
func (r *Registry) ClearFinished() int {
	r.mu.Lock()
	var finished []string
	for _, id := range r.order {
		if r.tasks[id].Status.Terminal() {
			finished = append(finished, id)
		}
	}
	r.mu.Unlock()

	n := 0
	for _, id := range finished {
		if r.Remove(id) {
			n++
		}
	}
	return n
}

// Get returns a snapshot of one task.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshot(), true
}

// List returns snapshots of all tasks in insertion order.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tasks[id].snapshot())
	}
	return out
}

// ListActive returns snapshots of running and paused tasks.
func (r *Registry) ListActive() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Snapshot
	for _, id := range r.order {
		if t := r.tasks[id]; t.Status.Active() {
			out = append(out, t.snapshot())
		}
	}
	return out
}

// Stats holds the registry-wide aggregates.
type Stats struct {
	TotalTasks            int     `json:"total_tasks"`
	CompletedTasks        int     `json:"completed_tasks"`
	FailedTasks           int     `json:"failed_tasks"`
	TotalDownloadedMB     float64 `json:"total_downloaded_mb"`
	AverageSpeedMBPS      float64 `json:"average_speed_mbps"`
	ActiveDownloads       int     `json:"active_downloads"`
	CurrentTotalSpeedMBPS float64 `json:"current_total_speed_mbps"`
	TasksInQueue          int     `json:"tasks_in_queue"`
}

// Stats computes the global aggregates.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		TotalTasks:        len(r.order),
		CompletedTasks:    r.completedTasks,
		FailedTasks:       r.failedTasks,
		TotalDownloadedMB: float64(r.downloadedBytes) / (1024 * 1024),
	}
	if r.completedSeconds > 0 {
		s.AverageSpeedMBPS = float64(r.downloadedBytes) / r.completedSeconds / (1024 * 1024)
	}
	for _, id := range r.order {
		t := r.tasks[id]
		switch {
		case t.Status.Active():
			s.ActiveDownloads++
			s.CurrentTotalSpeedMBPS += t.Metrics.SpeedBPS / (1024 * 1024)
		case t.Status == StatusPending:
			s.TasksInQueue++
		}
	}
	return s
}

// Subscribe attaches a callback to a single task's events. Returns false
// if the task does not exist.
func (r *Registry) Subscribe(id string, fn func(Snapshot, event.Type)) bool {
	r.mu.Lock()
	_, ok := r.tasks[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.bus.Subscribe(id, fn)
	return true
}

// SubscribeAll attaches a callback to every task's events.
func (r *Registry) SubscribeAll(fn func(string, Snapshot, event.Type)) {
	r.bus.SubscribeAll(fn)
}
