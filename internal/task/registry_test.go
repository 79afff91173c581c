package task

import (
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"transfer-manager/internal/event"
)

func newTestRegistry(opts ...Option) *Registry {
	base := []Option{
		WithLogger(log.New(io.Discard, "", 0)),
		WithRetryDelay(10 * time.Millisecond),
		WithUpdateInterval(10 * time.Millisecond),
	}
	return New(append(base, opts...)...)
}

func mustCreate(t *testing.T, r *Registry, id string) Snapshot {
	t.Helper()
	snap, err := r.Create(id, "name-"+id, "http://example.com/"+id, t.TempDir()+"/"+id, "", nil)
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	return snap
}

// setStatus force-sets a task's status, bypassing the worker. Test-only.
func setStatus(r *Registry, id string, s Status) {
	r.mu.Lock()
	r.tasks[id].Status = s
	r.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Create / Get / List
// ---------------------------------------------------------------------------

func TestCreateAndGet(t *testing.T) {
	r := newTestRegistry()
	snap := mustCreate(t, r, "t1")

	if snap.Status != StatusPending {
		t.Fatalf("new task should be pending, got %s", snap.Status)
	}
	if snap.MaxRetries != DefaultMaxRetries {
		t.Fatalf("expected default retry budget, got %d", snap.MaxRetries)
	}

	got, ok := r.Get("t1")
	if !ok || got.ID != "t1" {
		t.Fatalf("Get failed: ok=%v id=%s", ok, got.ID)
	}
}

func TestCreateDuplicate(t *testing.T) {
	r := newTestRegistry()
	mustCreate(t, r, "t1")

	_, err := r.Create("t1", "other", "http://example.com/x", "/tmp/x", "", nil)
	if !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("expected ErrDuplicateTask, got %v", err)
	}
	// registry unchanged on failure
	if got, _ := r.Get("t1"); got.Name != "name-t1" {
		t.Fatalf("duplicate create mutated the existing task: %s", got.Name)
	}
	if len(r.List()) != 1 {
		t.Fatal("duplicate create changed the task count")
	}
}

func TestGetNotFound(t *testing.T) {
	r := newTestRegistry()
	if _, ok := r.Get("nope"); ok {
		t.Fatal("expected miss for unknown id")
	}
}

func TestListInsertionOrder(t *testing.T) {
	r := newTestRegistry()
	mustCreate(t, r, "a")
	mustCreate(t, r, "b")
	mustCreate(t, r, "c")

	all := r.List()
	if len(all) != 3 || all[0].ID != "a" || all[1].ID != "b" || all[2].ID != "c" {
		t.Fatalf("unexpected order: %v", all)
	}
}

func TestListActive(t *testing.T) {
	r := newTestRegistry()
	mustCreate(t, r, "a")
	mustCreate(t, r, "b")
	mustCreate(t, r, "c")
	setStatus(r, "b", StatusRunning)
	setStatus(r, "c", StatusPaused)

	active := r.ListActive()
	if len(active) != 2 || active[0].ID != "b" || active[1].ID != "c" {
		t.Fatalf("unexpected active set: %v", active)
	}
}

// ---------------------------------------------------------------------------
// Transition guards
// ---------------------------------------------------------------------------

func TestControlOpsOnUnknownID(t *testing.T) {
	r := newTestRegistry()
	for name, fn := range map[string]func(string) bool{
		"start":  r.Start,
		"pause":  r.Pause,
		"resume": r.Resume,
		"cancel": r.Cancel,
		"retry":  r.Retry,
		"remove": r.Remove,
	} {
		if fn("ghost") {
			t.Fatalf("%s on unknown id should return false", name)
		}
	}
}

func TestPauseOnlyFromRunning(t *testing.T) {
	r := newTestRegistry()
	mustCreate(t, r, "t1")

	if r.Pause("t1") {
		t.Fatal("pause from pending should fail")
	}
	setStatus(r, "t1", StatusCompleted)
	if r.Pause("t1") {
		t.Fatal("pause from completed should fail")
	}
}

func TestResumeOnlyFromPaused(t *testing.T) {
	r := newTestRegistry()
	mustCreate(t, r, "t1")

	if r.Resume("t1") {
		t.Fatal("resume from pending should fail")
	}
	setStatus(r, "t1", StatusRunning)
	if r.Resume("t1") {
		t.Fatal("resume from running should fail")
	}
}

func TestCancelOnlyFromActive(t *testing.T) {
	r := newTestRegistry()
	mustCreate(t, r, "t1")

	if r.Cancel("t1") {
		t.Fatal("cancel from pending should fail")
	}
	setStatus(r, "t1", StatusCompleted)
	if r.Cancel("t1") {
		t.Fatal("cancel from completed should fail")
	}
}

func TestRetryOnlyFromFailed(t *testing.T) {
	r := newTestRegistry()
	mustCreate(t, r, "t1")

	if r.Retry("t1") {
		t.Fatal("retry from pending should fail")
	}
	setStatus(r, "t1", StatusCancelled)
	if r.Retry("t1") {
		t.Fatal("retry from cancelled should fail")
	}
}

func TestRetryExhaustedBudget(t *testing.T) {
	r := newTestRegistry()
	mustCreate(t, r, "t1")
	setStatus(r, "t1", StatusFailed)
	r.mu.Lock()
	r.tasks["t1"].RetryCount = r.tasks["t1"].MaxRetries
	r.mu.Unlock()

	if r.Retry("t1") {
		t.Fatal("retry with exhausted budget should fail")
	}
}

func TestRemoveGuards(t *testing.T) {
	r := newTestRegistry()
	mustCreate(t, r, "t1")
	mustCreate(t, r, "t2")

	setStatus(r, "t1", StatusRunning)
	if r.Remove("t1") {
		t.Fatal("remove of a running task should fail")
	}
	setStatus(r, "t1", StatusPaused)
	if r.Remove("t1") {
		t.Fatal("remove of a paused task should fail")
	}

	if !r.Remove("t2") {
		t.Fatal("remove of a pending task should succeed")
	}
	if _, ok := r.Get("t2"); ok {
		t.Fatal("removed task still present")
	}
}

func TestClearFinished(t *testing.T) {
	r := newTestRegistry()
	mustCreate(t, r, "done")
	mustCreate(t, r, "dead")
	mustCreate(t, r, "busy")
	mustCreate(t, r, "queued")
	setStatus(r, "done", StatusCompleted)
	setStatus(r, "dead", StatusFailed)
	setStatus(r, "busy", StatusRunning)

	if n := r.ClearFinished(); n != 2 {
		t.Fatalf("expected 2 removals, got %d", n)
	}
	all := r.List()
	if len(all) != 2 || all[0].ID != "busy" || all[1].ID != "queued" {
		t.Fatalf("unexpected survivors: %v", all)
	}
}

// ---------------------------------------------------------------------------
// Stats and snapshots
// ---------------------------------------------------------------------------

func TestStatsCounters(t *testing.T) {
	r := newTestRegistry()
	mustCreate(t, r, "a")
	mustCreate(t, r, "b")
	mustCreate(t, r, "c")
	setStatus(r, "a", StatusRunning)
	r.mu.Lock()
	r.tasks["a"].Metrics.SpeedBPS = 2 * 1024 * 1024
	r.mu.Unlock()

	s := r.Stats()
	if s.TotalTasks != 3 {
		t.Fatalf("total_tasks = %d", s.TotalTasks)
	}
	if s.ActiveDownloads != 1 {
		t.Fatalf("active_downloads = %d", s.ActiveDownloads)
	}
	if s.TasksInQueue != 2 {
		t.Fatalf("tasks_in_queue = %d", s.TasksInQueue)
	}
	if s.CurrentTotalSpeedMBPS < 1.99 || s.CurrentTotalSpeedMBPS > 2.01 {
		t.Fatalf("current_total_speed_mbps = %f", s.CurrentTotalSpeedMBPS)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	r := newTestRegistry()
	mustCreate(t, r, "t1")

	snap, _ := r.Get("t1")
	snap.Name = "mutated"
	snap.Metrics.DownloadedSize = 999

	again, _ := r.Get("t1")
	if again.Name != "name-t1" || again.Metrics.DownloadedSize != 0 {
		t.Fatal("mutating a snapshot leaked into the registry")
	}
}

func TestSubscribeRequiresExistingTask(t *testing.T) {
	r := newTestRegistry()
	if r.Subscribe("ghost", func(Snapshot, event.Type) {}) {
		t.Fatal("subscribe to unknown id should fail")
	}
	mustCreate(t, r, "t1")
	if !r.Subscribe("t1", func(Snapshot, event.Type) {}) {
		t.Fatal("subscribe to existing id should succeed")
	}
}

func TestCreatedEventReachesGlobalSubscribers(t *testing.T) {
	r := newTestRegistry()

	var gotID string
	var gotType event.Type
	r.SubscribeAll(func(id string, _ Snapshot, typ event.Type) {
		gotID, gotType = id, typ
	})

	mustCreate(t, r, "t1")
	if gotID != "t1" || gotType != event.TypeCreated {
		t.Fatalf("expected created event for t1, got %s/%s", gotID, gotType)
	}
}

// Multiple registries must be fully independent (no hidden shared state).
func TestRegistriesAreIsolated(t *testing.T) {
	r1 := newTestRegistry()
	r2 := newTestRegistry()
	mustCreate(t, r1, "t1")

	if _, ok := r2.Get("t1"); ok {
		t.Fatal("task leaked between registries")
	}
	if _, err := r2.Create("t1", "n", "http://example.com/x", "/tmp/x", "", nil); err != nil {
		t.Fatalf("same id in another registry should be fine: %v", err)
	}
}
