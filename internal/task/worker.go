package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"transfer-manager/internal/event"
)

// worker runs one transfer. It is the only writer of its task's metrics
// and the only publisher of the task's terminal events, which is what
// guarantees that no progress event ever follows a terminal one.
type worker struct {
	reg  *Registry
	task *Task
	ctx  context.Context
	est  *speedEstimator
}

// newWorker binds a worker to a task. Caller must hold the registry mutex.
func newWorker(r *Registry, t *Task) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.resumeCh = nil
	return &worker{
		reg:  r,
		task: t,
		ctx:  ctx,
		est:  newSpeedEstimator(r.speedWindow),
	}
}

func (w *worker) run() {
	err := w.transfer()
	switch {
	case err == nil:
		w.finishCompleted()
	case errors.Is(err, context.Canceled):
		w.finishCancelled()
	default:
		w.finishFailed(err)
	}
}

// transfer streams the resource to the destination file. It returns nil on
// success, context.Canceled when the task was cancelled, and the transport
// or filesystem error otherwise.
func (w *worker) transfer() error {
	t := w.task

	// Resume offset: size of any partial file already on disk.
	var offset int64
	if info, err := os.Stat(t.Destination); err == nil {
		offset = info.Size()
	}

	resp, err := w.request(offset)
	if err != nil {
		if w.ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}

	// A 200 after a range request means the server ignored the range and
	// is sending the full body; appending would corrupt the file, so
	// truncate and start over from byte zero.
	if offset > 0 && resp.StatusCode != http.StatusPartialContent {
		w.reg.logger.Printf("range ignored by server, restarting %s from 0", t.ID)
		offset = 0
	}

	total := resolveTotalSize(resp, offset)

	if dir := filepath.Dir(t.Destination); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(t.Destination, flags, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	w.begin(offset, total)

	buf := make([]byte, w.reg.chunkSize)
	lastTick := time.Now()
	lastBytes := offset
	downloaded := offset
	for {
		// Cancellation and pause are both checked at chunk granularity.
		if err := w.waitIfPaused(); err != nil {
			return err
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return err
			}
			downloaded = w.advance(int64(n))

			if now := time.Now(); now.Sub(lastTick) >= w.reg.updateInterval {
				w.tick(now, downloaded-lastBytes, now.Sub(lastTick))
				lastTick = now
				lastBytes = downloaded
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			if w.ctx.Err() != nil {
				return context.Canceled
			}
			return readErr
		}
	}
}

// request issues the GET, adding a Range header when resuming.
func (w *worker) request(offset int64) (*http.Response, error) {
	t := w.task
	req, err := http.NewRequestWithContext(w.ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	return w.reg.client.Do(req)
}

// resolveTotalSize determines the full resource size. Content-Length on a
// partial response covers the remainder only, so the resume offset is
// added back. Returns 0 when the size cannot be determined.
func resolveTotalSize(resp *http.Response, offset int64) int64 {
	if resp.ContentLength > 0 {
		return resp.ContentLength + offset
	}
	// "Content-Range: bytes 4000-9999/10000" carries the full size.
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if idx := strings.LastIndex(cr, "/"); idx != -1 {
			totalStr := strings.TrimSpace(cr[idx+1:])
			if totalStr != "*" {
				if size, err := strconv.ParseInt(totalStr, 10, 64); err == nil && size > 0 {
					return size
				}
			}
		}
	}
	return 0
}

// waitIfPaused parks until the task is resumed or cancelled.
func (w *worker) waitIfPaused() error {
	for {
		if w.ctx.Err() != nil {
			return context.Canceled
		}
		w.reg.mu.Lock()
		ch := w.task.resumeCh
		w.reg.mu.Unlock()
		if ch == nil {
			return nil
		}
		select {
		case <-ch:
		case <-w.ctx.Done():
			return context.Canceled
		}
	}
}

// begin seeds the metrics for a (re)started transfer.
func (w *worker) begin(offset, total int64) {
	w.reg.mu.Lock()
	defer w.reg.mu.Unlock()
	m := &w.task.Metrics
	m.DownloadedSize = offset
	m.TotalSize = total
	if total > 0 {
		m.ProgressPercent = clampPercent(float64(offset) / float64(total) * 100)
	}
}

// advance bumps the downloaded byte count and returns the new value.
func (w *worker) advance(n int64) int64 {
	w.reg.mu.Lock()
	defer w.reg.mu.Unlock()
	w.task.Metrics.DownloadedSize += n
	return w.task.Metrics.DownloadedSize
}

// tick feeds the estimator, refreshes the derived metrics and fires a
// progress event. Progress stays undefined while the total is unknown.
func (w *worker) tick(now time.Time, delta int64, dt time.Duration) {
	w.est.Sample(now, delta, dt)

	w.reg.mu.Lock()
	t := w.task
	m := &t.Metrics
	if m.TotalSize > 0 {
		m.ProgressPercent = clampPercent(float64(m.DownloadedSize) / float64(m.TotalSize) * 100)
	}
	m.SpeedBPS = w.est.Speed()
	if eta, ok := w.est.ETA(m.TotalSize, m.DownloadedSize); ok {
		m.ETASeconds = &eta
	} else {
		m.ETASeconds = nil
	}
	m.ElapsedSeconds = now.Sub(m.StartTime).Seconds()
	lu := now
	m.LastUpdate = &lu
	running := t.Status == StatusRunning
	snap := t.snapshot()
	w.reg.mu.Unlock()

	if running {
		w.reg.bus.Publish(t.ID, snap, event.TypeProgress)
	}
}

func (w *worker) finishCompleted() {
	r := w.reg
	t := w.task

	r.mu.Lock()
	if t.Status == StatusCancelled {
		// Cancelled between the final chunk and here; honor the cancel.
		r.mu.Unlock()
		w.cleanupCancelled()
		return
	}
	t.Status = StatusCompleted
	now := time.Now()
	m := &t.Metrics
	m.ProgressPercent = 100
	m.ElapsedSeconds = now.Sub(m.StartTime).Seconds()
	lu := now
	m.LastUpdate = &lu
	m.ETASeconds = nil
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	r.completedTasks++
	r.downloadedBytes += m.DownloadedSize
	r.completedSeconds += m.ElapsedSeconds
	snap := t.snapshot()
	r.mu.Unlock()

	r.logger.Printf("transfer completed: %s (%d bytes)", t.ID, snap.Metrics.DownloadedSize)
	r.bus.Publish(t.ID, snap, event.TypeCompleted)
}

func (w *worker) finishFailed(cause error) {
	r := w.reg
	t := w.task

	r.mu.Lock()
	if t.Status == StatusCancelled {
		r.mu.Unlock()
		w.cleanupCancelled()
		return
	}
	t.Status = StatusFailed
	t.Error = cause.Error()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	r.failedTasks++
	retryable := t.RetryCount < t.MaxRetries
	snap := t.snapshot()
	r.mu.Unlock()

	r.logger.Printf("transfer failed: %s: %v", t.ID, cause)
	r.bus.Publish(t.ID, snap, event.TypeFailed)

	// Automatic retry shares the manual retry budget. The wait happens on
	// this (dying) worker goroutine; Retry spawns a fresh one.
	if retryable {
		time.Sleep(r.retryDelay)
		r.Retry(t.ID)
	}
}

// finishCancelled runs when the worker observes its cancelled context.
// The registry already flipped the status and removed the file; the worker
// removes again after closing its handle and publishes the terminal event.
func (w *worker) finishCancelled() {
	w.cleanupCancelled()
}

func (w *worker) cleanupCancelled() {
	r := w.reg
	t := w.task

	r.mu.Lock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	dest := t.Destination
	snap := t.snapshot()
	r.mu.Unlock()

	os.Remove(dest)
	r.bus.Publish(t.ID, snap, event.TypeCancelled)
}

func clampPercent(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
