package task

import "time"

// rateSample is one instantaneous throughput observation.
type rateSample struct {
	at  time.Time
	bps float64
}

// speedEstimator keeps instantaneous rate samples inside a sliding window
// and reports their arithmetic mean. A single worker owns each estimator,
// so no locking is needed.
type speedEstimator struct {
	window  time.Duration
	samples []rateSample
}

func newSpeedEstimator(window time.Duration) *speedEstimator {
	return &speedEstimator{window: window}
}

// Sample records bytes transferred over dt at time now and evicts samples
// that have fallen out of the window. Zero or negative dt is skipped.
func (e *speedEstimator) Sample(now time.Time, bytes int64, dt time.Duration) {
	if dt <= 0 {
		return
	}
	e.samples = append(e.samples, rateSample{at: now, bps: float64(bytes) / dt.Seconds()})

	cutoff := now.Add(-e.window)
	i := 0
	for i < len(e.samples) && !e.samples[i].at.After(cutoff) {
		i++
	}
	e.samples = e.samples[i:]
}

// Speed returns the mean rate in bytes/sec, or 0 with fewer than two
// samples in the window.
func (e *speedEstimator) Speed() float64 {
	if len(e.samples) < 2 {
		return 0
	}
	var sum float64
	for _, s := range e.samples {
		sum += s.bps
	}
	return sum / float64(len(e.samples))
}

// ETA returns the estimated seconds remaining, or false when the total
// size or the speed is unknown.
func (e *speedEstimator) ETA(total, downloaded int64) (int64, bool) {
	speed := e.Speed()
	if speed <= 0 || total <= 0 {
		return 0, false
	}
	remaining := total - downloaded
	if remaining < 0 {
		remaining = 0
	}
	return int64(float64(remaining) / speed), true
}
