package task

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dustin/go-humanize"
)

// ReportTask is the per-task row of the diagnostics report. Sizes are in
// MB and speed in MB/s; the *Display fields carry humanized strings for
// direct rendering.
type ReportTask struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	Status          Status     `json:"status"`
	ProgressPercent float64    `json:"progress_percent"`
	TotalSizeMB     float64    `json:"total_size_mb"`
	DownloadedMB    float64    `json:"downloaded_size_mb"`
	SpeedMBPS       float64    `json:"speed_mbps"`
	ETASeconds      *int64     `json:"eta_seconds,omitempty"`
	ElapsedSeconds  float64    `json:"elapsed_seconds"`
	RetryCount      int        `json:"retry_count"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	SizeDisplay     string     `json:"size_display"`
	SpeedDisplay    string     `json:"speed_display"`
}

// Report is a point-in-time diagnostics export: global aggregates plus one
// row per task. No wire-format stability is promised.
type Report struct {
	Timestamp time.Time    `json:"timestamp"`
	Stats     Stats        `json:"global_stats"`
	Tasks     []ReportTask `json:"tasks"`
}

// Report builds the diagnostics report from the current registry state.
func (r *Registry) Report() Report {
	rep := Report{
		Timestamp: time.Now(),
		Stats:     r.Stats(),
	}
	for _, s := range r.List() {
		rep.Tasks = append(rep.Tasks, reportRow(s))
	}
	return rep
}

// ExportReport writes the report as indented JSON to path.
func (r *Registry) ExportReport(path string) error {
	data, err := json.MarshalIndent(r.Report(), "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}
	r.logger.Printf("diagnostics report exported: %s", path)
	return nil
}

func reportRow(s Snapshot) ReportTask {
	const mb = 1024 * 1024
	m := s.Metrics
	return ReportTask{
		ID:              s.ID,
		Name:            s.Name,
		Description:     s.Description,
		Status:          s.Status,
		ProgressPercent: m.ProgressPercent,
		TotalSizeMB:     float64(m.TotalSize) / mb,
		DownloadedMB:    float64(m.DownloadedSize) / mb,
		SpeedMBPS:       m.SpeedBPS / mb,
		ETASeconds:      m.ETASeconds,
		ElapsedSeconds:  m.ElapsedSeconds,
		RetryCount:      s.RetryCount,
		ErrorMessage:    s.Error,
		CreatedAt:       s.CreatedAt,
		SizeDisplay:     humanize.IBytes(uint64(max(m.TotalSize, 0))),
		SpeedDisplay:    humanize.IBytes(uint64(max(int64(m.SpeedBPS), 0))) + "/s",
	}
}
