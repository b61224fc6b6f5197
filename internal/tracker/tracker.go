// Package tracker is the surface workers report through. It turns raw byte
// counters into smoothed metrics and feeds them to the registry.
package tracker

import (
	"errors"

	"github.com/ytget/ytdl-web/internal/model"
	"github.com/ytget/ytdl-web/internal/progress"
	"github.com/ytget/ytdl-web/internal/registry"
)

// Tracker glues the progress aggregator to the registry
type Tracker struct {
	reg *registry.Registry
	agg *progress.Aggregator
}

// New creates a tracker
func New(reg *registry.Registry, agg *progress.Aggregator) *Tracker {
	if agg == nil {
		agg = progress.NewAggregator(progress.DefaultWindowSize)
	}
	return &Tracker{reg: reg, agg: agg}
}

// Registry returns the underlying registry
func (t *Tracker) Registry() *registry.Registry {
	return t.reg
}

// Create registers a pending task
func (t *Tracker) Create(id string, taskType model.TaskType, stages []string, metadata map[string]string, opts ...registry.CreateOption) (*model.Task, error) {
	return t.reg.Create(id, taskType, stages, metadata, opts...)
}

// Start moves a task to running
func (t *Tracker) Start(taskID string) error {
	return t.reg.Start(taskID, "")
}

// ReportProgress records a byte counter observation for stage. totalBytes is
// nil when the size is unknown; rawSpeed is the worker's own estimate and is
// used until the sliding window has two samples.
func (t *Tracker) ReportProgress(taskID string, bytesProcessed int64, totalBytes *int64, rawSpeed float64, stage string) error {
	m := t.agg.Observe(taskID, progress.Report{
		Stage:          stage,
		BytesProcessed: bytesProcessed,
		TotalBytes:     totalBytes,
		RawSpeed:       rawSpeed,
	})
	return t.reg.UpdateProgress(taskID, stage, m)
}

// ReportPercentage records progress for workers that only know a fraction,
// such as an encoder reporting processed media time
func (t *Tracker) ReportPercentage(taskID, stage string, pct float64, eta *float64) error {
	return t.reg.UpdateProgress(taskID, stage, model.Metrics{Percentage: pct, ETASeconds: eta})
}

// ReportStageChange moves the task to stage and starts a fresh speed window
func (t *Tracker) ReportStageChange(taskID, stage, message string) error {
	t.agg.ResetStage(taskID)
	return t.reg.EnterStage(taskID, stage, message)
}

// ReportDetails records the title and output path learned while working
func (t *Tracker) ReportDetails(taskID, title, outputPath string) error {
	return t.reg.SetDetails(taskID, title, outputPath)
}

// ReportError fails the task with err's message
func (t *Tracker) ReportError(taskID string, err error) error {
	t.agg.Forget(taskID)
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return t.reg.Fail(taskID, msg, "")
}

// ReportDone completes the task, recording outputPath when known
func (t *Tracker) ReportDone(taskID, outputPath string) error {
	t.agg.Forget(taskID)
	if outputPath != "" {
		if err := t.reg.SetDetails(taskID, "", outputPath); err != nil {
			return err
		}
	}
	return t.reg.Complete(taskID, "")
}

// Cancel records a cancellation. The worker notices through Cancelled.
func (t *Tracker) Cancel(taskID, message string, opts ...registry.TransitionOption) error {
	t.agg.Forget(taskID)
	return t.reg.Cancel(taskID, message, opts...)
}

// Cancelled reports whether the worker should stop: the task was cancelled
// or is no longer tracked
func (t *Tracker) Cancelled(taskID string) bool {
	status, err := t.reg.Status(taskID)
	if errors.Is(err, model.ErrTaskNotFound) {
		return true
	}
	return status == model.TaskStatusCancelled
}

// Forget drops the aggregator state of an evicted task
func (t *Tracker) Forget(taskID string) {
	t.agg.Forget(taskID)
}
