package notify

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ytget/ytdl-web/internal/model"
	"github.com/ytget/ytdl-web/internal/registry"
)

// Title returns e.g. "Download started" or "Transcription failed"
func Title(t model.TaskType, kind model.EventKind) string {
	return t.Label() + " " + statusPhrase(kind)
}

func statusPhrase(kind model.EventKind) string {
	switch kind {
	case model.EventCreated:
		return "queued"
	case model.EventStarted:
		return "started"
	case model.EventProgress, model.EventStageChanged:
		return "in progress"
	case model.EventCompleted:
		return "completed"
	case model.EventFailed:
		return "failed"
	case model.EventCancelled:
		return "cancelled"
	}
	return string(kind)
}

func messageFor(e registry.Event) string {
	task := e.Task
	title := task.GetDisplayTitle()

	switch e.Kind {
	case model.EventProgress:
		return ProgressLine(task.Metrics, e.Stage)
	case model.EventStageChanged:
		if entry, ok := task.LastEvent(); ok && entry.Kind == model.EventStageChanged {
			return entry.Message
		}
		return "Entered stage " + e.Stage
	case model.EventCompleted:
		msg := title + " completed"
		if task.OutputPath != "" {
			msg = title + " saved to " + task.OutputPath
		}
		if total := task.Metrics.TotalBytes; total != nil && *total > 0 {
			msg += " (" + humanize.Bytes(uint64(*total)) + ")"
		}
		return msg
	case model.EventFailed:
		if task.LastError != "" {
			return title + ": " + task.LastError
		}
		return title + " failed"
	case model.EventCancelled:
		return title + " was cancelled"
	}
	if entry, ok := task.LastEvent(); ok && entry.Kind == e.Kind {
		return title + ": " + entry.Message
	}
	return title
}

// ProgressLine formats metrics as "42.0% · 3.1 MB of 7.4 MB · 1.2 MB/s · ETA 5s"
func ProgressLine(m model.Metrics, stage string) string {
	parts := []string{fmt.Sprintf("%.1f%%", m.Percentage)}
	if m.TotalBytes != nil && *m.TotalBytes > 0 {
		parts = append(parts, humanize.Bytes(uint64(max(m.BytesProcessed, 0)))+" of "+humanize.Bytes(uint64(*m.TotalBytes)))
	} else if m.BytesProcessed > 0 {
		parts = append(parts, humanize.Bytes(uint64(m.BytesProcessed)))
	}
	if m.Speed > 0 {
		parts = append(parts, SpeedString(m.Speed))
	}
	if m.ETASeconds != nil {
		parts = append(parts, "ETA "+ETAString(*m.ETASeconds))
	}
	line := strings.Join(parts, " · ")
	if stage != "" {
		line = stage + ": " + line
	}
	return line
}

// SpeedString formats bytes per second, e.g. "1.2 MB/s"
func SpeedString(bytesPerSec float64) string {
	if bytesPerSec <= 0 || math.IsInf(bytesPerSec, 0) || math.IsNaN(bytesPerSec) {
		return "0 B/s"
	}
	return humanize.Bytes(uint64(bytesPerSec)) + "/s"
}

// ETAString rounds seconds to a duration string, e.g. "1m5s"
func ETAString(seconds float64) string {
	if seconds <= 0 {
		return "0s"
	}
	return (time.Duration(seconds * float64(time.Second))).Round(time.Second).String()
}

func taskData(task *model.Task, stage string) map[string]any {
	data := map[string]any{
		"task_id":         task.ID,
		"task_type":       string(task.Type),
		"status":          string(task.Status),
		"stage":           stage,
		"title":           task.GetDisplayTitle(),
		"percentage":      task.Metrics.Percentage,
		"bytes_processed": task.Metrics.BytesProcessed,
		"speed":           task.Metrics.Speed,
	}
	if task.Metrics.TotalBytes != nil {
		data["total_bytes"] = *task.Metrics.TotalBytes
	}
	if task.Metrics.ETASeconds != nil {
		data["eta_seconds"] = *task.Metrics.ETASeconds
	}
	if url := task.Metadata[model.MetaURL]; url != "" {
		data["url"] = url
	}
	if task.OutputPath != "" {
		data["path"] = task.OutputPath
	}
	if task.LastError != "" {
		data["error"] = task.LastError
	}
	return data
}
