package model

import (
	"fmt"
	"maps"
	"math"
	"strings"
	"time"
)

// Common stage names used by the workers
const (
	StageMetadata    = "metadata"
	StageDownloading = "downloading"
	StageExtracting  = "extracting"
	StageFinalizing  = "finalizing"
	StageProbing     = "probing"
	StageEncoding    = "encoding"
)

// Metadata keys with a well-known meaning
const (
	MetaTitle = "title"
	MetaURL   = "url"
	MetaPath  = "path"
	// MetaClientID addresses the task's notifications to one client
	MetaClientID = "client_id"
)

// EventKind classifies a timeline entry and the registry event emitted with it
type EventKind string

const (
	EventCreated      EventKind = "created"
	EventStarted      EventKind = "started"
	EventProgress     EventKind = "progress"
	EventStageChanged EventKind = "stage_changed"
	EventCompleted    EventKind = "completed"
	EventFailed       EventKind = "failed"
	EventCancelled    EventKind = "cancelled"
	EventEvicted      EventKind = "evicted"
)

// Metrics holds the aggregated progress figures of a task or a stage
type Metrics struct {
	Percentage     float64  `json:"percentage"`            // 0 to 100
	BytesProcessed int64    `json:"bytes_processed"`       // cumulative bytes
	TotalBytes     *int64   `json:"total_bytes,omitempty"` // nil when unknown
	Speed          float64  `json:"speed"`                 // smoothed bytes/sec
	ETASeconds     *float64 `json:"eta_seconds,omitempty"` // nil when undefined
}

// Clone returns a deep copy of m
func (m Metrics) Clone() Metrics {
	out := m
	if m.TotalBytes != nil {
		v := *m.TotalBytes
		out.TotalBytes = &v
	}
	if m.ETASeconds != nil {
		v := *m.ETASeconds
		out.ETASeconds = &v
	}
	return out
}

// Stage is a named sub-phase of a task with its own counters
type Stage struct {
	Name        string    `json:"name"`
	Weight      float64   `json:"weight"`
	Metrics     Metrics   `json:"metrics"`
	Completed   bool      `json:"completed"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// TimelineEntry is one append-only audit record
type TimelineEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      EventKind `json:"kind"`
	Message   string    `json:"message"`
}

// Task is the registry's record of a unit of trackable work
type Task struct {
	ID           string            `json:"id"`
	Type         TaskType          `json:"type"`
	Status       TaskStatus        `json:"status"`
	Stages       []Stage           `json:"stages"`
	CurrentStage int               `json:"current_stage"` // index into Stages, -1 before the first update
	Metrics      Metrics           `json:"metrics"`
	Timeline     []TimelineEntry   `json:"timeline"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Title        string            `json:"title,omitempty"`
	OutputPath   string            `json:"output_path,omitempty"`
	LastError    string            `json:"error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    time.Time         `json:"started_at,omitempty"`
	FinishedAt   time.Time         `json:"finished_at,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Clone returns a deep copy of the task safe to hand out of the registry
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.Metrics = t.Metrics.Clone()
	out.Stages = make([]Stage, len(t.Stages))
	for i, s := range t.Stages {
		s.Metrics = s.Metrics.Clone()
		out.Stages[i] = s
	}
	out.Timeline = append([]TimelineEntry(nil), t.Timeline...)
	out.Metadata = maps.Clone(t.Metadata)
	return &out
}

// StageName returns the name of the current stage, or "" before the first update
func (t *Task) StageName() string {
	if t.CurrentStage < 0 || t.CurrentStage >= len(t.Stages) {
		return ""
	}
	return t.Stages[t.CurrentStage].Name
}

// StageIndex returns the index of the named stage, or -1
func (t *Task) StageIndex(name string) int {
	for i, s := range t.Stages {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// LastEvent returns the newest timeline entry
func (t *Task) LastEvent() (TimelineEntry, bool) {
	if len(t.Timeline) == 0 {
		return TimelineEntry{}, false
	}
	return t.Timeline[len(t.Timeline)-1], true
}

// GetETAString returns ETA formatted as hh:mm:ss, or "—" if unknown
func (t *Task) GetETAString() string {
	if t.Metrics.ETASeconds == nil {
		return "—"
	}
	eta := int(math.Round(*t.Metrics.ETASeconds))
	if eta <= 0 {
		return "—"
	}

	hours := eta / 3600
	minutes := (eta % 3600) / 60
	seconds := eta % 60

	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// GetDisplayTitle returns title, filename, or URL in order of preference
func (t *Task) GetDisplayTitle() string {
	title := t.Title
	if title == "" {
		title = t.Metadata[MetaTitle]
	}
	if title != "" && !strings.HasPrefix(title, "http") {
		return title
	}

	path := t.OutputPath
	if path == "" {
		path = t.Metadata[MetaPath]
	}
	if path != "" {
		// Support both / and \ separators
		parts := strings.FieldsFunc(path, func(r rune) bool {
			return r == '/' || r == '\\'
		})
		if len(parts) > 0 {
			filename := parts[len(parts)-1]
			if idx := strings.LastIndex(filename, "."); idx > 0 {
				filename = filename[:idx]
			}
			return filename
		}
	}

	if u := t.Metadata[MetaURL]; u != "" {
		return u
	}
	return t.ID
}
