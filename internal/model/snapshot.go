package model

import (
	"fmt"
	"strconv"
	"time"
)

// TaskSnapshot is the flat record exchanged with snapshot stores. Every field
// travels as a string; numeric fields use the shortest exact float format so
// they survive a round trip unchanged.
type TaskSnapshot struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	URL        string     `json:"url,omitempty"`
	Path       string     `json:"path,omitempty"`
	Status     TaskStatus `json:"status"`
	Percentage float64    `json:"percentage"`
	Speed      float64    `json:"speed"`
	ETA        *float64   `json:"eta"` // nil when undefined
	Stage      string     `json:"stage,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Snapshot field names
const (
	FieldID         = "id"
	FieldTitle      = "title"
	FieldURL        = "url"
	FieldPath       = "path"
	FieldStatus     = "status"
	FieldPercentage = "percentage"
	FieldSpeed      = "speed"
	FieldETA        = "eta"
	FieldStage      = "stage"
	FieldUpdatedAt  = "updated_at"
)

// SnapshotOf captures the persisted view of a task
func SnapshotOf(t *Task) TaskSnapshot {
	s := TaskSnapshot{
		ID:         t.ID,
		Title:      t.GetDisplayTitle(),
		URL:        t.Metadata[MetaURL],
		Path:       t.OutputPath,
		Status:     t.Status,
		Percentage: t.Metrics.Percentage,
		Speed:      t.Metrics.Speed,
		Stage:      t.StageName(),
		UpdatedAt:  t.UpdatedAt,
	}
	if s.Path == "" {
		s.Path = t.Metadata[MetaPath]
	}
	if t.Metrics.ETASeconds != nil {
		v := *t.Metrics.ETASeconds
		s.ETA = &v
	}
	return s
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ToHash flattens the snapshot
func (s TaskSnapshot) ToHash() map[string]string {
	h := map[string]string{
		FieldID:         s.ID,
		FieldTitle:      s.Title,
		FieldURL:        s.URL,
		FieldPath:       s.Path,
		FieldStatus:     string(s.Status),
		FieldPercentage: formatFloat(s.Percentage),
		FieldSpeed:      formatFloat(s.Speed),
		FieldETA:        "",
		FieldStage:      s.Stage,
		FieldUpdatedAt:  s.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if s.ETA != nil {
		h[FieldETA] = formatFloat(*s.ETA)
	}
	return h
}

// SnapshotFromHash parses a flattened snapshot
func SnapshotFromHash(h map[string]string) (TaskSnapshot, error) {
	s := TaskSnapshot{
		ID:     h[FieldID],
		Title:  h[FieldTitle],
		URL:    h[FieldURL],
		Path:   h[FieldPath],
		Status: TaskStatus(h[FieldStatus]),
		Stage:  h[FieldStage],
	}
	if s.ID == "" {
		return TaskSnapshot{}, fmt.Errorf("snapshot missing %s", FieldID)
	}
	if !s.Status.IsValid() {
		return TaskSnapshot{}, fmt.Errorf("snapshot %s: unknown status %q", s.ID, h[FieldStatus])
	}

	var err error
	if s.Percentage, err = parseFloatField(h, FieldPercentage); err != nil {
		return TaskSnapshot{}, err
	}
	if s.Speed, err = parseFloatField(h, FieldSpeed); err != nil {
		return TaskSnapshot{}, err
	}
	if v := h[FieldETA]; v != "" {
		eta, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return TaskSnapshot{}, fmt.Errorf("parse %s: %w", FieldETA, err)
		}
		s.ETA = &eta
	}
	if v := h[FieldUpdatedAt]; v != "" {
		if s.UpdatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return TaskSnapshot{}, fmt.Errorf("parse %s: %w", FieldUpdatedAt, err)
		}
	}
	return s, nil
}

func parseFloatField(h map[string]string, key string) (float64, error) {
	v := h[key]
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return f, nil
}
