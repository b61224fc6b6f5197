package progress

import (
	"sync"
	"time"

	"github.com/ytget/ytdl-web/internal/model"
)

// Report is one raw progress observation from a worker
type Report struct {
	Stage          string
	BytesProcessed int64
	TotalBytes     *int64  // nil when unknown
	RawSpeed       float64 // worker-reported bytes/sec, used until the window has data
	At             time.Time
}

type stageWindow struct {
	stage  string
	window *Window
}

// Aggregator keeps one window per task and resets it on stage change
type Aggregator struct {
	mu      sync.Mutex
	size    int
	windows map[string]*stageWindow
}

// NewAggregator creates an aggregator whose windows hold size samples
func NewAggregator(size int) *Aggregator {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Aggregator{
		size:    size,
		windows: make(map[string]*stageWindow),
	}
}

// Observe records r for taskID and returns the stage-local metrics:
// percentage from bytes when the total is known, smoothed speed and ETA.
func (a *Aggregator) Observe(taskID string, r Report) model.Metrics {
	if r.At.IsZero() {
		r.At = time.Now()
	}

	a.mu.Lock()
	sw, ok := a.windows[taskID]
	if !ok || sw.stage != r.Stage {
		sw = &stageWindow{stage: r.Stage, window: NewWindow(a.size)}
		a.windows[taskID] = sw
	}
	sw.window.Add(Sample{At: r.At, Bytes: r.BytesProcessed})
	speed := sw.window.Speed()
	a.mu.Unlock()

	if speed == 0 && r.RawSpeed > 0 {
		speed = r.RawSpeed
	}

	m := model.Metrics{
		BytesProcessed: r.BytesProcessed,
		Speed:          speed,
		ETASeconds:     ETA(r.TotalBytes, r.BytesProcessed, speed),
	}
	if r.TotalBytes != nil {
		total := *r.TotalBytes
		m.TotalBytes = &total
		if total > 0 {
			m.Percentage = float64(r.BytesProcessed) / float64(total) * 100
		}
	}
	return m
}

// ResetStage drops the window of taskID so the next stage starts fresh
func (a *Aggregator) ResetStage(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.windows, taskID)
}

// Forget drops all state for taskID
func (a *Aggregator) Forget(taskID string) {
	a.ResetStage(taskID)
}

// Tracked returns the number of tasks holding a window
func (a *Aggregator) Tracked() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.windows)
}
