package progress

import (
	"math"
	"time"
)

// DefaultWindowSize is the number of samples kept per window
const DefaultWindowSize = 10

// Sample is one (timestamp, cumulative bytes) observation
type Sample struct {
	At    time.Time
	Bytes int64
}

// Window is a bounded sliding window of samples. It is not safe for
// concurrent use; Aggregator serializes access.
type Window struct {
	size    int
	samples []Sample
}

// NewWindow creates a window keeping at most size samples
func NewWindow(size int) *Window {
	if size < 2 {
		size = 2
	}
	return &Window{size: size, samples: make([]Sample, 0, size)}
}

// Add appends a sample, dropping the oldest one when full
func (w *Window) Add(s Sample) {
	if len(w.samples) == w.size {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:w.size-1]
	}
	w.samples = append(w.samples, s)
}

// Len returns the number of samples held
func (w *Window) Len() int {
	return len(w.samples)
}

// Reset discards all samples
func (w *Window) Reset() {
	w.samples = w.samples[:0]
}

// Speed returns the mean of the instantaneous speeds between consecutive
// samples, in bytes per second. Pairs with a non-positive time delta or a
// shrinking byte counter are skipped. Returns 0 when no pair qualifies.
func (w *Window) Speed() float64 {
	var sum float64
	var n int
	for i := 1; i < len(w.samples); i++ {
		prev, cur := w.samples[i-1], w.samples[i]
		dt := cur.At.Sub(prev.At).Seconds()
		db := cur.Bytes - prev.Bytes
		if dt <= 0 || db < 0 {
			continue
		}
		sum += float64(db) / dt
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// ETA returns the remaining seconds or nil when it is undefined (unknown
// total or no forward speed). Never negative: a finished transfer moving at a
// positive speed yields 0.
func ETA(total *int64, processed int64, speed float64) *float64 {
	if total == nil || speed <= 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		return nil
	}
	remaining := *total - processed
	if remaining <= 0 {
		zero := 0.0
		return &zero
	}
	eta := float64(remaining) / speed
	return &eta
}
