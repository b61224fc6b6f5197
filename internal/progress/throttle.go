package progress

import "sync"

// Throttle remembers the last logged percentage per task so progress lines
// are written only every step points. The map is bounded: past limit entries
// the oldest task is forgotten.
type Throttle struct {
	mu    sync.Mutex
	step  float64
	limit int
	last  map[string]float64
	order []string
}

// NewThrottle creates a throttle logging every step percentage points
func NewThrottle(step float64, limit int) *Throttle {
	if step <= 0 {
		step = 10
	}
	if limit <= 0 {
		limit = 1024
	}
	return &Throttle{
		step:  step,
		limit: limit,
		last:  make(map[string]float64),
	}
}

// ShouldLog reports whether pct for taskID is worth a log line and records it
func (t *Throttle) ShouldLog(taskID string, pct float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, seen := t.last[taskID]
	if seen && pct < prev+t.step && !(pct >= 100 && prev < 100) {
		return false
	}
	if !seen {
		t.order = append(t.order, taskID)
		if len(t.order) > t.limit {
			oldest := t.order[0]
			t.order = t.order[1:]
			delete(t.last, oldest)
		}
	}
	t.last[taskID] = pct
	return true
}

// Forget drops taskID, called when the task is evicted
func (t *Throttle) Forget(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.last[taskID]; !ok {
		return
	}
	delete(t.last, taskID)
	for i, id := range t.order {
		if id == taskID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of remembered tasks
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}
