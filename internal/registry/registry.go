// Package registry is the authoritative record of task state. It enforces the
// lifecycle state machine pending -> running -> completed | failed | cancelled,
// aggregates stage progress into an overall percentage and emits one event per
// accepted mutation for the notification dispatcher.
package registry

import (
	"context"
	"fmt"
	"log"
	"maps"
	"sync"
	"time"

	"github.com/ytget/ytdl-web/internal/model"
)

// DefaultRetention keeps finished tasks around long enough for slow clients
// to fetch their final state
const DefaultRetention = 10 * time.Minute

// DefaultSweepInterval is how often Run evicts expired tasks
const DefaultSweepInterval = time.Minute

// DefaultStage is used when a task is created without stages
const DefaultStage = "processing"

// Options configures a Registry
type Options struct {
	Retention     time.Duration
	SweepInterval time.Duration
	// StageWeights assigns default weights by stage name; missing stages weigh 1
	StageWeights map[string]float64
	// Now overrides the clock, for tests
	Now func() time.Time
}

// Registry holds all tracked tasks behind a single lock
type Registry struct {
	mu     sync.RWMutex
	tasks  map[string]*model.Task
	order  []string // creation order for stable listing
	opts   Options
	outbox *Outbox
}

// New creates an empty registry
func New(opts Options) *Registry {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		tasks:  make(map[string]*model.Task),
		opts:   opts,
		outbox: newOutbox(),
	}
}

// Events returns the outbox drained by the dispatcher
func (r *Registry) Events() *Outbox {
	return r.outbox
}

// CreateOption customizes Create
type CreateOption func(*createConfig)

type createConfig struct {
	weights map[string]float64
	title   string
}

// WithWeights overrides stage weights for one task
func WithWeights(weights map[string]float64) CreateOption {
	return func(c *createConfig) { c.weights = weights }
}

// WithTitle sets the initial display title
func WithTitle(title string) CreateOption {
	return func(c *createConfig) { c.title = title }
}

// TransitionOption customizes a terminal transition
type TransitionOption func(*Event)

// Elevated raises the priority of the resulting notification
func Elevated() TransitionOption {
	return func(e *Event) { e.Priority = model.PriorityHigh }
}

// Create registers a new pending task. Fails with ErrDuplicateTask if the id
// is still tracked.
func (r *Registry) Create(id string, taskType model.TaskType, stages []string, metadata map[string]string, opts ...CreateOption) (*model.Task, error) {
	if id == "" {
		return nil, fmt.Errorf("task id is empty")
	}
	if !taskType.IsValid() {
		return nil, fmt.Errorf("unknown task type %q", taskType)
	}
	cfg := createConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(stages) == 0 {
		stages = []string{DefaultStage}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[id]; exists {
		return nil, model.Duplicate(id)
	}

	now := r.opts.Now()
	task := &model.Task{
		ID:           id,
		Type:         taskType,
		Status:       model.TaskStatusPending,
		Stages:       make([]model.Stage, 0, len(stages)),
		CurrentStage: -1,
		Metadata:     maps.Clone(metadata),
		Title:        cfg.title,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if task.Title == "" {
		task.Title = metadata[model.MetaTitle]
	}
	seen := make(map[string]bool, len(stages))
	for _, name := range stages {
		if seen[name] {
			return nil, fmt.Errorf("task %s: duplicate stage %q", id, name)
		}
		seen[name] = true
		task.Stages = append(task.Stages, model.Stage{Name: name, Weight: r.weightFor(name, cfg.weights)})
	}

	r.tasks[id] = task
	r.order = append(r.order, id)
	r.record(task, model.EventCreated, fmt.Sprintf("%s task created", taskType.Label()), "", now)
	return task.Clone(), nil
}

func (r *Registry) weightFor(stage string, override map[string]float64) float64 {
	if w, ok := override[stage]; ok && w > 0 {
		return w
	}
	if w, ok := r.opts.StageWeights[stage]; ok && w > 0 {
		return w
	}
	return 1
}

// Start moves a task from pending to running
func (r *Registry) Start(id, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.lookup(id)
	if err != nil {
		return err
	}
	if task.Status != model.TaskStatusPending {
		return &model.TransitionError{TaskID: id, From: task.Status, To: model.TaskStatusRunning}
	}

	now := r.opts.Now()
	task.Status = model.TaskStatusRunning
	task.StartedAt = now
	if message == "" {
		message = "Started"
	}
	r.record(task, model.EventStarted, message, "", now)
	return nil
}

// EnterStage marks every earlier stage completed and makes stage current with
// a zeroed stage-local percentage. Moving back to an earlier stage is rejected.
func (r *Registry) EnterStage(id, stage, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.lookup(id)
	if err != nil {
		return err
	}
	if task.Status != model.TaskStatusRunning {
		return &model.TransitionError{TaskID: id, From: task.Status, To: model.TaskStatusRunning, Reason: "stage change requires a running task"}
	}
	idx, err := r.stageIndex(task, stage)
	if err != nil {
		return err
	}
	if idx == task.CurrentStage {
		return nil
	}

	now := r.opts.Now()
	r.advanceStage(task, idx, now)
	r.recomputeOverall(task)
	if message == "" {
		message = "Entered stage " + stage
	}
	r.record(task, model.EventStageChanged, message, stage, now)
	return nil
}

// UpdateProgress records stage-local metrics for a running task and recomputes
// the overall percentage as the weighted mean of stage percentages, counting
// completed stages as 100. Percentages are clamped to [0, 100] and the overall
// value never decreases.
func (r *Registry) UpdateProgress(id, stage string, metrics model.Metrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.lookup(id)
	if err != nil {
		return err
	}
	if task.Status != model.TaskStatusRunning {
		return &model.TransitionError{TaskID: id, From: task.Status, To: model.TaskStatusRunning, Reason: "progress requires a running task"}
	}
	idx, err := r.stageIndex(task, stage)
	if err != nil {
		return err
	}

	now := r.opts.Now()
	if idx != task.CurrentStage {
		r.advanceStage(task, idx, now)
		r.record(task, model.EventStageChanged, "Entered stage "+stage, stage, now)
	}

	st := &task.Stages[idx]
	st.Metrics = metrics.Clone()
	st.Metrics.Percentage = clamp(metrics.Percentage)

	r.recomputeOverall(task)
	task.Metrics.BytesProcessed = st.Metrics.BytesProcessed
	task.Metrics.TotalBytes = st.Metrics.Clone().TotalBytes
	task.Metrics.Speed = st.Metrics.Speed
	task.Metrics.ETASeconds = st.Metrics.Clone().ETASeconds
	task.UpdatedAt = now

	r.emit(task, model.EventProgress, stage, now)
	return nil
}

// SetDetails fills in the display title and output path learned by the worker.
// Empty values leave the current ones untouched.
func (r *Registry) SetDetails(id, title, outputPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.lookup(id)
	if err != nil {
		return err
	}
	if task.Status.IsFinished() {
		return &model.TransitionError{TaskID: id, From: task.Status, To: task.Status, Reason: "task is finished"}
	}
	if title != "" {
		task.Title = title
	}
	if outputPath != "" {
		task.OutputPath = outputPath
	}
	task.UpdatedAt = r.opts.Now()
	return nil
}

// Complete moves a running task to completed
func (r *Registry) Complete(id, message string, opts ...TransitionOption) error {
	return r.finish(id, model.TaskStatusCompleted, "", message, opts)
}

// Fail moves a running task to failed and stores the error string
func (r *Registry) Fail(id, errMsg, message string, opts ...TransitionOption) error {
	return r.finish(id, model.TaskStatusFailed, errMsg, message, opts)
}

// Cancel moves a pending or running task to cancelled. It only records the
// cancellation; the worker is expected to notice and stop.
func (r *Registry) Cancel(id, message string, opts ...TransitionOption) error {
	return r.finish(id, model.TaskStatusCancelled, "", message, opts)
}

func (r *Registry) finish(id string, to model.TaskStatus, errMsg, message string, opts []TransitionOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.lookup(id)
	if err != nil {
		return err
	}
	if task.Status == to {
		// same terminal state again is a no-op
		return nil
	}
	if !task.Status.CanTransition(to) {
		return &model.TransitionError{TaskID: id, From: task.Status, To: to}
	}

	now := r.opts.Now()
	task.Status = to
	task.FinishedAt = now

	var kind model.EventKind
	switch to {
	case model.TaskStatusCompleted:
		kind = model.EventCompleted
		for i := range task.Stages {
			r.completeStage(&task.Stages[i], now)
		}
		task.CurrentStage = len(task.Stages) - 1
		task.Metrics.Percentage = 100
		if task.Metrics.TotalBytes != nil {
			task.Metrics.BytesProcessed = *task.Metrics.TotalBytes
		}
		zero := 0.0
		task.Metrics.ETASeconds = &zero
		if message == "" {
			message = "Completed"
		}
	case model.TaskStatusFailed:
		kind = model.EventFailed
		task.LastError = errMsg
		task.Metrics.ETASeconds = nil
		if message == "" {
			message = "Failed: " + errMsg
		}
	case model.TaskStatusCancelled:
		kind = model.EventCancelled
		task.Metrics.ETASeconds = nil
		if message == "" {
			message = "Cancelled"
		}
	}

	task.Timeline = append(task.Timeline, model.TimelineEntry{Timestamp: now, Kind: kind, Message: message})
	task.UpdatedAt = now

	e := Event{Kind: kind, Stage: task.StageName(), At: now}
	for _, opt := range opts {
		opt(&e)
	}
	e.Task = task.Clone()
	r.outbox.push(e)
	return nil
}

// Get returns a copy of the task
func (r *Registry) Get(id string) (*model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return task.Clone(), nil
}

// Status returns the current status, cheap enough for cooperative polling
func (r *Registry) Status(id string) (model.TaskStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	return task.Status, nil
}

// List returns copies of all tasks in creation order
func (r *Registry) List() []*model.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]*model.Task, 0, len(r.order))
	for _, id := range r.order {
		tasks = append(tasks, r.tasks[id].Clone())
	}
	return tasks
}

// Len returns the number of tracked tasks
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// Evict removes a task regardless of its status
func (r *Registry) Evict(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.lookup(id)
	if err != nil {
		return err
	}
	r.remove(task, r.opts.Now())
	return nil
}

// Sweep evicts finished tasks whose terminal timestamp is older than the
// retention window and returns their ids
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for _, id := range append([]string(nil), r.order...) {
		task := r.tasks[id]
		if task.Status.IsFinished() && now.Sub(task.FinishedAt) >= r.opts.Retention {
			r.remove(task, now)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Run sweeps on a ticker until ctx is done
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := r.Sweep(r.opts.Now()); len(evicted) > 0 {
				log.Printf("registry: evicted %d finished tasks", len(evicted))
			}
		}
	}
}

func (r *Registry) remove(task *model.Task, now time.Time) {
	delete(r.tasks, task.ID)
	for i, id := range r.order {
		if id == task.ID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.outbox.push(Event{Kind: model.EventEvicted, Task: task.Clone(), At: now})
}

func (r *Registry) lookup(id string) (*model.Task, error) {
	task, ok := r.tasks[id]
	if !ok {
		return nil, model.NotFound(id)
	}
	return task, nil
}

func (r *Registry) stageIndex(task *model.Task, stage string) (int, error) {
	idx := task.StageIndex(stage)
	if idx < 0 {
		return -1, &model.TransitionError{TaskID: task.ID, From: task.Status, To: task.Status, Reason: fmt.Sprintf("unknown stage %q", stage)}
	}
	if idx < task.CurrentStage {
		return -1, &model.TransitionError{TaskID: task.ID, From: task.Status, To: task.Status,
			Reason: fmt.Sprintf("stage %q precedes current stage %q", stage, task.StageName())}
	}
	return idx, nil
}

// advanceStage completes every stage before idx and makes idx current
func (r *Registry) advanceStage(task *model.Task, idx int, now time.Time) {
	for i := 0; i < idx; i++ {
		r.completeStage(&task.Stages[i], now)
	}
	st := &task.Stages[idx]
	st.Metrics = model.Metrics{}
	st.StartedAt = now
	task.CurrentStage = idx
}

func (r *Registry) completeStage(st *model.Stage, now time.Time) {
	if st.Completed {
		return
	}
	st.Completed = true
	st.Metrics.Percentage = 100
	st.CompletedAt = now
	if st.StartedAt.IsZero() {
		st.StartedAt = now
	}
}

func (r *Registry) recomputeOverall(task *model.Task) {
	var total, weighted float64
	for _, st := range task.Stages {
		pct := st.Metrics.Percentage
		if st.Completed {
			pct = 100
		}
		total += st.Weight
		weighted += st.Weight * pct
	}
	if total <= 0 {
		return
	}
	overall := clamp(weighted / total)
	if overall > task.Metrics.Percentage {
		task.Metrics.Percentage = overall
	}
}

// record appends a timeline entry and emits the matching event
func (r *Registry) record(task *model.Task, kind model.EventKind, message, stage string, now time.Time) {
	task.Timeline = append(task.Timeline, model.TimelineEntry{Timestamp: now, Kind: kind, Message: message})
	task.UpdatedAt = now
	r.emit(task, kind, stage, now)
}

func (r *Registry) emit(task *model.Task, kind model.EventKind, stage string, now time.Time) {
	if stage == "" {
		stage = task.StageName()
	}
	r.outbox.push(Event{Kind: kind, Task: task.Clone(), Stage: stage, At: now})
}

func clamp(pct float64) float64 {
	if pct != pct || pct < 0 { // NaN or negative
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
