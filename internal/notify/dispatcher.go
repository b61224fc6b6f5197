// Package notify turns registry events into typed notifications and publishes
// them. Publishing is decoupled from the registry: a failed publish is logged
// and the task state is unaffected.
package notify

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/ytget/ytdl-web/internal/model"
	"github.com/ytget/ytdl-web/internal/progress"
	"github.com/ytget/ytdl-web/internal/registry"
	"github.com/ytget/ytdl-web/internal/store"
)

// Publisher delivers a notification to its addressees
type Publisher interface {
	Publish(ctx context.Context, n model.Notification) error
}

// DefaultTimeout bounds the handling of one event
const DefaultTimeout = 5 * time.Second

// Options configures a Dispatcher. Every field is optional.
type Options struct {
	// Snapshots holds the live snapshot of every tracked task; it is removed
	// when the registry evicts the task
	Snapshots store.SnapshotStore
	// Archive receives the final snapshot of finished tasks and keeps it
	Archive store.SnapshotStore
	// Throttle limits progress log lines
	Throttle *progress.Throttle
	// OnEvict is called with the id of every evicted task
	OnEvict []func(taskID string)
	// ProgressTTL expires progress notifications that are not delivered in
	// time; zero keeps them forever
	ProgressTTL time.Duration
	Timeout     time.Duration
	Now         func() time.Time
}

// Dispatcher drains the registry outbox
type Dispatcher struct {
	events *registry.Outbox
	pub    Publisher
	opts   Options
}

// NewDispatcher creates a dispatcher for the events of one registry
func NewDispatcher(events *registry.Outbox, pub Publisher, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Throttle == nil {
		opts.Throttle = progress.NewThrottle(10, 0)
	}
	return &Dispatcher{events: events, pub: pub, opts: opts}
}

// Run handles events in registry order until ctx is done
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		e, err := d.events.Next(ctx)
		if err != nil {
			return
		}
		d.Dispatch(ctx, e)
	}
}

// Dispatch handles a single event: persists the snapshot and publishes the
// notification. Errors are logged only.
func (d *Dispatcher) Dispatch(ctx context.Context, e registry.Event) {
	if e.Task == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	task := e.Task
	if e.Kind == model.EventEvicted {
		d.evict(ctx, task.ID)
		return
	}

	d.persist(ctx, e)
	d.logEvent(e)

	n, ok := d.Build(e)
	if !ok {
		return
	}
	if err := d.pub.Publish(ctx, n); err != nil {
		log.Printf("notify: publish %s for task %s failed: %v", n.Type, task.ID, err)
	}
}

// Build maps an event to its notification. Events without a notification
// type report false.
func (d *Dispatcher) Build(e registry.Event) (model.Notification, bool) {
	nt, ok := notificationType(e.Kind)
	if !ok {
		return model.Notification{}, false
	}
	task := e.Task
	now := d.opts.Now()

	n := model.Notification{
		Type:      nt,
		Priority:  priorityFor(e),
		Title:     Title(task.Type, e.Kind),
		Message:   messageFor(e),
		Data:      taskData(task, e.Stage),
		TaskID:    task.ID,
		ClientID:  task.Metadata[model.MetaClientID],
		Timestamp: now,
	}
	if nt == model.NotificationTaskProgress && d.opts.ProgressTTL > 0 {
		expires := now.Add(d.opts.ProgressTTL)
		n.ExpiresAt = &expires
	}
	return n, true
}

// TaskStarted publishes a task_started notification for task
func (d *Dispatcher) TaskStarted(ctx context.Context, task *model.Task) error {
	return d.emit(ctx, model.EventStarted, task)
}

// TaskProgress publishes a task_progress notification for task
func (d *Dispatcher) TaskProgress(ctx context.Context, task *model.Task) error {
	return d.emit(ctx, model.EventProgress, task)
}

// TaskCompleted publishes a task_completed notification for task
func (d *Dispatcher) TaskCompleted(ctx context.Context, task *model.Task) error {
	return d.emit(ctx, model.EventCompleted, task)
}

// TaskFailed publishes a task_failed notification for task
func (d *Dispatcher) TaskFailed(ctx context.Context, task *model.Task) error {
	return d.emit(ctx, model.EventFailed, task)
}

func (d *Dispatcher) emit(ctx context.Context, kind model.EventKind, task *model.Task) error {
	if task == nil {
		return errors.New("task is nil")
	}
	n, _ := d.Build(registry.Event{Kind: kind, Task: task, Stage: task.StageName(), At: d.opts.Now()})
	return d.pub.Publish(ctx, n)
}

// SystemStatus broadcasts a system_status notification
func (d *Dispatcher) SystemStatus(ctx context.Context, message string, data map[string]any) error {
	return d.pub.Publish(ctx, model.Notification{
		Type:      model.NotificationSystemStatus,
		Priority:  model.PriorityNormal,
		Title:     "System status",
		Message:   message,
		Data:      data,
		Timestamp: d.opts.Now(),
	})
}

// SendToClient sends a client_message to one client. It is queued for replay
// when the client is offline.
func (d *Dispatcher) SendToClient(ctx context.Context, clientID, title, message string, data map[string]any) error {
	if clientID == "" {
		return errors.New("client id is empty")
	}
	return d.pub.Publish(ctx, model.Notification{
		Type:      model.NotificationClientMessage,
		Priority:  model.PriorityNormal,
		Title:     title,
		Message:   message,
		Data:      data,
		ClientID:  clientID,
		Timestamp: d.opts.Now(),
	})
}

// SendToGroup sends a client_message to every member of group
func (d *Dispatcher) SendToGroup(ctx context.Context, group, title, message string, data map[string]any) error {
	if group == "" {
		return errors.New("group is empty")
	}
	return d.pub.Publish(ctx, model.Notification{
		Type:      model.NotificationClientMessage,
		Priority:  model.PriorityNormal,
		Title:     title,
		Message:   message,
		Data:      data,
		GroupID:   group,
		Timestamp: d.opts.Now(),
	})
}

func (d *Dispatcher) persist(ctx context.Context, e registry.Event) {
	snap := model.SnapshotOf(e.Task)
	if d.opts.Snapshots != nil {
		if err := d.opts.Snapshots.Save(ctx, snap); err != nil {
			log.Printf("notify: save snapshot of %s: %v", snap.ID, err)
		}
	}
	if d.opts.Archive != nil && e.Task.Status.IsFinished() {
		if err := d.opts.Archive.Save(ctx, snap); err != nil {
			log.Printf("notify: archive snapshot of %s: %v", snap.ID, err)
		}
	}
}

func (d *Dispatcher) evict(ctx context.Context, taskID string) {
	if d.opts.Snapshots != nil {
		if err := d.opts.Snapshots.Delete(ctx, taskID); err != nil {
			log.Printf("notify: delete snapshot of %s: %v", taskID, err)
		}
	}
	d.opts.Throttle.Forget(taskID)
	for _, fn := range d.opts.OnEvict {
		fn(taskID)
	}
}

func (d *Dispatcher) logEvent(e registry.Event) {
	task := e.Task
	switch e.Kind {
	case model.EventProgress:
		if d.opts.Throttle.ShouldLog(task.ID, task.Metrics.Percentage) {
			log.Printf("Task %s progress: %.1f%% (%s)", task.ID, task.Metrics.Percentage, e.Stage)
		}
	case model.EventFailed:
		log.Printf("Task %s failed: %s", task.ID, task.LastError)
	case model.EventStageChanged:
	default:
		log.Printf("Task %s %s", task.ID, e.Kind)
	}
}

func notificationType(kind model.EventKind) (model.NotificationType, bool) {
	switch kind {
	case model.EventCreated:
		return model.NotificationTaskCreated, true
	case model.EventStarted:
		return model.NotificationTaskStarted, true
	case model.EventProgress, model.EventStageChanged:
		return model.NotificationTaskProgress, true
	case model.EventCompleted:
		return model.NotificationTaskCompleted, true
	case model.EventFailed:
		return model.NotificationTaskFailed, true
	case model.EventCancelled:
		return model.NotificationTaskCancelled, true
	}
	return "", false
}

func priorityFor(e registry.Event) model.Priority {
	if e.Priority != "" {
		return e.Priority
	}
	if e.Kind == model.EventFailed {
		return model.PriorityHigh
	}
	return model.PriorityNormal
}
