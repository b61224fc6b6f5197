// Package console renders task progress from a notification queue as
// terminal progress bars.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/ytget/ytdl-web/internal/model"
)

// Source yields notifications, e.g. a *pubsub.Queue
type Source interface {
	Next(ctx context.Context) (model.Notification, error)
}

// Watcher keeps one bar per running task
type Watcher struct {
	out io.Writer

	mu       sync.Mutex
	bars     map[string]*progressbar.ProgressBar
	finished map[model.NotificationType]int
}

// NewWatcher renders to out
func NewWatcher(out io.Writer) *Watcher {
	return &Watcher{
		out:      out,
		bars:     make(map[string]*progressbar.ProgressBar),
		finished: make(map[model.NotificationType]int),
	}
}

// Run renders notifications from src until ctx is done or src is closed
func (w *Watcher) Run(ctx context.Context, src Source) error {
	for {
		n, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		w.Handle(n)
	}
}

// Handle updates the bar of the notification's task
func (w *Watcher) Handle(n model.Notification) {
	if n.TaskID == "" {
		if n.Type == model.NotificationSystemStatus {
			log.Printf("System: %s", n.Message)
		}
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	switch n.Type {
	case model.NotificationTaskCreated, model.NotificationTaskStarted:
		w.barLocked(n)
	case model.NotificationTaskProgress:
		bar := w.barLocked(n)
		if pct, ok := n.Data["percentage"].(float64); ok {
			_ = bar.Set(int(pct))
		}
		bar.Describe(describe(n))
	case model.NotificationTaskCompleted:
		bar := w.barLocked(n)
		_ = bar.Finish()
		fmt.Fprintln(w.out)
		w.doneLocked(n)
	case model.NotificationTaskFailed, model.NotificationTaskCancelled:
		bar := w.barLocked(n)
		bar.Describe(n.Title + ": " + n.Message)
		_ = bar.Exit()
		fmt.Fprintln(w.out)
		w.doneLocked(n)
	}
}

// Active returns the number of bars on screen
func (w *Watcher) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.bars)
}

// Finished returns how many tasks ended with the given notification type
func (w *Watcher) Finished(t model.NotificationType) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finished[t]
}

func (w *Watcher) barLocked(n model.Notification) *progressbar.ProgressBar {
	if bar, ok := w.bars[n.TaskID]; ok {
		return bar
	}
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(w.out),
		progressbar.OptionSetDescription(taskTitle(n)),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	w.bars[n.TaskID] = bar
	return bar
}

func (w *Watcher) doneLocked(n model.Notification) {
	delete(w.bars, n.TaskID)
	w.finished[n.Type]++
}

func taskTitle(n model.Notification) string {
	if title, ok := n.Data["title"].(string); ok && title != "" {
		return title
	}
	return n.TaskID
}

// describe prefixes the dispatcher's progress line with the task title
func describe(n model.Notification) string {
	return taskTitle(n) + " " + n.Message
}
