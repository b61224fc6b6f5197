package download

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ytget/ytdl-web/internal/model"
	"github.com/ytget/ytdl-web/internal/progress"
	"github.com/ytget/ytdl-web/internal/registry"
	"github.com/ytget/ytdl-web/internal/tracker"
)

// fakeRunner plays back a fixed list of updates, or blocks until released
type fakeRunner struct {
	updates []Progress
	result  Result
	err     error
	block   chan struct{}

	mu    sync.Mutex
	calls int
	jobs  []Job
}

func (f *fakeRunner) Run(ctx context.Context, job Job, onProgress func(Progress)) (Result, error) {
	f.mu.Lock()
	f.calls++
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()

	for _, u := range f.updates {
		onProgress(u)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return f.result, f.err
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestService(t *testing.T, runner Runner, maxParallel int) (*Service, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.Options{})
	tr := tracker.New(reg, progress.NewAggregator(progress.DefaultWindowSize))
	svc := NewService(tr, runner, Options{
		DownloadDir:  t.TempDir(),
		MaxParallel:  maxParallel,
		RetryDelay:   10 * time.Millisecond,
		MaxRetries:   1,
		PollInterval: 5 * time.Millisecond,
	})
	return svc, reg
}

func waitForStatus(t *testing.T, reg *registry.Registry, id string, want model.TaskStatus) *model.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := reg.Get(id)
		if err == nil && task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := reg.Get(id)
	t.Fatalf("task %s did not reach %s, last state %+v", id, want, task)
	return nil
}

func TestNewService(t *testing.T) {
	service, _ := newTestService(t, &fakeRunner{}, 2)

	if service.downloadDir == "" {
		t.Error("Expected downloadDir to be set")
	}

	if service.maxParallel != 2 {
		t.Errorf("Expected maxParallel to be 2, got %d", service.maxParallel)
	}

	if len(service.GetAllTasks()) != 0 {
		t.Errorf("Expected no tasks, got %d", len(service.GetAllTasks()))
	}
}

func TestAddTask(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	service, _ := newTestService(t, runner, 1)
	defer close(runner.block)

	// Add first task
	task1, err := service.AddTask("https://youtube.com/watch?v=test1", map[string]string{model.MetaClientID: "alice"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if task1.Metadata[model.MetaURL] != "https://youtube.com/watch?v=test1" {
		t.Errorf("Expected URL to be 'https://youtube.com/watch?v=test1', got '%s'", task1.Metadata[model.MetaURL])
	}
	if task1.Metadata[model.MetaClientID] != "alice" {
		t.Errorf("Expected client_id metadata to be kept, got %v", task1.Metadata)
	}
	if task1.Status != model.TaskStatusPending {
		t.Errorf("Expected status to be Pending, got %s", task1.Status)
	}

	// Try to add duplicate task (should fail)
	_, err = service.AddTask("https://youtube.com/watch?v=test1", nil)
	if err == nil {
		t.Error("Expected error for duplicate URL, got nil")
	}

	// Add different task (should succeed)
	if _, err := service.AddTask("https://youtube.com/watch?v=test2", nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if _, err := service.AddTask("", nil); err == nil {
		t.Error("Expected error for empty URL, got nil")
	}
}

func TestDownloadCompletes(t *testing.T) {
	total := int64(1000)
	runner := &fakeRunner{
		updates: []Progress{
			{Phase: PhaseMetadata, Title: "Never Gonna Give You Up"},
			{Phase: PhaseDownloading, DownloadedBytes: 250, TotalBytes: &total, Speed: 100},
			{Phase: PhaseDownloading, DownloadedBytes: 1000, TotalBytes: &total, Speed: 100},
			{Phase: PhaseFinalizing},
		},
	}
	service, reg := newTestService(t, runner, 1)
	runner.result = Result{Path: filepath.Join(service.downloadDir, "Never_Gonna_Give_You_Up.mp4")}

	task, err := service.AddTask("https://youtube.com/watch?v=dQw4w9WgXcQ", nil)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	done := waitForStatus(t, reg, task.ID, model.TaskStatusCompleted)

	if done.Title != "Never Gonna Give You Up" {
		t.Errorf("Title = %q", done.Title)
	}
	if done.OutputPath != runner.result.Path {
		t.Errorf("OutputPath = %q", done.OutputPath)
	}
	if done.Metrics.Percentage != 100 {
		t.Errorf("Percentage = %v, expected 100", done.Metrics.Percentage)
	}
	for _, st := range done.Stages {
		if !st.Completed {
			t.Errorf("stage %s not completed", st.Name)
		}
	}

	var stageChanges []string
	for _, e := range done.Timeline {
		if e.Kind == model.EventStageChanged {
			stageChanges = append(stageChanges, e.Message)
		}
	}
	if len(stageChanges) != 3 {
		t.Errorf("expected 3 stage changes, got %v", stageChanges)
	}

	job := runner.jobs[0]
	if job.OutputTemplate != filepath.Join(service.downloadDir, "%(title)s.%(ext)s") {
		t.Errorf("OutputTemplate = %q", job.OutputTemplate)
	}
	if job.Format != "bv*+ba/b" {
		t.Errorf("Format = %q", job.Format)
	}
}

func TestDownloadRetriesThenFails(t *testing.T) {
	runner := &fakeRunner{err: errors.New("ERROR: [youtube] xyz: Video unavailable")}
	service, reg := newTestService(t, runner, 1)

	task, err := service.AddTask("https://youtube.com/watch?v=xyz", nil)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	failed := waitForStatus(t, reg, task.ID, model.TaskStatusFailed)

	if runner.callCount() != 2 {
		t.Errorf("expected 2 attempts, got %d", runner.callCount())
	}
	if !strings.Contains(failed.LastError, "Video unavailable") {
		t.Errorf("LastError = %q", failed.LastError)
	}
}

func TestStopTask(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	service, reg := newTestService(t, runner, 1)

	running, err := service.AddTask("https://youtube.com/watch?v=a", nil)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	queued, err := service.AddTask("https://youtube.com/watch?v=b", nil)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	waitForStatus(t, reg, running.ID, model.TaskStatusRunning)

	if err := service.StopTask(queued.ID); err != nil {
		t.Fatalf("StopTask(queued): %v", err)
	}
	if err := service.StopTask(running.ID); err != nil {
		t.Fatalf("StopTask(running): %v", err)
	}
	waitForStatus(t, reg, running.ID, model.TaskStatusCancelled)
	waitForStatus(t, reg, queued.ID, model.TaskStatusCancelled)

	deadline := time.Now().Add(time.Second)
	for service.ActiveCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if service.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d after stop", service.ActiveCount())
	}
	if runner.callCount() != 1 {
		t.Errorf("queued task must never run, runner called %d times", runner.callCount())
	}

	if err := service.StopTask(running.ID); err == nil {
		t.Error("expected error stopping a finished task")
	}
	if err := service.RemoveTask(running.ID); err != nil {
		t.Errorf("RemoveTask: %v", err)
	}
	if _, ok := service.GetTask(running.ID); ok {
		t.Error("removed task still present")
	}
}

func TestRemoveActiveTaskFails(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	service, _ := newTestService(t, runner, 1)
	defer close(runner.block)

	task, err := service.AddTask("https://youtube.com/watch?v=a", nil)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := service.RemoveTask(task.ID); err == nil {
		t.Error("expected error removing an active task")
	}
}

func TestMaxParallel(t *testing.T) {
	var running, peak atomic.Int32
	release := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, job Job, onProgress func(Progress)) (Result, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer running.Add(-1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return Result{}, nil
	})
	service, reg := newTestService(t, runner, 2)

	var ids []string
	for _, u := range []string{"a", "b", "c", "d"} {
		task, err := service.AddTask("https://youtube.com/watch?v="+u, nil)
		if err != nil {
			t.Fatalf("AddTask: %v", err)
		}
		ids = append(ids, task.ID)
	}
	time.Sleep(50 * time.Millisecond)
	if got := running.Load(); got != 2 {
		t.Errorf("running = %d, expected 2", got)
	}
	close(release)
	for _, id := range ids {
		waitForStatus(t, reg, id, model.TaskStatusCompleted)
	}
	if peak.Load() > 2 {
		t.Errorf("peak parallel downloads = %d, expected at most 2", peak.Load())
	}
}

func TestShutdownCancelsRunning(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	service, reg := newTestService(t, runner, 1)

	task, err := service.AddTask("https://youtube.com/watch?v=a", nil)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	waitForStatus(t, reg, task.ID, model.TaskStatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := service.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	waitForStatus(t, reg, task.ID, model.TaskStatusCancelled)
}

func TestSetters(t *testing.T) {
	service, _ := newTestService(t, &fakeRunner{}, 1)

	service.SetMaxParallelDownloads(50)
	if service.maxParallel != MaxParallel {
		t.Errorf("maxParallel = %d, expected %d", service.maxParallel, MaxParallel)
	}
	service.SetMaxParallelDownloads(0)
	if service.maxParallel != MinParallel {
		t.Errorf("maxParallel = %d, expected %d", service.maxParallel, MinParallel)
	}

	service.SetQualityPreset(QualityAudio)
	service.SetDownloadDirectory("/music")
	job := service.jobLocked()
	if !job.AudioOnly || job.OutputTemplate != "/music/%(title)s.%(ext)s" {
		t.Errorf("unexpected job %+v", job)
	}

	service.SetQualityPreset("bogus")
	if service.quality != QualityBest {
		t.Errorf("quality = %q, expected fallback to best", service.quality)
	}
}

func TestFormatFor(t *testing.T) {
	tests := []struct {
		preset    string
		format    string
		audioOnly bool
	}{
		{QualityBest, "bv*+ba/b", false},
		{QualityMedium, "bv*[height<=720]+ba/b[height<=720]/b", false},
		{QualityAudio, "ba/b", true},
		{"", "bv*+ba/b", false},
	}
	for _, tt := range tests {
		format, audio := FormatFor(tt.preset)
		if format != tt.format || audio != tt.audioOnly {
			t.Errorf("FormatFor(%q) = %q, %v, expected %q, %v", tt.preset, format, audio, tt.format, tt.audioOnly)
		}
	}
}

func TestGenerateTaskID(t *testing.T) {
	id1 := generateTaskID()
	id2 := generateTaskID()

	if id1 == id2 {
		t.Error("Expected different task IDs")
	}

	// Check prefix
	if !strings.HasPrefix(id1, "task-") {
		t.Errorf("Expected ID to start with 'task-', got: %s", id1)
	}

	// Check UUID format (task- + 36 chars for UUID)
	if len(id1) != len("task-")+36 {
		t.Errorf("Expected ID length %d, got %d for ID: %s", len("task-")+36, len(id1), id1)
	}
}

type runnerFunc func(ctx context.Context, job Job, onProgress func(Progress)) (Result, error)

func (f runnerFunc) Run(ctx context.Context, job Job, onProgress func(Progress)) (Result, error) {
	return f(ctx, job, onProgress)
}
