package download

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ytget/ytdl-web/internal/model"
	"github.com/ytget/ytdl-web/internal/platform"
	"github.com/ytget/ytdl-web/internal/tracker"
)

// Quality presets
const (
	QualityBest   = "best"
	QualityMedium = "medium"
	QualityAudio  = "audio"
)

// Limits for parallel downloads
const (
	MinParallel = 1
	MaxParallel = 10
)

// Stages of a download task
var Stages = []string{model.StageMetadata, model.StageDownloading, model.StageFinalizing}

// Options configures a Service
type Options struct {
	DownloadDir string
	MaxParallel int
	Quality     string
	MaxRetries  int
	RetryDelay  time.Duration
	// PollInterval is how often a running download checks for cancellation
	PollInterval time.Duration
}

// Service handles download operations
type Service struct {
	tracker *tracker.Tracker
	runner  Runner

	mu          sync.Mutex
	pending     []string          // FIFO of task ids waiting for a slot
	urls        map[string]string // task id -> url while pending or running
	maxParallel int
	activeCount int
	downloadDir string
	quality     string
	maxRetries  int
	retryDelay  time.Duration
	poll        time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a new download service
func NewService(tr *tracker.Tracker, runner Runner, opts Options) *Service {
	if runner == nil {
		runner = YTDLPRunner{}
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.Quality == "" {
		opts.Quality = QualityBest
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		tracker:     tr,
		runner:      runner,
		urls:        make(map[string]string),
		maxParallel: clampParallel(opts.MaxParallel),
		downloadDir: opts.DownloadDir,
		quality:     opts.Quality,
		maxRetries:  opts.MaxRetries,
		retryDelay:  opts.RetryDelay,
		poll:        opts.PollInterval,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// AddTask registers a download of url and starts it when a slot is free.
// metadata is stored with the task; the url is added to it.
func (s *Service) AddTask(url string, metadata map[string]string) (*model.Task, error) {
	if url == "" {
		return nil, errors.New("url is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Check for duplicate URLs
	for _, u := range s.urls {
		if u == url {
			return nil, fmt.Errorf("%w for URL: %s", model.ErrDuplicateTask, url)
		}
	}

	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta[model.MetaURL] = url

	id := generateTaskID()
	task, err := s.tracker.Create(id, model.TaskTypeDownload, Stages, meta)
	if err != nil {
		return nil, err
	}
	s.urls[id] = url
	s.pending = append(s.pending, id)
	s.startNextLocked()
	return task, nil
}

// GetTask returns a task by ID
func (s *Service) GetTask(id string) (*model.Task, bool) {
	task, err := s.tracker.Registry().Get(id)
	if err != nil {
		return nil, false
	}
	return task, true
}

// GetAllTasks returns download tasks in creation order
func (s *Service) GetAllTasks() []*model.Task {
	var tasks []*model.Task
	for _, task := range s.tracker.Registry().List() {
		if task.Type == model.TaskTypeDownload {
			tasks = append(tasks, task)
		}
	}
	return tasks
}

// StopTask cancels a pending or running task. A running download notices
// within one poll interval and aborts yt-dlp.
func (s *Service) StopTask(id string) error {
	task, err := s.tracker.Registry().Get(id)
	if err != nil {
		return err
	}
	if !task.Status.IsActive() {
		return &model.TransitionError{TaskID: id, From: task.Status, To: model.TaskStatusCancelled, Reason: "task is not active"}
	}
	if err := s.tracker.Cancel(id, "Stopped by user"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if i := slices.Index(s.pending, id); i >= 0 {
		s.pending = slices.Delete(s.pending, i, i+1)
		delete(s.urls, id)
	}
	return nil
}

// RemoveTask evicts a finished task
func (s *Service) RemoveTask(id string) error {
	status, err := s.tracker.Registry().Status(id)
	if err != nil {
		return err
	}
	if !status.IsFinished() {
		return fmt.Errorf("%w: task %s is %s, stop it first", model.ErrInvalidTransition, id, status)
	}
	return s.tracker.Registry().Evict(id)
}

// SetQualityPreset configures quality selection for downloads (best/medium/audio)
func (s *Service) SetQualityPreset(preset string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch preset {
	case QualityBest, QualityMedium, QualityAudio:
		s.quality = preset
	default:
		s.quality = QualityBest
	}
}

// SetMaxParallelDownloads sets the maximum number of parallel downloads
func (s *Service) SetMaxParallelDownloads(max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxParallel = clampParallel(max)
	s.startNextLocked()
}

// SetDownloadDirectory sets the download directory
func (s *Service) SetDownloadDirectory(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloadDir = dir
}

// ActiveCount returns the number of running downloads
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCount
}

// Shutdown aborts running downloads and waits for their workers, or for ctx
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startNextLocked starts pending tasks while there is capacity
func (s *Service) startNextLocked() {
	for s.activeCount < s.maxParallel && len(s.pending) > 0 {
		if s.ctx.Err() != nil {
			return
		}
		id := s.pending[0]
		s.pending = s.pending[1:]
		s.activeCount++
		s.wg.Add(1)
		go s.startTask(id, s.urls[id], s.jobLocked())
	}
}

func (s *Service) jobLocked() Job {
	job := Job{OutputTemplate: filepath.Join(s.downloadDir, "%(title)s.%(ext)s")}
	job.Format, job.AudioOnly = FormatFor(s.quality)
	return job
}

// startTask downloads one task
func (s *Service) startTask(id, url string, job Job) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.activeCount--
		delete(s.urls, id)
		// Try to start next pending task
		s.startNextLocked()
		s.mu.Unlock()
	}()

	if s.tracker.Cancelled(id) {
		return
	}
	if err := s.tracker.Start(id); err != nil {
		log.Printf("Cannot start task %s: %v", id, err)
		return
	}
	if err := s.tracker.ReportStageChange(id, model.StageMetadata, "Fetching video information"); err != nil {
		log.Printf("Task %s: %v", id, err)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	// Monitor for stop requests
	go func() {
		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.tracker.Cancelled(id) {
					cancel()
					return
				}
			}
		}
	}()

	job.URL = url
	if err := platform.CreateDirectoryIfNotExists(filepath.Dir(job.OutputTemplate)); err != nil {
		log.Printf("Task %s: %v", id, err)
	}
	rep := &reporter{tracker: s.tracker, taskID: id, stage: model.StageMetadata}
	result, err := s.downloadWithRetry(ctx, id, job, rep.onProgress)

	switch {
	case s.tracker.Cancelled(id):
		log.Printf("Task %s stopped", id)
	case err != nil && s.ctx.Err() != nil:
		if cerr := s.tracker.Cancel(id, "Service shutting down"); cerr != nil {
			log.Printf("Task %s: %v", id, cerr)
		}
	case err != nil:
		if ferr := s.tracker.ReportError(id, err); ferr != nil {
			log.Printf("Task %s: %v", id, ferr)
		}
	default:
		rep.finish(result)
	}
}

// downloadWithRetry attempts download with retry logic
func (s *Service) downloadWithRetry(ctx context.Context, id string, job Job, onProgress func(Progress)) (Result, error) {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			// Backoff delay
			select {
			case <-time.After(s.retryDelay):
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}

			log.Printf("Retrying download for task %s, attempt %d", id, attempt+1)
		}

		res, err := s.runner.Run(ctx, job, onProgress)
		if err == nil {
			return res, nil
		}

		lastErr = err
		log.Printf("Download attempt %d failed for task %s: %v", attempt+1, id, err)

		// Check if we should retry
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
	}
	return Result{}, lastErr
}

// reporter forwards runner progress to the tracker, emitting stage changes
// when the runner's phase moves forward
type reporter struct {
	tracker *tracker.Tracker
	taskID  string

	mu    sync.Mutex
	stage string
	title string
}

func (r *reporter) onProgress(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.Title != "" && p.Title != r.title {
		r.title = p.Title
		if err := r.tracker.ReportDetails(r.taskID, p.Title, ""); err != nil {
			return
		}
	}

	stage := string(p.Phase)
	if stage != r.stage && stageOrder(stage) > stageOrder(r.stage) {
		if err := r.tracker.ReportStageChange(r.taskID, stage, ""); err != nil {
			return
		}
		r.stage = stage
	}
	if r.stage != model.StageDownloading {
		return
	}
	if err := r.tracker.ReportProgress(r.taskID, p.DownloadedBytes, p.TotalBytes, p.Speed, model.StageDownloading); err != nil {
		log.Printf("Task %s progress: %v", r.taskID, err)
	}
}

func (r *reporter) finish(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stage != model.StageFinalizing {
		if err := r.tracker.ReportStageChange(r.taskID, model.StageFinalizing, ""); err != nil {
			log.Printf("Task %s: %v", r.taskID, err)
		}
		r.stage = model.StageFinalizing
	}
	if res.Title != "" && res.Title != r.title {
		_ = r.tracker.ReportDetails(r.taskID, res.Title, "")
	}
	path := res.Path
	if path != "" {
		// yt-dlp may sanitize the name it reported
		if found, err := platform.FindFileWithFallback(path); err == nil {
			path = found
		}
	}
	if err := r.tracker.ReportDone(r.taskID, path); err != nil {
		log.Printf("Task %s: %v", r.taskID, err)
	}
}

func stageOrder(stage string) int {
	return slices.Index(Stages, stage)
}

// FormatFor maps a quality preset to a yt-dlp format selector
func FormatFor(preset string) (format string, audioOnly bool) {
	switch preset {
	case QualityMedium:
		return "bv*[height<=720]+ba/b[height<=720]/b", false
	case QualityAudio:
		return "ba/b", true
	}
	return "bv*+ba/b", false
}

func clampParallel(n int) int {
	if n < MinParallel {
		return MinParallel
	}
	if n > MaxParallel {
		return MaxParallel
	}
	return n
}

// generateTaskID generates a unique task ID
func generateTaskID() string {
	return "task-" + uuid.NewString()
}
