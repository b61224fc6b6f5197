package compress

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ytget/ytdl-web/internal/model"
	"github.com/ytget/ytdl-web/internal/tracker"
)

const (
	CompressedSuffix   = "-compressed"
	TaskIDPrefix       = "compress-"
	OutputExtensionMP4 = ".mp4"
)

// ErrInputMissing is returned when the file to compress does not exist
var ErrInputMissing = errors.New("input file does not exist")

// Stages of a conversion task
var Stages = []string{model.StageProbing, model.StageEncoding}

// Service handles video compression operations
type Service struct {
	tracker *tracker.Tracker
	encoder Encoder
	poll    time.Duration
	now     func() time.Time

	mu     sync.Mutex
	inputs map[string]string // task id -> input path while active
}

// NewService creates a new compression service. A nil encoder runs ffmpeg.
func NewService(tr *tracker.Tracker, encoder Encoder) *Service {
	if encoder == nil {
		encoder = FFmpeg{}
	}
	return &Service{
		tracker: tr,
		encoder: encoder,
		poll:    100 * time.Millisecond,
		now:     time.Now,
		inputs:  make(map[string]string),
	}
}

// StartCompression starts compressing a video file
func (s *Service) StartCompression(inputPath string, metadata map[string]string) (*model.Task, error) {
	if _, err := os.Stat(inputPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrInputMissing, inputPath)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Check if compression is already in progress for this file
	for _, p := range s.inputs {
		if p == inputPath {
			return nil, fmt.Errorf("%w: compression already in progress for file: %s", model.ErrDuplicateTask, inputPath)
		}
	}

	outputPath := generateOutputPath(inputPath)
	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta[model.MetaPath] = inputPath

	id := generateTaskID()
	task, err := s.tracker.Create(id, model.TaskTypeConversion, Stages, meta)
	if err != nil {
		return nil, err
	}
	s.inputs[id] = inputPath

	go s.startCompression(id, inputPath, outputPath)
	return task, nil
}

// StopCompression stops a running compression task
func (s *Service) StopCompression(taskID string) error {
	task, err := s.tracker.Registry().Get(taskID)
	if err != nil {
		return err
	}
	if task.Type != model.TaskTypeConversion {
		return model.NotFound(taskID)
	}
	if !task.Status.IsActive() {
		return &model.TransitionError{TaskID: taskID, From: task.Status, To: model.TaskStatusCancelled, Reason: "compression task is not active"}
	}
	return s.tracker.Cancel(taskID, "Stopped by user")
}

// GetTask returns a compression task by ID
func (s *Service) GetTask(taskID string) (*model.Task, bool) {
	task, err := s.tracker.Registry().Get(taskID)
	if err != nil || task.Type != model.TaskTypeConversion {
		return nil, false
	}
	return task, true
}

// startCompression performs the actual compression
func (s *Service) startCompression(id, inputPath, outputPath string) {
	defer func() {
		s.mu.Lock()
		delete(s.inputs, id)
		s.mu.Unlock()
	}()

	if err := s.tracker.Start(id); err != nil {
		log.Printf("Cannot start compression %s: %v", id, err)
		return
	}

	// Create context for cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.watchCancel(ctx, id, cancel)

	if err := s.tracker.ReportStageChange(id, model.StageProbing, "Reading media duration"); err != nil {
		log.Printf("Compression %s: %v", id, err)
	}
	duration, err := s.encoder.Duration(ctx, inputPath)
	if err != nil {
		s.finish(id, outputPath, err)
		return
	}

	if err := s.tracker.ReportStageChange(id, model.StageEncoding, "Encoding "+filepath.Base(inputPath)); err != nil {
		log.Printf("Compression %s: %v", id, err)
	}
	started := s.now()
	err = s.encoder.Encode(ctx, inputPath, outputPath, func(sec float64) {
		pct, eta := encodeProgress(sec, duration, s.now().Sub(started))
		if rerr := s.tracker.ReportPercentage(id, model.StageEncoding, pct, eta); rerr != nil && !errors.Is(rerr, model.ErrInvalidTransition) {
			log.Printf("Compression %s progress: %v", id, rerr)
		}
	})
	s.finish(id, outputPath, err)
}

func (s *Service) watchCancel(ctx context.Context, id string, cancel context.CancelFunc) {
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
}

func (s *Service) finish(id, outputPath string, err error) {
	switch {
	case s.tracker.Cancelled(id):
		// Remove partial output file
		os.Remove(outputPath)
		log.Printf("Compression %s stopped", id)
	case err != nil:
		os.Remove(outputPath)
		if ferr := s.tracker.ReportError(id, err); ferr != nil {
			log.Printf("Compression %s: %v", id, ferr)
		}
	default:
		if derr := s.tracker.ReportDone(id, outputPath); derr != nil {
			log.Printf("Compression %s: %v", id, derr)
		}
	}
}

// encodeProgress turns an encoded position into a percentage and an ETA
// extrapolated from the elapsed wall time
func encodeProgress(sec, duration float64, elapsed time.Duration) (float64, *float64) {
	if duration <= 0 {
		return 0, nil
	}
	frac := min(sec/duration, 1)
	if frac <= 0 || elapsed <= 0 {
		return frac * 100, nil
	}
	eta := elapsed.Seconds() * (1 - frac) / frac
	return frac * 100, &eta
}

// generateOutputPath generates the output path for compressed file
func generateOutputPath(inputPath string) string {
	ext := filepath.Ext(inputPath)
	baseName := strings.TrimSuffix(inputPath, ext)
	return baseName + CompressedSuffix + OutputExtensionMP4
}

// generateTaskID generates a time ordered task ID
func generateTaskID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf(TaskIDPrefix+"%d", time.Now().UnixNano())
	}
	return TaskIDPrefix + id.String()
}
