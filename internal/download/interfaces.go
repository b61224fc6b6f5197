package download

import (
	"context"

	"github.com/ytget/ytdl-web/internal/model"
)

// Downloader defines the interface for the download service.
type Downloader interface {
	AddTask(url string, metadata map[string]string) (*model.Task, error)
	GetTask(id string) (*model.Task, bool)
	GetAllTasks() []*model.Task
	StopTask(id string) error
	RemoveTask(id string) error

	// SetQualityPreset configures quality selection for downloads (best/medium/audio)
	SetQualityPreset(preset string)

	// SetMaxParallelDownloads sets the maximum number of parallel downloads
	SetMaxParallelDownloads(max int)

	// SetDownloadDirectory sets the download directory
	SetDownloadDirectory(dir string)
}

// Runner executes a single download and reports progress through onProgress.
// Implementations must return when ctx is cancelled.
type Runner interface {
	Run(ctx context.Context, job Job, onProgress func(Progress)) (Result, error)
}

// Job describes what to download
type Job struct {
	URL            string
	OutputTemplate string
	Format         string
	AudioOnly      bool
}

// Phase is the downloader's own notion of where it is
type Phase string

const (
	PhaseMetadata    Phase = "metadata"
	PhaseDownloading Phase = "downloading"
	PhaseFinalizing  Phase = "finalizing"
)

// Progress is one update from a runner
type Progress struct {
	Phase           Phase
	DownloadedBytes int64
	TotalBytes      *int64 // nil when unknown
	Speed           float64
	Title           string
	Filename        string
}

// Result of a finished download
type Result struct {
	Title string
	Path  string
}
