package compress

import (
	"context"

	"github.com/ytget/ytdl-web/internal/model"
)

// Compressor defines the interface for the compression service.
type Compressor interface {
	StartCompression(inputPath string, metadata map[string]string) (*model.Task, error)
	StopCompression(taskID string) error
	GetTask(taskID string) (*model.Task, bool)
}

// Encoder runs the external media tools
type Encoder interface {
	// Duration returns the media duration in seconds
	Duration(ctx context.Context, path string) (float64, error)
	// Encode transcodes input into output, reporting encoded seconds as they advance
	Encode(ctx context.Context, input, output string, onTime func(seconds float64)) error
}
