package download

import (
	"context"
	"time"

	"github.com/lrstanley/go-ytdlp"
)

// ProgressInterval is how often yt-dlp progress is sampled
const ProgressInterval = 500 * time.Millisecond

// YTDLPRunner runs the yt-dlp binary
type YTDLPRunner struct{}

// Run downloads job.URL with yt-dlp
func (YTDLPRunner) Run(ctx context.Context, job Job, onProgress func(Progress)) (Result, error) {
	dl := ytdlp.New().
		ForceOverwrites().
		RestrictFilenames().
		NoPlaylist().
		Output(job.OutputTemplate)
	if job.Format != "" {
		dl = dl.Format(job.Format)
	}
	if job.AudioOnly {
		dl = dl.ExtractAudio().AudioFormat("mp3")
	}

	dl.ProgressFunc(ProgressInterval, func(update ytdlp.ProgressUpdate) {
		onProgress(progressFromUpdate(update))
	})

	res, err := dl.Run(ctx, job.URL)
	if err != nil {
		return Result{}, err
	}

	var out Result
	info, err := res.GetExtractedInfo()
	if err == nil && len(info) > 0 {
		if info[0].Filename != nil {
			out.Path = *info[0].Filename
		}
		if info[0].Title != nil {
			out.Title = *info[0].Title
		}
	}
	return out, nil
}

func progressFromUpdate(update ytdlp.ProgressUpdate) Progress {
	p := Progress{
		Phase:           PhaseDownloading,
		DownloadedBytes: int64(update.DownloadedBytes),
		Filename:        update.Filename,
	}
	switch update.Status {
	case ytdlp.ProgressStatusStarting:
		p.Phase = PhaseMetadata
	case ytdlp.ProgressStatusPostProcessing, ytdlp.ProgressStatusFinished:
		p.Phase = PhaseFinalizing
	}
	if update.TotalBytes > 0 {
		total := int64(update.TotalBytes)
		p.TotalBytes = &total
	}

	// Calculate speed
	if !update.Started.IsZero() {
		elapsed := time.Since(update.Started)
		if elapsed.Seconds() > 0 {
			p.Speed = float64(update.DownloadedBytes) / elapsed.Seconds()
		}
	}

	if update.Info != nil && update.Info.Title != nil {
		p.Title = *update.Info.Title
	}
	return p
}
