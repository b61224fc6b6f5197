// Package download runs yt-dlp downloads (via github.com/lrstanley/go-ytdlp)
// as tracked tasks. It enforces the parallel download limit, reports stage
// changes and byte progress through the tracker and stops a download when its
// task is cancelled in the registry.
package download
