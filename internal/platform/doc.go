// Package platform contains filesystem helpers shared by the workers:
// download directory discovery and locating files written by yt-dlp.
package platform
