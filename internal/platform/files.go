package platform

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// DefaultDirPermissions is used for directories created on demand
const DefaultDirPermissions = 0755

// EnvDownloadDir overrides the detected Downloads directory
const EnvDownloadDir = "XDG_DOWNLOAD_DIR"

// MinTruncatedLength is the shortest stem accepted as a truncated form of the
// expected name
const MinTruncatedLength = 8

// SkippedExtensions are yt-dlp's partial and metadata files
var SkippedExtensions = []string{".part", ".ytdl", ".temp"}

// CreateDirectoryIfNotExists creates directory if it doesn't exist
func CreateDirectoryIfNotExists(dirPath string) error {
	if _, err := os.Stat(dirPath); os.IsNotExist(err) {
		return os.MkdirAll(dirPath, DefaultDirPermissions)
	}
	return nil
}

// GetHomeDownloadsDir returns the standard Downloads directory for the user
func GetHomeDownloadsDir() (string, error) {
	if dir := os.Getenv(EnvDownloadDir); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, "Downloads"), nil
}

// RestrictedName approximates yt-dlp's --restrict-filenames output: ASCII
// letters, digits, dots and dashes are kept, anything else becomes an
// underscore, runs of underscores collapse and edge underscores are trimmed.
func RestrictedName(name string) string {
	var b strings.Builder
	underscore := false
	for _, r := range name {
		if r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '-') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

// FindFileWithFallback returns filePath when it exists. Otherwise it looks in
// the same directory for the file yt-dlp wrote instead: the restricted form of
// the name, a different container, a format suffix such as ".f137" or a
// truncated title. Matches with the expected extension come first, then the
// newest.
func FindFileWithFallback(filePath string) (string, error) {
	switch {
	case filePath == "":
		return "", fmt.Errorf("file path is empty")
	case strings.HasPrefix(filePath, "http"):
		return "", fmt.Errorf("file path appears to be a URL: %s", filePath)
	case !strings.ContainsAny(filePath, `/\`):
		return "", fmt.Errorf("file path does not contain path separators: %s", filePath)
	}

	if _, err := os.Stat(filePath); err == nil {
		return filePath, nil
	}

	dir := filepath.Dir(filePath)
	ext := filepath.Ext(filePath)
	want := stemKey(strings.TrimSuffix(filepath.Base(filePath), ext))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var matches []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || slices.Contains(SkippedExtensions, filepath.Ext(name)) {
			continue
		}
		if matchesStem(stemKey(strings.TrimSuffix(name, filepath.Ext(name))), want) {
			matches = append(matches, filepath.Join(dir, name))
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("file not found: %s", filePath)
	}

	slices.SortStableFunc(matches, func(a, b string) int {
		sameA, sameB := filepath.Ext(a) == ext, filepath.Ext(b) == ext
		if sameA != sameB {
			if sameA {
				return -1
			}
			return 1
		}
		if c := modTime(b).Compare(modTime(a)); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return matches[0], nil
}

func stemKey(stem string) string {
	return strings.ToLower(RestrictedName(stem))
}

// matchesStem reports whether a file stem on disk is the expected stem as
// yt-dlp may have written it
func matchesStem(got, want string) bool {
	switch {
	case got == "" || want == "":
		return false
	case got == want, strings.HasPrefix(got, want+"."):
		return true
	}
	return len(got) >= MinTruncatedLength && strings.HasPrefix(want, got)
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
