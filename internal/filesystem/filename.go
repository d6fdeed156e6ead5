package filesystem

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var reservedChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// DeriveFilename picks a safe on-disk filename for a job, preferring a
// server-supplied Content-Disposition filename, falling back to the
// last path segment of the URL, and finally a generic name keyed to
// the job index so two unnamed jobs never collide before FindAvailablePath
// runs.
func DeriveFilename(rawURL, contentDisposition string, index int) string {
	name := contentDisposition
	if name == "" {
		if u, err := url.Parse(rawURL); err == nil {
			name = path.Base(u.Path)
		}
	}
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" {
		name = fmt.Sprintf("download-%d", index)
	}
	return sanitizeFilename(name)
}

// sanitizeFilename strips characters illegal in Windows/POSIX filenames
// and collapses the result to a sane length.
func sanitizeFilename(name string) string {
	name = reservedChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, " .")
	if name == "" {
		name = "download"
	}
	const maxLen = 200
	if len(name) > maxLen {
		name = name[:maxLen]
	}
	return name
}

// FindAvailablePath appends a "_2", "_3", ... suffix to basePath until
// it finds a path that doesn't exist, matching the naming style the
// rest of the engine uses for on-disk collisions.
func FindAvailablePath(basePath string, exists func(string) bool) string {
	if !exists(basePath) {
		return basePath
	}

	ext := path.Ext(basePath)
	stem := strings.TrimSuffix(basePath, ext)

	for i := 2; i < 1000; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if !exists(candidate) {
			return candidate
		}
	}
	return fmt.Sprintf("%s_%d%s", stem, 9999, ext)
}
