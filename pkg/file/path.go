package file

import (
	"path/filepath"
	"strings"
)

// ReplaceExt swaps the extension of the last path element.
// A missing leading dot on ext is tolerated.
func ReplaceExt(path, ext string) string {
	if path == "" {
		return path
	}

	dir := filepath.Dir(path)
	filename := filepath.Base(path)

	lastDot := strings.LastIndex(filename, ".")

	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	if lastDot <= 0 {
		return filepath.Join(dir, filename+ext)
	}

	return filepath.Join(dir, filename[:lastDot]+ext)
}

// BaseName returns the last path element without its extension.
// e.g. "audios/a.wav" -> "a".
func BaseName(path string) string {
	name := filepath.Base(path)
	if dot := strings.LastIndex(name, "."); dot > 0 {
		return name[:dot]
	}
	return name
}

// Contains reports whether child resolves to a path inside dir.
// Both paths must already be absolute and cleaned.
func Contains(dir, child string) bool {
	rel, err := filepath.Rel(dir, child)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
