package audiofile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/lexivid/transcript-pipeline/pkg/file"
	"github.com/lexivid/transcript-pipeline/pkg/log"
)

var (
	ErrFileNotFound    = errors.New("audio file not found")
	ErrInvalidLocation = errors.New("audio file outside storage root")
)

// knownExts are the extensions the engine is known to handle. Anything else
// is logged and still processed; the engine decides what it can decode.
var knownExts = []string{".wav", ".mp3", ".m4a", ".flac", ".ogg", ".mp4", ".webm"}

// Validator normalizes uploaded audio paths against the storage layout.
// Files landed in the uploads staging directory are moved into the canonical
// audios directory before processing.
type Validator struct {
	baseDir    string
	uploadsDir string
	audiosDir  string
}

func NewValidator(baseDir, uploadsDir, audiosDir string) *Validator {
	return &Validator{
		baseDir:    filepath.Clean(baseDir),
		uploadsDir: filepath.Clean(uploadsDir),
		audiosDir:  filepath.Clean(audiosDir),
	}
}

// Validate resolves path to an absolute location inside the canonical audios
// directory, relocating staged uploads as a side effect.
func (v *Validator) Validate(path string) (string, error) {
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(v.baseDir, resolved)
	}
	resolved = filepath.Clean(resolved)

	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%q: %w", path, ErrFileNotFound)
	}

	if file.Contains(v.uploadsDir, resolved) {
		moved, err := v.relocate(resolved)
		if err != nil {
			return "", err
		}
		resolved = moved
	}

	if !file.Contains(v.audiosDir, resolved) {
		return "", fmt.Errorf("%q resolves outside %q: %w", path, v.audiosDir, ErrInvalidLocation)
	}

	ext := strings.ToLower(filepath.Ext(resolved))
	if !slices.Contains(knownExts, ext) {
		log.Warn("Unrecognized audio extension %q for %s, processing anyway", ext, resolved)
	}

	return resolved, nil
}

// relocate moves a staged upload into the audios directory, preserving the
// file name.
func (v *Validator) relocate(staged string) (string, error) {
	if err := os.MkdirAll(v.audiosDir, 0o755); err != nil {
		return "", fmt.Errorf("create audios directory: %w", err)
	}
	target := filepath.Join(v.audiosDir, filepath.Base(staged))
	if err := os.Rename(staged, target); err != nil {
		return "", fmt.Errorf("move staged upload %s: %w", staged, err)
	}
	log.Info("Moved staged upload %s -> %s", staged, target)
	return target, nil
}
