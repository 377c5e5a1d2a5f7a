// Package ledger tracks the processing lifecycle of a video: pending ->
// processing -> completed | failed, with an append-only step log alongside.
package ledger

import (
	"context"
	"os"
	"time"

	"github.com/lexivid/transcript-pipeline/internal/persistence"
	"github.com/lexivid/transcript-pipeline/pkg/file"
	"github.com/lexivid/transcript-pipeline/pkg/log"
)

// Ledger owns the video status column and the processing log. All pipeline
// stages report transitions through it instead of touching the store
// directly.
type Ledger struct {
	store *persistence.SQLiteStore
}

func NewLedger(store *persistence.SQLiteStore) *Ledger {
	return &Ledger{store: store}
}

// Register creates the pending ledger row for a freshly accepted video.
func (l *Ledger) Register(ctx context.Context, v *persistence.Video) error {
	v.TranscriptionStatus = persistence.VideoPending
	return l.store.CreateVideo(ctx, v)
}

func (l *Ledger) Video(ctx context.Context, id int64) (*persistence.Video, error) {
	return l.store.GetVideo(ctx, id)
}

func (l *Ledger) History(ctx context.Context, id int64) ([]persistence.ProcessingLog, error) {
	return l.store.ListProcessingLogs(ctx, id)
}

// MarkProcessing moves the video into the processing state and clears any
// error left from a previous attempt.
func (l *Ledger) MarkProcessing(ctx context.Context, id int64) error {
	return l.store.UpdateVideoStatus(ctx, id, persistence.VideoProcessing, "")
}

// MarkCompleted stamps the terminal completed state together with the
// processed timestamp and the transcription output reference, then removes
// the engine's sidecar info file if one was left behind. Sidecar cleanup is
// best effort: a leftover file is logged, never an error.
func (l *Ledger) MarkCompleted(ctx context.Context, id int64, transcriptionFile string) error {
	if err := l.store.CompleteVideo(ctx, id, transcriptionFile, time.Now().UTC()); err != nil {
		return err
	}

	sidecar := file.ReplaceExt(transcriptionFile, ".info.json")
	if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
		log.Warn("Could not remove sidecar %s for video %d: %v", sidecar, id, err)
	}
	return nil
}

// MarkFailed records the terminal failed state with the cause. Step-level
// failure rows are appended by the stage that failed, not here.
func (l *Ledger) MarkFailed(ctx context.Context, id int64, cause error) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	return l.store.UpdateVideoStatus(ctx, id, persistence.VideoFailed, message)
}

// LogStep appends one audit entry without changing the video state.
func (l *Ledger) LogStep(ctx context.Context, id int64, step, status, message string) error {
	return l.store.AppendProcessingLog(ctx, id, step, status, message)
}
