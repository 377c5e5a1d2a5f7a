package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexivid/transcript-pipeline/internal/config"
	"github.com/lexivid/transcript-pipeline/internal/jobs"
	"github.com/lexivid/transcript-pipeline/internal/persistence"
)

const stubEngine = `#!/bin/sh
audio="$1"
shift
out=""
src=""
while [ $# -gt 0 ]; do
	case "$1" in
		--output-dir) out="$2"; shift 2 ;;
		--source-lang) src="$2"; shift 2 ;;
		*) shift ;;
	esac
done
echo "Processing $audio"
echo "Transcribing"
echo "Translating"
base=$(basename "$audio")
base="${base%.*}"
cat > "$out/$base.json" <<EOF
{
  "language": "$src",
  "segments": [{"start": 0, "end": 2.5, "text": "Hallo"}],
  "vocabulary": [{"word": "Hallo", "translations": ["Bonjour"], "examples": [], "level": "beginner"}]
}
EOF
`

const brokenEngine = `#!/bin/sh
echo "Processing $1"
echo "model load failed" >&2
exit 3
`

// garbageEngine exits cleanly but leaves output the importer cannot parse.
const garbageEngine = `#!/bin/sh
audio="$1"
shift
out=""
while [ $# -gt 0 ]; do
	case "$1" in
		--output-dir) out="$2"; shift 2 ;;
		*) shift ;;
	esac
done
echo "Processing $audio"
base=$(basename "$audio")
base="${base%.*}"
echo "{not json" > "$out/$base.json"
`

type testPipeline struct {
	svc   *Service
	store *persistence.SQLiteStore
	base  string
}

func newTestPipeline(t *testing.T, engineScript string) *testPipeline {
	t.Helper()
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "audios"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "uploads"), 0o755))

	enginePath := filepath.Join(t.TempDir(), "engine.sh")
	require.NoError(t, os.WriteFile(enginePath, []byte(engineScript), 0o755))

	store, err := persistence.NewSQLiteStore(filepath.Join(base, "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{
		Storage: config.StorageConfig{BaseDir: base, DBPath: filepath.Join(base, "pipeline.db")},
		Engine: config.EngineConfig{
			Runtime:   enginePath,
			Image:     "unused-in-direct-mode",
			OutputDir: filepath.Join(base, "transcripts"),
			Timeout:   time.Minute,
		},
		Queue: config.QueueConfig{
			Concurrency: 1,
			MaxAttempts: 2,
			BackoffBase: 5 * time.Millisecond,
		},
	}

	svc := NewService(cfg, store)
	svc.Start()
	t.Cleanup(svc.Stop)
	return &testPipeline{svc: svc, store: store, base: base}
}

func (p *testPipeline) registerVideoWithAudio(t *testing.T) *persistence.Video {
	t.Helper()
	audioPath := filepath.Join(p.base, "audios", "lesson-01.wav")
	require.NoError(t, os.WriteFile(audioPath, []byte("RIFF"), 0o644))

	v := &persistence.Video{
		OriginalName: "lesson-01.mp4",
		StoragePath:  audioPath,
		Size:         4,
		Language:     "de",
	}
	require.NoError(t, p.store.CreateVideo(context.Background(), v))
	return v
}

func TestService_FullPipeline(t *testing.T) {
	p := newTestPipeline(t, stubEngine)
	ctx := context.Background()
	v := p.registerVideoWithAudio(t)

	job, err := p.svc.EnqueueTranscription(ctx, v.ID, v.StoragePath, "de", "fr", EnqueueOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok := p.svc.Job(job.ID)
		return ok && got.Status == jobs.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	video, err := p.svc.Video(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.VideoCompleted, video.TranscriptionStatus)
	require.NotNil(t, video.ProcessedAt)
	assert.NotEmpty(t, video.TranscriptionFile)

	segments, err := p.store.ListAudioSegments(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, int64(0), segments[0].StartMS)
	assert.Equal(t, int64(2500), segments[0].EndMS)

	history, err := p.svc.History(ctx, v.ID)
	require.NoError(t, err)
	var transcriptionDone bool
	for _, entry := range history {
		if entry.Step == persistence.StepTranscription && entry.Status == persistence.StepCompleted {
			transcriptionDone = true
		}
	}
	assert.True(t, transcriptionDone)

	got, ok := p.svc.Job(job.ID)
	require.True(t, ok)
	assert.Equal(t, 100, got.Progress)
}

func TestService_EngineFailureExhaustsRetries(t *testing.T) {
	p := newTestPipeline(t, brokenEngine)
	ctx := context.Background()
	v := p.registerVideoWithAudio(t)

	job, err := p.svc.EnqueueTranscription(ctx, v.ID, v.StoragePath, "de", "fr", EnqueueOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok := p.svc.Job(job.ID)
		return ok && got.Status == jobs.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	got, _ := p.svc.Job(job.ID)
	assert.Equal(t, 2, got.Attempts)
	assert.Contains(t, got.Error, "Engine")

	video, err := p.svc.Video(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.VideoFailed, video.TranscriptionStatus)
	assert.Contains(t, video.ErrorMessage, "model load failed")
}

func TestService_UnsupportedLanguageRejectedBeforeQueue(t *testing.T) {
	p := newTestPipeline(t, stubEngine)
	ctx := context.Background()
	v := p.registerVideoWithAudio(t)

	_, err := p.svc.EnqueueTranscription(ctx, v.ID, v.StoragePath, "de", "es", EnqueueOptions{})
	require.Error(t, err)
	assert.True(t, IsErrorType(err, ErrUnsupportedLanguage))

	assert.Empty(t, p.svc.Jobs())
}

func TestService_LanguageDefaultsAndNormalization(t *testing.T) {
	p := newTestPipeline(t, stubEngine)
	ctx := context.Background()
	v := p.registerVideoWithAudio(t)

	job, err := p.svc.EnqueueTranscription(ctx, v.ID, v.StoragePath, "", "FR", EnqueueOptions{})
	require.NoError(t, err)
	assert.Equal(t, "de", job.Payload.SourceLang)
	assert.Equal(t, "fr", job.Payload.TargetLang)

	job, err = p.svc.EnqueueTranscription(ctx, v.ID, v.StoragePath, "de-DE", "fr-CA", EnqueueOptions{})
	require.NoError(t, err)
	assert.Equal(t, "de", job.Payload.SourceLang)
	assert.Equal(t, "fr", job.Payload.TargetLang)
}

func TestService_EnqueueUnknownVideo(t *testing.T) {
	p := newTestPipeline(t, stubEngine)

	_, err := p.svc.EnqueueTranscription(context.Background(), 404, "audios/a.wav", "de", "fr", EnqueueOptions{})
	assert.ErrorIs(t, err, persistence.ErrVideoNotFound)
}

func TestService_RetryProcessingReenqueues(t *testing.T) {
	p := newTestPipeline(t, stubEngine)
	ctx := context.Background()
	v := p.registerVideoWithAudio(t)

	require.NoError(t, p.store.UpdateVideoStatus(ctx, v.ID, persistence.VideoFailed, "earlier run died"))

	job, err := p.svc.RetryProcessing(ctx, v.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok := p.svc.Job(job.ID)
		return ok && got.Status == jobs.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	video, err := p.svc.Video(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.VideoCompleted, video.TranscriptionStatus)
	assert.Empty(t, video.ErrorMessage)
}

func TestService_MissingAudioFailsValidation(t *testing.T) {
	p := newTestPipeline(t, stubEngine)
	ctx := context.Background()

	v := &persistence.Video{OriginalName: "ghost.mp4", StoragePath: "audios/ghost.wav", Language: "de"}
	require.NoError(t, p.store.CreateVideo(ctx, v))

	job, err := p.svc.EnqueueTranscription(ctx, v.ID, "audios/ghost.wav", "de", "fr", EnqueueOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok := p.svc.Job(job.ID)
		return ok && got.Status == jobs.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	// Validation failures are terminal on the first attempt: the retry
	// budget allows 2, but no retry can conjure the file.
	got, _ := p.svc.Job(job.ID)
	assert.Equal(t, 1, got.Attempts)

	video, err := p.svc.Video(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.VideoFailed, video.TranscriptionStatus)
	assert.Contains(t, video.ErrorMessage, "FileNotFound")
}

func TestService_MalformedOutputIsNotRetried(t *testing.T) {
	p := newTestPipeline(t, garbageEngine)
	ctx := context.Background()
	v := p.registerVideoWithAudio(t)

	job, err := p.svc.EnqueueTranscription(ctx, v.ID, v.StoragePath, "de", "fr", EnqueueOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok := p.svc.Job(job.ID)
		return ok && got.Status == jobs.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	// Unparseable engine output is presumed unfixable; a re-run would only
	// reproduce it.
	got, _ := p.svc.Job(job.ID)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.Error, "MalformedOutput")

	video, err := p.svc.Video(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.VideoFailed, video.TranscriptionStatus)
}
