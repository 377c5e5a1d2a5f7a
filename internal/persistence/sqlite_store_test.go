package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lexivid/transcript-pipeline/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_JobsRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	processedAt := time.Now().UTC().Truncate(time.Millisecond)
	job := &jobs.TranscriptionJob{
		ID: "job-1",
		Payload: jobs.JobPayload{
			VideoID:    42,
			AudioPath:  "audios/a.wav",
			SourceLang: "de",
			TargetLang: "fr",
		},
		Status:      jobs.StatusActive,
		Attempts:    2,
		Progress:    50,
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
		UpdatedAt:   time.Now().UTC().Truncate(time.Millisecond),
		ProcessedAt: &processedAt,
	}
	require.NoError(t, store.UpsertJob(ctx, job))

	all, err := store.LoadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, job.ID, all[0].ID)
	assert.Equal(t, job.Status, all[0].Status)
	assert.Equal(t, int64(42), all[0].Payload.VideoID)
	assert.Equal(t, "fr", all[0].Payload.TargetLang)
	assert.Equal(t, 2, all[0].Attempts)
	require.NotNil(t, all[0].ProcessedAt)
	assert.Nil(t, all[0].FinishedAt)

	require.NoError(t, store.DeleteJob(ctx, job.ID))
	all, err = store.LoadJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSQLiteStore_VideoLifecycle(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	video := &Video{OriginalName: "lesson1.mp4", StoragePath: "audios/lesson1.wav", Size: 1024, Language: "de"}
	require.NoError(t, store.CreateVideo(ctx, video))
	require.NotZero(t, video.ID)

	got, err := store.GetVideo(ctx, video.ID)
	require.NoError(t, err)
	assert.Equal(t, VideoPending, got.TranscriptionStatus)

	require.NoError(t, store.UpdateVideoStatus(ctx, video.ID, VideoProcessing, ""))
	got, err = store.GetVideo(ctx, video.ID)
	require.NoError(t, err)
	assert.Equal(t, VideoProcessing, got.TranscriptionStatus)
	assert.Nil(t, got.ProcessedAt)

	processedAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.CompleteVideo(ctx, video.ID, "transcripts/fr/lesson1.json", processedAt))
	got, err = store.GetVideo(ctx, video.ID)
	require.NoError(t, err)
	assert.Equal(t, VideoCompleted, got.TranscriptionStatus)
	assert.Equal(t, "transcripts/fr/lesson1.json", got.TranscriptionFile)
	require.NotNil(t, got.ProcessedAt)

	_, err = store.GetVideo(ctx, 9999)
	assert.ErrorIs(t, err, ErrVideoNotFound)
	assert.ErrorIs(t, store.UpdateVideoStatus(ctx, 9999, VideoFailed, "x"), ErrVideoNotFound)
}

func TestSQLiteStore_ProcessingLogIsAppendOnly(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendProcessingLog(ctx, 1, StepTranscription, StepStarted, ""))
	require.NoError(t, store.AppendProcessingLog(ctx, 1, StepTranscription, StepCompleted, ""))
	require.NoError(t, store.AppendProcessingLog(ctx, 1, StepDatabaseImport, StepFailed, "malformed output"))
	require.NoError(t, store.AppendProcessingLog(ctx, 2, StepTranscription, StepStarted, ""))

	logs, err := store.ListProcessingLogs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, StepTranscription, logs[0].Step)
	assert.Equal(t, StepStarted, logs[0].Status)
	assert.Equal(t, "malformed output", logs[2].Message)
}

func TestSQLiteStore_SegmentOverlapRejected(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	first := &AudioSegment{VideoID: 1, StartMS: 1500, EndMS: 2500, Text: "Welt", Language: "de"}
	require.NoError(t, store.InsertAudioSegment(ctx, first))

	// [1000,2000) overlaps [1500,2500).
	overlapping := &AudioSegment{VideoID: 1, StartMS: 1000, EndMS: 2000, Text: "Hallo", Language: "de"}
	err := store.InsertAudioSegment(ctx, overlapping)
	assert.ErrorIs(t, err, ErrSegmentOverlap)

	// Exact boundary touch is not an overlap (half-open intervals).
	touching := &AudioSegment{VideoID: 1, StartMS: 2500, EndMS: 3000, Text: "danach", Language: "de"}
	require.NoError(t, store.InsertAudioSegment(ctx, touching))

	// Same interval on another video is fine.
	otherVideo := &AudioSegment{VideoID: 2, StartMS: 1500, EndMS: 2500, Text: "autre", Language: "fr"}
	require.NoError(t, store.InsertAudioSegment(ctx, otherVideo))

	// Degenerate interval.
	empty := &AudioSegment{VideoID: 1, StartMS: 3000, EndMS: 3000}
	assert.ErrorIs(t, store.InsertAudioSegment(ctx, empty), ErrInvalidInterval)

	segs, err := store.ListAudioSegments(ctx, 1)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, int64(1500), segs[0].StartMS)
}

func TestSQLiteStore_WordSegmentInvariants(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	seg := &AudioSegment{VideoID: 1, StartMS: 1000, EndMS: 3000, Text: "Hallo Welt", Language: "de"}
	require.NoError(t, store.InsertAudioSegment(ctx, seg))

	first := &WordSegment{AudioSegmentID: seg.ID, Word: "Hallo", StartMS: 1000, EndMS: 1800, Confidence: 950}
	require.NoError(t, store.InsertWordSegment(ctx, first))
	assert.Equal(t, 1, first.Position)

	// Outside the parent segment.
	outside := &WordSegment{AudioSegmentID: seg.ID, Word: "Welt", StartMS: 2500, EndMS: 3100}
	assert.ErrorIs(t, store.InsertWordSegment(ctx, outside), ErrWordOutOfBounds)

	// Overlaps sibling word.
	overlapping := &WordSegment{AudioSegmentID: seg.ID, Word: "Welt", StartMS: 1700, EndMS: 2400}
	assert.ErrorIs(t, store.InsertWordSegment(ctx, overlapping), ErrWordOverlap)

	// Boundary touch appended with the next dense ordinal.
	second := &WordSegment{AudioSegmentID: seg.ID, Word: "Welt", StartMS: 1800, EndMS: 2600, Confidence: 870}
	require.NoError(t, store.InsertWordSegment(ctx, second))
	assert.Equal(t, 2, second.Position)

	words, err := store.ListWordSegments(ctx, seg.ID)
	require.NoError(t, err)
	require.Len(t, words, 2)
	assert.Equal(t, []int{1, 2}, []int{words[0].Position, words[1].Position})
}

func TestSQLiteStore_VocabularyTransactionRollsBack(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx *Tx) error {
		entry := &WordEntry{Word: "Hallo", Language: "de", Translations: []string{"Bonjour"}, Level: "beginner"}
		if err := tx.InsertWordEntry(ctx, entry); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	entries, listErr := store.ListWordEntries(ctx, "de")
	require.NoError(t, listErr)
	assert.Empty(t, entries)
}

func TestSQLiteStore_ExerciseGraphRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		entry := &WordEntry{Word: "Hund", Language: "de", Translations: []string{"chien"}, Level: "beginner"}
		if err := tx.InsertWordEntry(ctx, entry); err != nil {
			return err
		}

		ex := &Exercise{WordID: entry.ID, VideoID: 1, Type: "multiple_choice_pair", Level: "beginner"}
		if err := tx.InsertExercise(ctx, ex); err != nil {
			return err
		}

		q := &ExerciseQuestion{ExerciseID: ex.ID, Direction: "de_to_fr", Question: "Hund", CorrectAnswer: "chien"}
		if err := tx.InsertExerciseQuestion(ctx, q); err != nil {
			return err
		}
		for _, text := range []string{"chien", "chat"} {
			opt := &ExerciseOption{QuestionID: q.ID, Text: text, IsCorrect: text == "chien"}
			if err := tx.InsertExerciseOption(ctx, opt); err != nil {
				return err
			}
		}
		return tx.InsertPronunciation(ctx, &Pronunciation{WordID: entry.ID, FilePath: "audio/hund.mp3", Type: "standard", Language: "de"})
	}))

	entries, err := store.ListWordEntries(ctx, "de")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{"chien"}, entries[0].Translations)

	exercises, err := store.ListExercisesByVideo(ctx, 1)
	require.NoError(t, err)
	require.Len(t, exercises, 1)

	questions, err := store.ListExerciseQuestions(ctx, exercises[0].ID)
	require.NoError(t, err)
	require.Len(t, questions, 1)

	options, err := store.ListExerciseOptions(ctx, questions[0].ID)
	require.NoError(t, err)
	require.Len(t, options, 2)
	assert.True(t, options[0].IsCorrect)
	assert.False(t, options[1].IsCorrect)

	prons, err := store.ListPronunciations(ctx, entries[0].ID)
	require.NoError(t, err)
	require.Len(t, prons, 1)
	assert.Equal(t, "audio/hund.mp3", prons[0].FilePath)
}

func TestSQLiteStore_DuplicateWordsPreserved(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
			return tx.InsertWordEntry(ctx, &WordEntry{Word: "Hallo", Language: "de"})
		}))
	}

	entries, err := store.ListWordEntries(ctx, "de")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
