package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// dbtx abstracts *sql.DB and *sql.Tx so invariant-checking inserts can run
// standalone or inside an import transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a transactional scope over the transcript tables. All writes either
// commit together or roll back together.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a transaction, rolling back on error or panic.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// ---- videos ----

func (s *SQLiteStore) CreateVideo(ctx context.Context, v *Video) error {
	if v == nil {
		return fmt.Errorf("video is nil")
	}
	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	if v.TranscriptionStatus == "" {
		v.TranscriptionStatus = VideoPending
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO videos (original_name, storage_path, size, language, transcription_status, error_message, transcription_file, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.OriginalName, v.StoragePath, v.Size, v.Language, v.TranscriptionStatus, v.ErrorMessage, v.TranscriptionFile, v.CreatedAt, v.UpdatedAt,
	)
	if err != nil {
		return err
	}
	v.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) GetVideo(ctx context.Context, id int64) (*Video, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, original_name, storage_path, size, language, transcription_status, error_message, transcription_file, created_at, updated_at, processed_at
		 FROM videos WHERE id = ?`,
		id,
	)
	var v Video
	var processedAt sql.NullTime
	if err := row.Scan(
		&v.ID, &v.OriginalName, &v.StoragePath, &v.Size, &v.Language,
		&v.TranscriptionStatus, &v.ErrorMessage, &v.TranscriptionFile,
		&v.CreatedAt, &v.UpdatedAt, &processedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrVideoNotFound
		}
		return nil, err
	}
	if processedAt.Valid {
		t := processedAt.Time
		v.ProcessedAt = &t
	}
	return &v, nil
}

// UpdateVideoStatus moves the video to status and records the error message
// (empty clears it).
func (s *SQLiteStore) UpdateVideoStatus(ctx context.Context, id int64, status, errorMessage string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE videos SET transcription_status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		status, errorMessage, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// CompleteVideo stamps the terminal completed state, processed_at and the
// transcription output reference in one statement.
func (s *SQLiteStore) CompleteVideo(ctx context.Context, id int64, transcriptionFile string, processedAt time.Time) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE videos SET transcription_status = ?, error_message = '', transcription_file = ?, processed_at = ?, updated_at = ? WHERE id = ?`,
		VideoCompleted, transcriptionFile, processedAt.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVideoNotFound
	}
	return nil
}

// ---- processing log (append-only) ----

func (s *SQLiteStore) AppendProcessingLog(ctx context.Context, videoID int64, step, status, message string) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO processing_logs (video_id, step, status, message, created_at) VALUES (?, ?, ?, ?, ?)`,
		videoID, step, status, message, time.Now().UTC(),
	)
	return err
}

func (s *SQLiteStore) ListProcessingLogs(ctx context.Context, videoID int64) ([]ProcessingLog, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, video_id, step, status, message, created_at FROM processing_logs WHERE video_id = ? ORDER BY id ASC`,
		videoID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]ProcessingLog, 0)
	for rows.Next() {
		var item ProcessingLog
		if err := rows.Scan(&item.ID, &item.VideoID, &item.Step, &item.Status, &item.Message, &item.CreatedAt); err != nil {
			return nil, err
		}
		ret = append(ret, item)
	}
	return ret, rows.Err()
}

// ---- segments ----

// InsertAudioSegment validates the temporal invariants and inserts the row.
// Intervals are half-open: touching boundaries do not overlap.
func (t *Tx) InsertAudioSegment(ctx context.Context, seg *AudioSegment) error {
	return insertAudioSegment(ctx, t.tx, seg)
}

// InsertAudioSegment is the standalone variant used by editing collaborators;
// check and insert run in one transaction.
func (s *SQLiteStore) InsertAudioSegment(ctx context.Context, seg *AudioSegment) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertAudioSegment(ctx, seg)
	})
}

func insertAudioSegment(ctx context.Context, q dbtx, seg *AudioSegment) error {
	if seg.StartMS >= seg.EndMS {
		return fmt.Errorf("segment [%d,%d) for video %d: %w", seg.StartMS, seg.EndMS, seg.VideoID, ErrInvalidInterval)
	}

	var conflicts int
	err := q.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM audio_segments WHERE video_id = ? AND start_ms < ? AND ? < end_ms`,
		seg.VideoID, seg.EndMS, seg.StartMS,
	).Scan(&conflicts)
	if err != nil {
		return err
	}
	if conflicts > 0 {
		return fmt.Errorf("segment [%d,%d) for video %d: %w", seg.StartMS, seg.EndMS, seg.VideoID, ErrSegmentOverlap)
	}

	res, err := q.ExecContext(
		ctx,
		`INSERT INTO audio_segments (video_id, start_ms, end_ms, text, translation, language) VALUES (?, ?, ?, ?, ?, ?)`,
		seg.VideoID, seg.StartMS, seg.EndMS, seg.Text, nullableString(seg.Translation), seg.Language,
	)
	if err != nil {
		return err
	}
	seg.ID, err = res.LastInsertId()
	return err
}

// InsertWordSegment validates bounds against the parent segment and overlap
// against sibling words. Position 0 means append: the next dense 1-based
// ordinal is assigned.
func (t *Tx) InsertWordSegment(ctx context.Context, word *WordSegment) error {
	return insertWordSegment(ctx, t.tx, word)
}

func (s *SQLiteStore) InsertWordSegment(ctx context.Context, word *WordSegment) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertWordSegment(ctx, word)
	})
}

func insertWordSegment(ctx context.Context, q dbtx, word *WordSegment) error {
	if word.StartMS >= word.EndMS {
		return fmt.Errorf("word %q [%d,%d): %w", word.Word, word.StartMS, word.EndMS, ErrInvalidInterval)
	}

	var segStart, segEnd int64
	err := q.QueryRowContext(
		ctx,
		`SELECT start_ms, end_ms FROM audio_segments WHERE id = ?`,
		word.AudioSegmentID,
	).Scan(&segStart, &segEnd)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("audio segment %d not found", word.AudioSegmentID)
		}
		return err
	}
	if word.StartMS < segStart || word.EndMS > segEnd {
		return fmt.Errorf("word %q [%d,%d) outside segment [%d,%d): %w",
			word.Word, word.StartMS, word.EndMS, segStart, segEnd, ErrWordOutOfBounds)
	}

	var conflicts int
	err = q.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM word_segments WHERE audio_segment_id = ? AND start_ms < ? AND ? < end_ms`,
		word.AudioSegmentID, word.EndMS, word.StartMS,
	).Scan(&conflicts)
	if err != nil {
		return err
	}
	if conflicts > 0 {
		return fmt.Errorf("word %q [%d,%d): %w", word.Word, word.StartMS, word.EndMS, ErrWordOverlap)
	}

	if word.Position <= 0 {
		var maxPos sql.NullInt64
		if err := q.QueryRowContext(
			ctx,
			`SELECT MAX(position) FROM word_segments WHERE audio_segment_id = ?`,
			word.AudioSegmentID,
		).Scan(&maxPos); err != nil {
			return err
		}
		word.Position = int(maxPos.Int64) + 1
	}

	res, err := q.ExecContext(
		ctx,
		`INSERT INTO word_segments (audio_segment_id, word, start_ms, end_ms, confidence, position) VALUES (?, ?, ?, ?, ?, ?)`,
		word.AudioSegmentID, word.Word, word.StartMS, word.EndMS, word.Confidence, word.Position,
	)
	if err != nil {
		return err
	}
	word.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) ListAudioSegments(ctx context.Context, videoID int64) ([]AudioSegment, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, video_id, start_ms, end_ms, text, translation, language FROM audio_segments WHERE video_id = ? ORDER BY start_ms ASC`,
		videoID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]AudioSegment, 0)
	for rows.Next() {
		var item AudioSegment
		var translation sql.NullString
		if err := rows.Scan(&item.ID, &item.VideoID, &item.StartMS, &item.EndMS, &item.Text, &translation, &item.Language); err != nil {
			return nil, err
		}
		item.Translation = translation.String
		ret = append(ret, item)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) ListWordSegments(ctx context.Context, audioSegmentID int64) ([]WordSegment, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, audio_segment_id, word, start_ms, end_ms, confidence, position FROM word_segments WHERE audio_segment_id = ? ORDER BY position ASC`,
		audioSegmentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]WordSegment, 0)
	for rows.Next() {
		var item WordSegment
		if err := rows.Scan(&item.ID, &item.AudioSegmentID, &item.Word, &item.StartMS, &item.EndMS, &item.Confidence, &item.Position); err != nil {
			return nil, err
		}
		ret = append(ret, item)
	}
	return ret, rows.Err()
}

// ---- vocabulary ----

// InsertWordEntry always creates a new row. Duplicate words across imports
// are kept; dedup is not a contract of this layer.
func (t *Tx) InsertWordEntry(ctx context.Context, entry *WordEntry) error {
	translations, err := json.Marshal(emptyIfNil(entry.Translations))
	if err != nil {
		return err
	}
	examples, err := json.Marshal(emptyIfNil(entry.Examples))
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(
		ctx,
		`INSERT INTO word_entries (word, language, translations_json, examples_json, level, metadata_json, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.Word, entry.Language, string(translations), string(examples), entry.Level, string(metadata), time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	entry.ID, err = res.LastInsertId()
	return err
}

func (t *Tx) InsertExercise(ctx context.Context, ex *Exercise) error {
	metadata, err := json.Marshal(ex.Metadata)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(
		ctx,
		`INSERT INTO exercises (word_id, video_id, type, level, metadata_json) VALUES (?, ?, ?, ?, ?)`,
		ex.WordID, ex.VideoID, ex.Type, ex.Level, string(metadata),
	)
	if err != nil {
		return err
	}
	ex.ID, err = res.LastInsertId()
	return err
}

func (t *Tx) InsertExerciseQuestion(ctx context.Context, q *ExerciseQuestion) error {
	res, err := t.tx.ExecContext(
		ctx,
		`INSERT INTO exercise_questions (exercise_id, direction, question, correct_answer) VALUES (?, ?, ?, ?)`,
		q.ExerciseID, q.Direction, q.Question, q.CorrectAnswer,
	)
	if err != nil {
		return err
	}
	q.ID, err = res.LastInsertId()
	return err
}

func (t *Tx) InsertExerciseOption(ctx context.Context, opt *ExerciseOption) error {
	res, err := t.tx.ExecContext(
		ctx,
		`INSERT INTO exercise_options (question_id, text, is_correct) VALUES (?, ?, ?)`,
		opt.QuestionID, opt.Text, boolToInt(opt.IsCorrect),
	)
	if err != nil {
		return err
	}
	opt.ID, err = res.LastInsertId()
	return err
}

func (t *Tx) InsertPronunciation(ctx context.Context, p *Pronunciation) error {
	res, err := t.tx.ExecContext(
		ctx,
		`INSERT INTO pronunciations (word_id, file_path, type, language) VALUES (?, ?, ?, ?)`,
		p.WordID, p.FilePath, p.Type, p.Language,
	)
	if err != nil {
		return err
	}
	p.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) ListWordEntries(ctx context.Context, videoLanguage string) ([]WordEntry, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, word, language, translations_json, examples_json, level, metadata_json FROM word_entries WHERE language = ? ORDER BY id ASC`,
		videoLanguage,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]WordEntry, 0)
	for rows.Next() {
		var item WordEntry
		var translations, examples, metadata string
		if err := rows.Scan(&item.ID, &item.Word, &item.Language, &translations, &examples, &item.Level, &metadata); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(translations), &item.Translations); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(examples), &item.Examples); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metadata), &item.Metadata); err != nil {
			return nil, err
		}
		ret = append(ret, item)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) ListExercisesByVideo(ctx context.Context, videoID int64) ([]Exercise, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, word_id, video_id, type, level, metadata_json FROM exercises WHERE video_id = ? ORDER BY id ASC`,
		videoID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]Exercise, 0)
	for rows.Next() {
		var item Exercise
		var metadata string
		if err := rows.Scan(&item.ID, &item.WordID, &item.VideoID, &item.Type, &item.Level, &metadata); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metadata), &item.Metadata); err != nil {
			return nil, err
		}
		ret = append(ret, item)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) ListExerciseQuestions(ctx context.Context, exerciseID int64) ([]ExerciseQuestion, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, exercise_id, direction, question, correct_answer FROM exercise_questions WHERE exercise_id = ? ORDER BY id ASC`,
		exerciseID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]ExerciseQuestion, 0)
	for rows.Next() {
		var item ExerciseQuestion
		if err := rows.Scan(&item.ID, &item.ExerciseID, &item.Direction, &item.Question, &item.CorrectAnswer); err != nil {
			return nil, err
		}
		ret = append(ret, item)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) ListExerciseOptions(ctx context.Context, questionID int64) ([]ExerciseOption, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, question_id, text, is_correct FROM exercise_options WHERE question_id = ? ORDER BY id ASC`,
		questionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]ExerciseOption, 0)
	for rows.Next() {
		var item ExerciseOption
		var isCorrect int
		if err := rows.Scan(&item.ID, &item.QuestionID, &item.Text, &isCorrect); err != nil {
			return nil, err
		}
		item.IsCorrect = isCorrect == 1
		ret = append(ret, item)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) ListPronunciations(ctx context.Context, wordID int64) ([]Pronunciation, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, word_id, file_path, type, language FROM pronunciations WHERE word_id = ? ORDER BY id ASC`,
		wordID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]Pronunciation, 0)
	for rows.Next() {
		var item Pronunciation
		if err := rows.Scan(&item.ID, &item.WordID, &item.FilePath, &item.Type, &item.Language); err != nil {
			return nil, err
		}
		ret = append(ret, item)
	}
	return ret, rows.Err()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
