package persistence

import (
	"errors"
	"time"
)

// Video lifecycle states. Owned by the pipeline while processing.
const (
	VideoPending    = "pending"
	VideoProcessing = "processing"
	VideoCompleted  = "completed"
	VideoFailed     = "failed"
)

// Pipeline step names recorded in the processing log.
const (
	StepTranscription  = "transcription"
	StepDatabaseImport = "database_import"
	StepExercises      = "exercises"
	StepPronunciations = "pronunciations"
)

// Step statuses recorded in the processing log.
const (
	StepStarted   = "started"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// Invariant violations surfaced by segment/word writes.
var (
	ErrInvalidInterval = errors.New("start time must be before end time")
	ErrSegmentOverlap  = errors.New("segment overlaps an existing segment")
	ErrWordOutOfBounds = errors.New("word interval outside parent segment")
	ErrWordOverlap     = errors.New("word overlaps an existing word in segment")
	ErrVideoNotFound   = errors.New("video not found")
)

type Video struct {
	ID                  int64      `json:"id"`
	OriginalName        string     `json:"original_name"`
	StoragePath         string     `json:"storage_path"`
	Size                int64      `json:"size"`
	Language            string     `json:"language"`
	TranscriptionStatus string     `json:"transcription_status"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	TranscriptionFile   string     `json:"transcription_file,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	ProcessedAt         *time.Time `json:"processed_at,omitempty"`
}

// ProcessingLog is one append-only audit row per pipeline stage transition.
type ProcessingLog struct {
	ID        int64     `json:"id"`
	VideoID   int64     `json:"video_id"`
	Step      string    `json:"step"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AudioSegment is a time-bounded transcript span. Times are integer
// milliseconds; intervals are half-open [StartMS, EndMS).
type AudioSegment struct {
	ID          int64  `json:"id"`
	VideoID     int64  `json:"video_id"`
	StartMS     int64  `json:"start_ms"`
	EndMS       int64  `json:"end_ms"`
	Text        string `json:"text"`
	Translation string `json:"translation,omitempty"`
	Language    string `json:"language"`
}

// WordSegment is a single recognized word nested inside an AudioSegment.
// Confidence is fixed-point: recognizer score x 1000, floored.
type WordSegment struct {
	ID             int64  `json:"id"`
	AudioSegmentID int64  `json:"audio_segment_id"`
	Word           string `json:"word"`
	StartMS        int64  `json:"start_ms"`
	EndMS          int64  `json:"end_ms"`
	Confidence     int64  `json:"confidence"`
	Position       int    `json:"position"`
}

type WordEntry struct {
	ID           int64          `json:"id"`
	Word         string         `json:"word"`
	Language     string         `json:"language"`
	Translations []string       `json:"translations"`
	Examples     []string       `json:"examples"`
	Level        string         `json:"level"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type Exercise struct {
	ID       int64          `json:"id"`
	WordID   int64          `json:"word_id"`
	VideoID  int64          `json:"video_id"`
	Type     string         `json:"type"`
	Level    string         `json:"level"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type ExerciseQuestion struct {
	ID            int64  `json:"id"`
	ExerciseID    int64  `json:"exercise_id"`
	Direction     string `json:"direction"`
	Question      string `json:"question"`
	CorrectAnswer string `json:"correct_answer"`
}

type ExerciseOption struct {
	ID         int64  `json:"id"`
	QuestionID int64  `json:"question_id"`
	Text       string `json:"text"`
	IsCorrect  bool   `json:"is_correct"`
}

type Pronunciation struct {
	ID       int64  `json:"id"`
	WordID   int64  `json:"word_id"`
	FilePath string `json:"file_path"`
	Type     string `json:"type"`
	Language string `json:"language"`
}
