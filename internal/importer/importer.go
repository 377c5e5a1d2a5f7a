package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/abadojack/whatlanggo"

	"github.com/lexivid/transcript-pipeline/internal/persistence"
	"github.com/lexivid/transcript-pipeline/pkg/log"
)

// defaultLanguage is assumed when the engine output carries no language and
// detection finds nothing usable.
const defaultLanguage = "de"

// Summary reports what one import wrote.
type Summary struct {
	Segments   int    `json:"segments"`
	Vocabulary int    `json:"vocabulary"`
	Language   string `json:"language"`
}

// Importer persists one engine output document per video. Segments commit in
// one transaction, the whole vocabulary loop (entries, exercises,
// pronunciations) in another; a failure anywhere in a unit rolls the unit
// back so readers never see partial state.
type Importer struct {
	store *persistence.SQLiteStore
}

func NewImporter(store *persistence.SQLiteStore) *Importer {
	return &Importer{store: store}
}

func (imp *Importer) Load(ctx context.Context, videoID int64, outputPath string) (Summary, error) {
	data, err := os.ReadFile(outputPath)
	if err != nil {
		return Summary{}, fmt.Errorf("read engine output: %w", err)
	}

	var doc outputDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return Summary{}, fmt.Errorf("parse engine output %s: %v: %w", outputPath, err, ErrMalformedOutput)
	}

	language := doc.Language
	if language == "" {
		language = detectLanguage(doc.Segments)
		log.Info("Engine output for video %d carries no language, using %q", videoID, language)
	}

	if err := imp.importSegments(ctx, videoID, language, doc.Segments); err != nil {
		return Summary{}, err
	}
	if err := imp.importVocabulary(ctx, videoID, language, doc.Vocabulary); err != nil {
		return Summary{}, err
	}

	summary := Summary{
		Segments:   len(doc.Segments),
		Vocabulary: len(doc.Vocabulary),
		Language:   language,
	}
	log.Info("Imported video %d: %d segments, %d vocabulary entries (%s)",
		videoID, summary.Segments, summary.Vocabulary, summary.Language)
	return summary, nil
}

// importSegments writes all audio segments and their nested words in one
// transaction.
func (imp *Importer) importSegments(ctx context.Context, videoID int64, language string, segments []outputSegment) error {
	if err := imp.store.AppendProcessingLog(ctx, videoID, persistence.StepDatabaseImport, persistence.StepStarted, ""); err != nil {
		return err
	}

	err := imp.store.WithTx(ctx, func(tx *persistence.Tx) error {
		for _, seg := range segments {
			row := &persistence.AudioSegment{
				VideoID:     videoID,
				StartMS:     secondsToMillis(seg.Start),
				EndMS:       secondsToMillis(seg.End),
				Text:        seg.Text,
				Translation: seg.Translation,
				Language:    language,
			}
			if err := tx.InsertAudioSegment(ctx, row); err != nil {
				return err
			}

			for i, word := range seg.Words {
				wordRow := &persistence.WordSegment{
					AudioSegmentID: row.ID,
					Word:           word.Word,
					StartMS:        secondsToMillis(word.Start),
					EndMS:          secondsToMillis(word.End),
					Confidence:     confidenceScore(word.Score),
					Position:       i + 1,
				}
				if err := tx.InsertWordSegment(ctx, wordRow); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		_ = imp.store.AppendProcessingLog(ctx, videoID, persistence.StepDatabaseImport, persistence.StepFailed, err.Error())
		return err
	}

	return imp.store.AppendProcessingLog(ctx, videoID, persistence.StepDatabaseImport, persistence.StepCompleted,
		fmt.Sprintf("%d segments", len(segments)))
}

// importVocabulary writes the vocabulary in two logged stages: word entries
// plus their exercises in one transaction, pronunciations in a second. Each
// stage leaves its own started/completed/failed trail.
func (imp *Importer) importVocabulary(ctx context.Context, videoID int64, language string, vocabulary []outputVocabulary) error {
	// Exercise payloads are validated before anything is written, so schema
	// errors never cost a transaction.
	parsed := make([]exercisePayload, len(vocabulary))
	for i, entry := range vocabulary {
		if entry.Word == "" {
			return fmt.Errorf("vocabulary entry %d without word: %w", i, ErrMalformedOutput)
		}
		if len(entry.Exercises) > 0 {
			payload, err := parseExercise(entry.Exercises)
			if err != nil {
				return err
			}
			parsed[i] = payload
		}
		for _, pron := range entry.Pronunciations {
			if err := pron.validate(); err != nil {
				return err
			}
		}
	}

	if err := imp.store.AppendProcessingLog(ctx, videoID, persistence.StepExercises, persistence.StepStarted, ""); err != nil {
		return err
	}

	wordIDs := make([]int64, len(vocabulary))
	err := imp.store.WithTx(ctx, func(tx *persistence.Tx) error {
		for i, entry := range vocabulary {
			wordRow := &persistence.WordEntry{
				Word:         entry.Word,
				Language:     language,
				Translations: entry.Translations,
				Examples:     entry.Examples,
				Level:        entry.Level,
				Metadata:     entry.Metadata,
			}
			if err := tx.InsertWordEntry(ctx, wordRow); err != nil {
				return err
			}
			wordIDs[i] = wordRow.ID

			if parsed[i] != nil {
				if err := insertExercise(ctx, tx, videoID, wordRow.ID, parsed[i]); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		_ = imp.store.AppendProcessingLog(ctx, videoID, persistence.StepExercises, persistence.StepFailed, err.Error())
		return err
	}
	if err := imp.store.AppendProcessingLog(ctx, videoID, persistence.StepExercises, persistence.StepCompleted,
		fmt.Sprintf("%d vocabulary entries", len(vocabulary))); err != nil {
		return err
	}

	return imp.importPronunciations(ctx, videoID, language, vocabulary, wordIDs)
}

// importPronunciations writes all pronunciation rows in one transaction,
// keyed to the word entries committed just before.
func (imp *Importer) importPronunciations(ctx context.Context, videoID int64, language string, vocabulary []outputVocabulary, wordIDs []int64) error {
	if err := imp.store.AppendProcessingLog(ctx, videoID, persistence.StepPronunciations, persistence.StepStarted, ""); err != nil {
		return err
	}

	pronunciations := 0
	err := imp.store.WithTx(ctx, func(tx *persistence.Tx) error {
		for i, entry := range vocabulary {
			for _, pron := range entry.Pronunciations {
				pronLanguage := pron.Language
				if pronLanguage == "" {
					pronLanguage = language
				}
				row := &persistence.Pronunciation{
					WordID:   wordIDs[i],
					FilePath: pron.FilePath,
					Type:     pron.Type,
					Language: pronLanguage,
				}
				if err := tx.InsertPronunciation(ctx, row); err != nil {
					return err
				}
				pronunciations++
			}
		}
		return nil
	})
	if err != nil {
		_ = imp.store.AppendProcessingLog(ctx, videoID, persistence.StepPronunciations, persistence.StepFailed, err.Error())
		return err
	}
	return imp.store.AppendProcessingLog(ctx, videoID, persistence.StepPronunciations, persistence.StepCompleted,
		fmt.Sprintf("%d pronunciations", pronunciations))
}

func insertExercise(ctx context.Context, tx *persistence.Tx, videoID, wordID int64, payload exercisePayload) error {
	switch p := payload.(type) {
	case multipleChoicePair:
		exercise := &persistence.Exercise{
			WordID:  wordID,
			VideoID: videoID,
			Type:    typeMultipleChoicePair,
			Level:   p.Level,
		}
		if err := tx.InsertExercise(ctx, exercise); err != nil {
			return err
		}
		for _, q := range p.Questions {
			question := &persistence.ExerciseQuestion{
				ExerciseID:    exercise.ID,
				Direction:     q.Direction,
				Question:      q.Question,
				CorrectAnswer: q.CorrectAnswer,
			}
			if err := tx.InsertExerciseQuestion(ctx, question); err != nil {
				return err
			}
			for _, text := range q.Options {
				option := &persistence.ExerciseOption{
					QuestionID: question.ID,
					Text:       text,
					IsCorrect:  text == q.CorrectAnswer,
				}
				if err := tx.InsertExerciseOption(ctx, option); err != nil {
					return err
				}
			}
		}
		return nil

	case opaquePayload:
		exercise := &persistence.Exercise{
			WordID:   wordID,
			VideoID:  videoID,
			Type:     p.Type,
			Level:    p.Level,
			Metadata: p.Metadata,
		}
		return tx.InsertExercise(ctx, exercise)

	default:
		return fmt.Errorf("unhandled exercise variant %T", payload)
	}
}

// secondsToMillis converts engine-reported floating-point seconds to integer
// milliseconds, rounding half away from zero.
func secondsToMillis(seconds float64) int64 {
	return int64(math.Round(seconds * 1000))
}

// confidenceScore stores a recognizer score as fixed-point x1000, floored.
func confidenceScore(score float64) int64 {
	return int64(math.Floor(score * 1000))
}

// detectLanguage majority-votes the segment texts.
func detectLanguage(segments []outputSegment) string {
	votes := make(map[string]int)
	for _, seg := range segments {
		if seg.Text == "" {
			continue
		}
		iso := whatlanggo.DetectLang(seg.Text).Iso6391()
		if iso == "" {
			continue
		}
		votes[iso]++
	}

	best := ""
	bestCount := 0
	for lang, count := range votes {
		if count > bestCount {
			best = lang
			bestCount = count
		}
	}
	if best == "" {
		return defaultLanguage
	}
	return best
}
