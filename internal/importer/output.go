package importer

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedOutput marks engine output that is not valid structured data or
// fails exercise schema validation. Never retried automatically.
var ErrMalformedOutput = errors.New("malformed engine output")

// outputDocument mirrors the engine's output JSON contract:
// <outputDir>/<targetLang>/<basename>.json
type outputDocument struct {
	Language   string             `json:"language"`
	Segments   []outputSegment    `json:"segments"`
	Vocabulary []outputVocabulary `json:"vocabulary"`
}

type outputSegment struct {
	Start       float64      `json:"start"`
	End         float64      `json:"end"`
	Text        string       `json:"text"`
	Translation string       `json:"translation,omitempty"`
	Words       []outputWord `json:"words,omitempty"`
}

type outputWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Score float64 `json:"score"`
}

type outputVocabulary struct {
	Word           string                `json:"word"`
	Translations   []string              `json:"translations"`
	Examples       []string              `json:"examples"`
	Level          string                `json:"level"`
	Metadata       map[string]any        `json:"metadata,omitempty"`
	Exercises      json.RawMessage       `json:"exercises,omitempty"`
	Pronunciations []outputPronunciation `json:"pronunciations,omitempty"`
}

type outputPronunciation struct {
	FilePath string `json:"file_path"`
	Type     string `json:"type"`
	Language string `json:"language"`
}

func (p outputPronunciation) validate() error {
	if p.FilePath == "" {
		return fmt.Errorf("pronunciation without file_path: %w", ErrMalformedOutput)
	}
	return nil
}

const typeMultipleChoicePair = "multiple_choice_pair"

// Question directions for multiple_choice_pair exercises.
const (
	directionDeToFr = "de_to_fr"
	directionFrToDe = "fr_to_de"
)

// exercisePayload is the variant over engine exercise shapes. Only
// multiple_choice_pair decomposes into questions/options; every other type
// is opaque and survives only as exercise metadata.
type exercisePayload interface {
	exerciseType() string
}

// multipleChoicePair carries one directional question per present direction.
type multipleChoicePair struct {
	Level     string
	Questions []directionQuestion
}

func (multipleChoicePair) exerciseType() string { return typeMultipleChoicePair }

type directionQuestion struct {
	Direction     string
	Question      string
	Options       []string
	CorrectAnswer string
}

// opaquePayload retains unknown exercise types verbatim.
type opaquePayload struct {
	Type     string
	Level    string
	Metadata map[string]any
}

func (p opaquePayload) exerciseType() string { return p.Type }

// rawExercise is the wire shape before decomposition into a variant.
type rawExercise struct {
	Type   string               `json:"type"`
	Level  string               `json:"level"`
	DeToFr *rawDirectionPayload `json:"de_to_fr"`
	FrToDe *rawDirectionPayload `json:"fr_to_de"`
}

type rawDirectionPayload struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer string   `json:"correct_answer"`
}

// parseExercise validates the raw payload and returns its typed variant.
func parseExercise(raw json.RawMessage) (exercisePayload, error) {
	var wire rawExercise
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("exercise payload: %v: %w", err, ErrMalformedOutput)
	}
	if wire.Type == "" {
		return nil, fmt.Errorf("exercise payload without type: %w", ErrMalformedOutput)
	}

	if wire.Type != typeMultipleChoicePair {
		var metadata map[string]any
		if err := json.Unmarshal(raw, &metadata); err != nil {
			return nil, fmt.Errorf("exercise payload: %v: %w", err, ErrMalformedOutput)
		}
		return opaquePayload{Type: wire.Type, Level: wire.Level, Metadata: metadata}, nil
	}

	pair := multipleChoicePair{Level: wire.Level}
	for _, dir := range []struct {
		name    string
		payload *rawDirectionPayload
	}{
		{directionDeToFr, wire.DeToFr},
		{directionFrToDe, wire.FrToDe},
	} {
		if dir.payload == nil {
			continue
		}
		q, err := dir.payload.toQuestion(dir.name)
		if err != nil {
			return nil, err
		}
		pair.Questions = append(pair.Questions, q)
	}
	if len(pair.Questions) == 0 {
		return nil, fmt.Errorf("multiple_choice_pair without directions: %w", ErrMalformedOutput)
	}
	return pair, nil
}

func (p *rawDirectionPayload) toQuestion(direction string) (directionQuestion, error) {
	if p.Question == "" || p.CorrectAnswer == "" || len(p.Options) == 0 {
		return directionQuestion{}, fmt.Errorf("%s question incomplete: %w", direction, ErrMalformedOutput)
	}
	found := false
	for _, opt := range p.Options {
		if opt == p.CorrectAnswer {
			found = true
			break
		}
	}
	if !found {
		return directionQuestion{}, fmt.Errorf("%s correct answer %q not among options: %w", direction, p.CorrectAnswer, ErrMalformedOutput)
	}
	return directionQuestion{
		Direction:     direction,
		Question:      p.Question,
		Options:       p.Options,
		CorrectAnswer: p.CorrectAnswer,
	}, nil
}
