package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lexivid/transcript-pipeline/pkg/log"
)

type ErrorType int

const (
	ErrFileNotFound ErrorType = iota
	ErrInvalidLocation
	ErrUnsupportedLanguage
	ErrEngine
	ErrMalformedOutput
	ErrOverlap
	ErrInfrastructure
	ErrUnknown
)

type PipelineError struct {
	Type    ErrorType
	Message string
	Context map[string]any
	Cause   error
}

func NewError(errorType ErrorType, message string) *PipelineError {
	return &PipelineError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
	}
}

func NewErrorWithCause(errorType ErrorType, message string, cause error) *PipelineError {
	return &PipelineError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
		Cause:   cause,
	}
}

func (e *PipelineError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Type.String(), e.Message))

	if len(e.Context) > 0 {
		var ctxParts []string
		for k, v := range e.Context {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(ctxParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

func (e *PipelineError) WithContext(key string, value any) *PipelineError {
	e.Context[key] = value
	return e
}

func (t ErrorType) String() string {
	switch t {
	case ErrFileNotFound:
		return "FileNotFound"
	case ErrInvalidLocation:
		return "InvalidLocation"
	case ErrUnsupportedLanguage:
		return "UnsupportedLanguage"
	case ErrEngine:
		return "Engine"
	case ErrMalformedOutput:
		return "MalformedOutput"
	case ErrOverlap:
		return "Overlap"
	case ErrInfrastructure:
		return "Infrastructure"
	case ErrUnknown:
		return "Unknown"
	default:
		return "Unknown"
	}
}

type ErrorHandler interface {
	Handle(err error) bool
	GetAdvice(err *PipelineError) string
}

type DefaultErrorHandler struct{}

func NewDefaultErrorHandler() ErrorHandler {
	return &DefaultErrorHandler{}
}

func (h *DefaultErrorHandler) Handle(err error) bool {
	var pipeErr *PipelineError
	if !errors.As(err, &pipeErr) {
		log.Error("Unknown Error: %v", err)
		return false
	}

	advice := h.GetAdvice(pipeErr)
	log.Error("Error Detail: %v\n advice: %s", err, advice)

	return true
}

// GetAdvice returns error handling advice
func (h *DefaultErrorHandler) GetAdvice(err *PipelineError) string {
	switch err.Type {
	case ErrFileNotFound:
		return "Please check that the audio path is correct and the file exists with read permissions"
	case ErrInvalidLocation:
		return "Audio files must live inside the configured storage directory; move the file there and retry"
	case ErrUnsupportedLanguage:
		return "Only German, French and English are supported; check the source and target language parameters"
	case ErrEngine:
		return "Please check that the engine runtime is installed, the image is pulled, and the container has enough memory"
	case ErrMalformedOutput:
		return "The engine produced output the importer cannot read; check the engine version against the pipeline version"
	case ErrOverlap:
		return "The transcript contains overlapping segments; re-run transcription or clear existing segments for this video"
	case ErrInfrastructure:
		return "Please check that the database file is writable and the disk is not full"
	default:
		return "Please review detailed error information and check relevant configuration and files"
	}
}

func IsErrorType(err error, errorType ErrorType) bool {
	var pipeErr *PipelineError
	if errors.As(err, &pipeErr) {
		return pipeErr.Type == errorType
	}
	return false
}

func WrapError(err error, errorType ErrorType, message string) *PipelineError {
	return NewErrorWithCause(errorType, message, err)
}
