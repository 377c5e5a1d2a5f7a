package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/text/language"

	"github.com/lexivid/transcript-pipeline/internal/audiofile"
	"github.com/lexivid/transcript-pipeline/internal/config"
	"github.com/lexivid/transcript-pipeline/internal/engine"
	"github.com/lexivid/transcript-pipeline/internal/importer"
	"github.com/lexivid/transcript-pipeline/internal/jobs"
	"github.com/lexivid/transcript-pipeline/internal/ledger"
	"github.com/lexivid/transcript-pipeline/internal/persistence"
	"github.com/lexivid/transcript-pipeline/pkg/log"
)

// Languages the engine image ships models for.
var supportedLanguages = map[string]bool{
	"de": true,
	"fr": true,
	"en": true,
}

const (
	defaultSourceLang = "de"
	defaultTargetLang = "fr"
)

// Service wires the pipeline together: it accepts transcription requests,
// runs the queue executor (validate, invoke engine, import output) and keeps
// the video ledger in step with job outcomes.
type Service struct {
	cfg       *config.Config
	queue     *jobs.Queue
	validator *audiofile.Validator
	invoker   *engine.Invoker
	importer  *importer.Importer
	ledger    *ledger.Ledger
	errors    ErrorHandler

	retries singleflight.Group
}

func NewService(cfg *config.Config, store *persistence.SQLiteStore) *Service {
	return &Service{
		cfg: cfg,
		queue: jobs.NewQueue(jobs.Options{
			Concurrency:  cfg.Queue.Concurrency,
			MaxAttempts:  cfg.Queue.MaxAttempts,
			BackoffBase:  cfg.Queue.BackoffBase,
			Retention:    cfg.Queue.Retention,
			RetentionAge: cfg.Queue.RetentionAge,
			StallAfter:   cfg.Queue.StallAfter,
		}, store),
		validator: audiofile.NewValidator(cfg.Storage.BaseDir, cfg.Storage.UploadsDir(), cfg.Storage.AudiosDir()),
		invoker:   engine.NewInvoker(cfg.Engine, cfg.Storage.AudiosDir()),
		importer:  importer.NewImporter(store),
		ledger:    ledger.NewLedger(store),
		errors:    NewDefaultErrorHandler(),
	}
}

// Start spins up the queue workers. Probe failures are the caller's problem;
// the service assumes the engine runtime was verified at startup.
func (s *Service) Start() {
	s.queue.Start(s.execute)
}

func (s *Service) Stop() {
	s.queue.Stop()
}

// EnqueueOptions tunes queue placement for one request.
type EnqueueOptions struct {
	Priority int
	Delay    time.Duration
}

// EnqueueTranscription normalizes and checks the language pair, verifies the
// video is registered, and places the job. Unsupported languages are rejected
// before any queue entry exists.
func (s *Service) EnqueueTranscription(ctx context.Context, videoID int64, audioPath, sourceLang, targetLang string, opts EnqueueOptions) (*jobs.TranscriptionJob, error) {
	src, err := normalizeLanguage(sourceLang, defaultSourceLang)
	if err != nil {
		return nil, err
	}
	tgt, err := normalizeLanguage(targetLang, defaultTargetLang)
	if err != nil {
		return nil, err
	}

	if _, err := s.ledger.Video(ctx, videoID); err != nil {
		return nil, err
	}

	job := s.queue.Enqueue(jobs.EnqueueRequest{
		Payload: jobs.JobPayload{
			VideoID:    videoID,
			AudioPath:  audioPath,
			SourceLang: src,
			TargetLang: tgt,
		},
		Priority: opts.Priority,
		Delay:    opts.Delay,
	})
	log.Info("Enqueued transcription: videoId=%d jobId=%s %s->%s", videoID, job.ID, src, tgt)
	return job, nil
}

// RetryProcessing resets a video to processing and re-enqueues it from its
// stored audio path. Concurrent retries for the same video collapse into one
// enqueue.
func (s *Service) RetryProcessing(ctx context.Context, videoID int64) (*jobs.TranscriptionJob, error) {
	v, err, _ := s.retries.Do(strconv.FormatInt(videoID, 10), func() (any, error) {
		video, err := s.ledger.Video(ctx, videoID)
		if err != nil {
			return nil, err
		}
		if err := s.ledger.MarkProcessing(ctx, videoID); err != nil {
			return nil, err
		}
		return s.EnqueueTranscription(ctx, videoID, video.StoragePath, video.Language, defaultTargetLang, EnqueueOptions{})
	})
	if err != nil {
		return nil, err
	}
	return v.(*jobs.TranscriptionJob), nil
}

func (s *Service) QueueStatus() jobs.Counts { return s.queue.Status() }

func (s *Service) Jobs() []*jobs.TranscriptionJob { return s.queue.List() }

func (s *Service) Job(id string) (*jobs.TranscriptionJob, bool) { return s.queue.Get(id) }

func (s *Service) CleanQueue(maxAge time.Duration) int { return s.queue.CleanQueue(maxAge) }

func (s *Service) RetryFailedJobs() int { return s.queue.RetryFailedJobs() }

func (s *Service) Pause() { s.queue.Pause() }

func (s *Service) Resume() { s.queue.Resume() }

// Maintain runs one retention/stall pass; scheduled from cmd via cron.
func (s *Service) Maintain() { s.queue.Maintain() }

// Video and History expose the ledger to the HTTP surface.
func (s *Service) Video(ctx context.Context, id int64) (*persistence.Video, error) {
	return s.ledger.Video(ctx, id)
}

func (s *Service) History(ctx context.Context, id int64) ([]persistence.ProcessingLog, error) {
	return s.ledger.History(ctx, id)
}

// execute is the queue executor: one full pipeline run for one job attempt.
func (s *Service) execute(ctx context.Context, job *jobs.TranscriptionJob) error {
	videoID := job.Payload.VideoID

	audioPath, err := s.validator.Validate(job.Payload.AudioPath)
	if err != nil {
		pipeErr := classifyValidation(err, job.Payload.AudioPath)
		_ = s.ledger.LogStep(ctx, videoID, persistence.StepTranscription, persistence.StepFailed, pipeErr.Error())
		// A retry cannot conjure the file; fail terminally.
		return s.fail(ctx, videoID, jobs.Permanent(pipeErr))
	}

	if err := s.ledger.MarkProcessing(ctx, videoID); err != nil {
		return s.fail(ctx, videoID, WrapError(err, ErrInfrastructure, "mark video processing"))
	}
	if err := s.ledger.LogStep(ctx, videoID, persistence.StepTranscription, persistence.StepStarted, ""); err != nil {
		return s.fail(ctx, videoID, WrapError(err, ErrInfrastructure, "log transcription start"))
	}

	res, err := s.invoker.Run(ctx, videoID, audioPath, job.Payload.SourceLang, job.Payload.TargetLang, func(pct int) {
		s.queue.SetProgress(job.ID, pct)
	})
	if err != nil {
		pipeErr := WrapError(err, ErrEngine, "engine run failed").WithContext("videoId", videoID)
		_ = s.ledger.LogStep(ctx, videoID, persistence.StepTranscription, persistence.StepFailed, err.Error())
		return s.fail(ctx, videoID, pipeErr)
	}
	if err := s.ledger.LogStep(ctx, videoID, persistence.StepTranscription, persistence.StepCompleted,
		fmt.Sprintf("took %s", res.Duration.Round(time.Millisecond))); err != nil {
		return s.fail(ctx, videoID, WrapError(err, ErrInfrastructure, "log transcription done"))
	}

	summary, err := s.importer.Load(ctx, videoID, res.OutputPath)
	if err != nil {
		pipeErr := classifyImport(err)
		if IsErrorType(pipeErr, ErrMalformedOutput) || IsErrorType(pipeErr, ErrOverlap) {
			// The source data is presumed unfixable; re-running the engine
			// would reproduce the same output.
			return s.fail(ctx, videoID, jobs.Permanent(pipeErr))
		}
		return s.fail(ctx, videoID, pipeErr)
	}

	if err := s.ledger.MarkCompleted(ctx, videoID, res.OutputPath); err != nil {
		return s.fail(ctx, videoID, WrapError(err, ErrInfrastructure, "mark video completed"))
	}

	log.Info("Pipeline done: videoId=%d jobId=%s segments=%d vocabulary=%d language=%s",
		videoID, job.ID, summary.Segments, summary.Vocabulary, summary.Language)
	return nil
}

// fail records the failure on the video, surfaces operator advice for the
// error class, and rethrows so the queue keeps the retry accounting.
func (s *Service) fail(ctx context.Context, videoID int64, cause error) error {
	if err := s.ledger.MarkFailed(ctx, videoID, cause); err != nil {
		log.Error("Could not mark video %d failed: %v", videoID, err)
	}
	s.errors.Handle(cause)
	return cause
}

func classifyValidation(err error, path string) error {
	switch {
	case errors.Is(err, audiofile.ErrFileNotFound):
		return WrapError(err, ErrFileNotFound, "audio file missing").WithContext("path", path)
	case errors.Is(err, audiofile.ErrInvalidLocation):
		return WrapError(err, ErrInvalidLocation, "audio file outside storage").WithContext("path", path)
	default:
		return WrapError(err, ErrUnknown, "audio validation failed").WithContext("path", path)
	}
}

func classifyImport(err error) error {
	switch {
	case errors.Is(err, importer.ErrMalformedOutput):
		return WrapError(err, ErrMalformedOutput, "engine output rejected")
	case errors.Is(err, persistence.ErrInvalidInterval),
		errors.Is(err, persistence.ErrSegmentOverlap),
		errors.Is(err, persistence.ErrWordOutOfBounds),
		errors.Is(err, persistence.ErrWordOverlap):
		return WrapError(err, ErrOverlap, "transcript violates temporal invariants")
	default:
		return WrapError(err, ErrInfrastructure, "import failed")
	}
}

// normalizeLanguage canonicalizes a BCP 47-ish code ("de-DE", "FR") to its
// two-letter base and checks it against the supported set.
func normalizeLanguage(code, fallback string) (string, error) {
	if code == "" {
		return fallback, nil
	}
	tag, err := language.Parse(code)
	if err != nil {
		return "", NewErrorWithCause(ErrUnsupportedLanguage, fmt.Sprintf("cannot parse language %q", code), err)
	}
	base, _ := tag.Base()
	iso := base.String()
	if !supportedLanguages[iso] {
		return "", NewError(ErrUnsupportedLanguage, fmt.Sprintf("language %q not supported", iso)).WithContext("requested", code)
	}
	return iso, nil
}
