package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lexivid/transcript-pipeline/internal/config"
	"github.com/lexivid/transcript-pipeline/pkg/file"
	"github.com/lexivid/transcript-pipeline/pkg/log"
)

// ErrEngineUnavailable indicates the sandbox runtime itself is missing.
// Fatal at startup, never a per-job failure.
var ErrEngineUnavailable = errors.New("engine runtime unavailable")

// Result describes a successful engine run.
type Result struct {
	OutputPath string
	Duration   time.Duration
}

// Invoker supervises one engine subprocess per job. The input directory is
// bound read-only; each target language gets its own writable output
// directory, so concurrent jobs for distinct videos never share files.
type Invoker struct {
	cfg      config.EngineConfig
	inputDir string
}

func NewInvoker(cfg config.EngineConfig, inputDir string) *Invoker {
	return &Invoker{cfg: cfg, inputDir: filepath.Clean(inputDir)}
}

// Probe verifies the sandbox runtime is present before the first job runs.
func (inv *Invoker) Probe(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, inv.cfg.Runtime, "--version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %q --version: %v", ErrEngineUnavailable, inv.cfg.Runtime, err)
	}
	return nil
}

// OutputPath returns the deterministic location of the engine's output JSON
// for the given audio file and target language.
func (inv *Invoker) OutputPath(audioPath, targetLang string) string {
	return filepath.Join(inv.cfg.OutputDir, targetLang, file.BaseName(audioPath)+".json")
}

// Run launches the engine over audioPath and blocks until it exits, the
// wall-clock timeout fires, or ctx is cancelled. Stdout milestones advance
// onProgress; stderr is buffered for diagnostics.
func (inv *Invoker) Run(
	ctx context.Context,
	videoID int64,
	audioPath string,
	sourceLang string,
	targetLang string,
	onProgress func(int),
) (Result, error) {
	outputDir := filepath.Join(inv.cfg.OutputDir, targetLang)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create output directory: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, inv.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, inv.cfg.Runtime, inv.runArgs(audioPath, sourceLang, targetLang, outputDir)...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("engine stdout pipe: %w", err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("spawn engine: %w", err)
	}
	log.Info("Engine started for video %d: %s -> %s", videoID, sourceLang, targetLang)

	tracker := &ProgressTracker{}
	var eg errgroup.Group
	eg.Go(func() error {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Text()
			if pct, advanced := tracker.Observe(line); advanced {
				log.Debug("Engine milestone for video %d: %q -> %d%%", videoID, line, pct)
				if onProgress != nil {
					onProgress(pct)
				}
			}
		}
		return scanner.Err()
	})

	// The pipe must be drained before Wait closes it.
	scanErr := eg.Wait()
	waitErr := cmd.Wait()
	duration := time.Since(started)

	if waitErr != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return Result{}, fmt.Errorf("engine timed out after %s for video %d", inv.cfg.Timeout, videoID)
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			detail := strings.TrimSpace(stderr.String())
			if detail == "" {
				detail = exitErr.String()
			}
			return Result{}, fmt.Errorf("engine exited with code %d for video %d: %s", exitErr.ExitCode(), videoID, detail)
		}
		return Result{}, fmt.Errorf("engine run for video %d: %w", videoID, waitErr)
	}
	if scanErr != nil {
		log.Warn("Engine stdout read for video %d: %v", videoID, scanErr)
	}

	outputPath := inv.OutputPath(audioPath, targetLang)
	if _, err := os.Stat(outputPath); err != nil {
		return Result{}, fmt.Errorf("engine produced no output at %s for video %d", outputPath, videoID)
	}

	if onProgress != nil {
		onProgress(tracker.Complete())
	}
	log.Info("Engine finished for video %d in %s", videoID, duration.Round(time.Millisecond))
	return Result{OutputPath: outputPath, Duration: duration}, nil
}

// runArgs builds the subprocess argument list. With a docker runtime the
// engine runs sandboxed with bind-mounted input/output directories; any
// other runtime is treated as a directly executable engine binary, which is
// what tests use.
func (inv *Invoker) runArgs(audioPath, sourceLang, targetLang, outputDir string) []string {
	relAudio := filepath.Base(audioPath)
	if rel, err := filepath.Rel(inv.inputDir, audioPath); err == nil && !strings.HasPrefix(rel, "..") {
		relAudio = rel
	}

	if inv.cfg.Runtime == "docker" || inv.cfg.Runtime == "podman" {
		return []string{
			"run", "--rm",
			"-v", fmt.Sprintf("%s:/input:ro", inv.inputDir),
			"-v", fmt.Sprintf("%s:/output:rw", outputDir),
			inv.cfg.Image,
			relAudio,
			"--source-lang", sourceLang,
			"--target-lang", targetLang,
		}
	}

	return []string{
		audioPath,
		"--source-lang", sourceLang,
		"--target-lang", targetLang,
		"--output-dir", outputDir,
	}
}
