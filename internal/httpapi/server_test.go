package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lexivid/transcript-pipeline/internal/config"
	"github.com/lexivid/transcript-pipeline/internal/jobs"
	"github.com/lexivid/transcript-pipeline/internal/persistence"
	"github.com/lexivid/transcript-pipeline/internal/service"
)

const idleEngine = `#!/bin/sh
sleep 60
`

// newTestServer builds a server over a real service with a paused queue, so
// enqueued jobs stay inspectable instead of racing the handlers.
func newTestServer(t *testing.T) (*Server, *persistence.SQLiteStore, string) {
	t.Helper()
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "audios"), 0o755))

	enginePath := filepath.Join(t.TempDir(), "engine.sh")
	require.NoError(t, os.WriteFile(enginePath, []byte(idleEngine), 0o755))

	store, err := persistence.NewSQLiteStore(filepath.Join(base, "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{
		Storage: config.StorageConfig{BaseDir: base, DBPath: filepath.Join(base, "pipeline.db")},
		Engine: config.EngineConfig{
			Runtime:   enginePath,
			Image:     "unused",
			OutputDir: filepath.Join(base, "transcripts"),
			Timeout:   time.Minute,
		},
		Queue: config.QueueConfig{Concurrency: 1, MaxAttempts: 1, BackoffBase: time.Millisecond},
	}

	svc := service.NewService(cfg, store)
	svc.Pause()
	return NewServer(svc), store, base
}

func registerVideo(t *testing.T, store *persistence.SQLiteStore, base string) *persistence.Video {
	t.Helper()
	audioPath := filepath.Join(base, "audios", "lesson-01.wav")
	require.NoError(t, os.WriteFile(audioPath, []byte("RIFF"), 0o644))

	v := &persistence.Video{OriginalName: "lesson-01.mp4", StoragePath: audioPath, Language: "de"}
	require.NoError(t, store.CreateVideo(context.Background(), v))
	return v
}

func TestServer_QueueStatus(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/queue/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var counts jobs.Counts
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	require.Equal(t, 1, counts.Concurrency)
	require.Zero(t, counts.Waiting)
}

func TestServer_CreateAndFetchJob(t *testing.T) {
	srv, store, base := newTestServer(t)
	v := registerVideo(t, store, base)

	body, err := json.Marshal(enqueueJobRequest{
		VideoID:    v.ID,
		AudioPath:  v.StoragePath,
		SourceLang: "de",
		TargetLang: "fr",
		Priority:   3,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var created jobs.TranscriptionJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	require.Equal(t, 3, created.Priority)

	req = httptest.NewRequest(http.MethodGet, "/api/jobs/"+created.ID, nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var fetched jobs.TranscriptionJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	require.Equal(t, created.ID, fetched.ID)
	require.Equal(t, v.ID, fetched.Payload.VideoID)
}

func TestServer_CreateJobValidation(t *testing.T) {
	srv, store, base := newTestServer(t)
	v := registerVideo(t, store, base)

	cases := []struct {
		name string
		req  enqueueJobRequest
		code int
	}{
		{"missing video id", enqueueJobRequest{AudioPath: "a.wav"}, http.StatusBadRequest},
		{"missing audio path", enqueueJobRequest{VideoID: v.ID}, http.StatusBadRequest},
		{"unsupported language", enqueueJobRequest{VideoID: v.ID, AudioPath: v.StoragePath, TargetLang: "es"}, http.StatusBadRequest},
		{"unknown video", enqueueJobRequest{VideoID: 404, AudioPath: v.StoragePath}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body, err := json.Marshal(tc.req)
			require.NoError(t, err)
			req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewReader(body))
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			require.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestServer_VideoDetailAndHistory(t *testing.T) {
	srv, store, base := newTestServer(t)
	v := registerVideo(t, store, base)
	require.NoError(t, store.AppendProcessingLog(context.Background(), v.ID, persistence.StepTranscription, persistence.StepStarted, ""))

	req := httptest.NewRequest(http.MethodGet, "/api/videos/1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Video   persistence.Video           `json:"video"`
		History []persistence.ProcessingLog `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, v.ID, resp.Video.ID)
	require.Len(t, resp.History, 1)
}

func TestServer_VideoRetry(t *testing.T) {
	srv, store, base := newTestServer(t)
	v := registerVideo(t, store, base)
	require.NoError(t, store.UpdateVideoStatus(context.Background(), v.ID, persistence.VideoFailed, "boom"))

	req := httptest.NewRequest(http.MethodPost, "/api/videos/1/retry", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var job jobs.TranscriptionJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, v.ID, job.Payload.VideoID)

	video, err := store.GetVideo(context.Background(), v.ID)
	require.NoError(t, err)
	require.Equal(t, persistence.VideoProcessing, video.TranscriptionStatus)
}

func TestServer_QueueControls(t *testing.T) {
	srv, _, _ := newTestServer(t)

	for _, path := range []string{"/api/queue/pause", "/api/queue/resume", "/api/queue/retry-failed"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, path)

		req = httptest.NewRequest(http.MethodGet, path, nil)
		rec = httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
	}
}

func TestServer_QueueClean(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := bytes.NewReader([]byte(`{"max_age_hours": 1}`))
	req := httptest.NewRequest(http.MethodPost, "/api/queue/clean", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Zero(t, resp["removed"])

	body = bytes.NewReader([]byte(`{"max_age_hours": -2}`))
	req = httptest.NewRequest(http.MethodPost, "/api/queue/clean", body)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
