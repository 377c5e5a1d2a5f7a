package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lexivid/transcript-pipeline/internal/persistence"
	"github.com/lexivid/transcript-pipeline/internal/service"
)

const defaultCleanAgeHours = 24

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.svc.QueueStatus())
}

type cleanQueueRequest struct {
	MaxAgeHours int `json:"max_age_hours"`
}

func (s *Server) handleQueueClean(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	req := cleanQueueRequest{MaxAgeHours: defaultCleanAgeHours}
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
	}
	if req.MaxAgeHours <= 0 {
		writeError(w, http.StatusBadRequest, "max_age_hours must be positive")
		return
	}
	removed := s.svc.CleanQueue(time.Duration(req.MaxAgeHours) * time.Hour)
	writeJSON(w, http.StatusOK, map[string]any{
		"removed": removed,
	})
}

func (s *Server) handleQueueRetryFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"retried": s.svc.RetryFailedJobs(),
	})
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.svc.Pause()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.svc.Resume()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type enqueueJobRequest struct {
	VideoID      int64  `json:"video_id"`
	AudioPath    string `json:"audio_path"`
	SourceLang   string `json:"source_lang"`
	TargetLang   string `json:"target_lang"`
	Priority     int    `json:"priority"`
	DelaySeconds int    `json:"delay_seconds"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.svc.Jobs())
	case http.MethodPost:
		var req enqueueJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if req.VideoID <= 0 {
			writeError(w, http.StatusBadRequest, "video_id is required")
			return
		}
		if req.AudioPath == "" {
			writeError(w, http.StatusBadRequest, "audio_path is required")
			return
		}
		job, err := s.svc.EnqueueTranscription(r.Context(), req.VideoID, req.AudioPath, req.SourceLang, req.TargetLang, service.EnqueueOptions{
			Priority: req.Priority,
			Delay:    time.Duration(req.DelaySeconds) * time.Second,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, job)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing job id")
		return
	}
	job, ok := s.svc.Job(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleVideo serves /api/videos/{id} (GET: video plus processing history)
// and /api/videos/{id}/retry (POST: re-enqueue).
func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/videos/"), "/")
	idPart, action, _ := strings.Cut(rest, "/")
	videoID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || videoID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid video id")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		video, err := s.svc.Video(r.Context(), videoID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		history, err := s.svc.History(r.Context(), videoID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"video":   video,
			"history": history,
		})
	case action == "retry" && r.Method == http.MethodPost:
		job, err := s.svc.RetryProcessing(r.Context(), videoID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persistence.ErrVideoNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case service.IsErrorType(err, service.ErrUnsupportedLanguage):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
