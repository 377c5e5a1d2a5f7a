package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/lexivid/transcript-pipeline/internal/service"
)

// Server is the thin admin/status surface over the pipeline service. No auth:
// it is meant to sit behind the deployment's own proxy.
type Server struct {
	svc *service.Service

	mux    *http.ServeMux
	server *http.Server
}

func NewServer(svc *service.Service) *Server {
	s := &Server{
		svc: svc,
		mux: http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/queue/status", s.handleQueueStatus)
	s.mux.HandleFunc("/api/queue/clean", s.handleQueueClean)
	s.mux.HandleFunc("/api/queue/retry-failed", s.handleQueueRetryFailed)
	s.mux.HandleFunc("/api/queue/pause", s.handleQueuePause)
	s.mux.HandleFunc("/api/queue/resume", s.handleQueueResume)
	s.mux.HandleFunc("/api/jobs", s.handleJobs)
	s.mux.HandleFunc("/api/jobs/", s.handleJobByID)
	s.mux.HandleFunc("/api/videos/", s.handleVideo)
}
