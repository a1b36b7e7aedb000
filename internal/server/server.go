// Package server exposes artifacts and job status over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/3leaps/feedstore/pkg/artifact"
	"github.com/3leaps/feedstore/pkg/job"
	"github.com/3leaps/feedstore/pkg/network"
)

// ArtifactStore is the part of the artifact store the API serves.
type ArtifactStore interface {
	IDs(ctx context.Context) ([]string, error)
	Match(ctx context.Context, pattern string) ([]string, error)
	Stat(ctx context.Context, id string) (artifact.Info, bool, error)
	Get(ctx context.Context, id string) (string, bool, error)
	Delete(ctx context.Context, id string) error
	Release(path string) error
	Remote() bool
}

var _ ArtifactStore = (*artifact.Store)(nil)

type Option func(*Server)

func WithStore(st ArtifactStore) Option {
	return func(s *Server) { s.store = st }
}

func WithJobs(r *job.Registry) Option {
	return func(s *Server) { s.jobs = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithJobContext sets the context submitted jobs run under. Jobs never see
// the request context, which ends once the 202 is written.
func WithJobContext(ctx context.Context) Option {
	return func(s *Server) {
		if ctx != nil {
			s.jobCtx = ctx
		}
	}
}

func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
	}
}

// Server is the feedstore HTTP API.
type Server struct {
	host    string
	port    int
	version string

	store  ArtifactStore
	jobs   *job.Registry
	jobCtx context.Context
	logger *zap.Logger

	builder  network.Builder
	networks *network.Cache

	readTimeout  time.Duration
	writeTimeout time.Duration

	router chi.Router
	http   *http.Server
}

func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		version:      "dev",
		jobCtx:       context.Background(),
		logger:       zap.NewNop(),
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.accessLog)
	r.Use(s.Recovery)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, CodeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, CodeMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
	})

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/artifacts", func(r chi.Router) {
			r.Use(s.requireStore)
			r.Get("/", s.handleListArtifacts)
			r.Get("/{id}", s.handleStatArtifact)
			r.Get("/{id}/content", s.handleArtifactContent)
			r.Delete("/{id}", s.handleDeleteArtifact)
		})
		r.Route("/jobs", func(r chi.Router) {
			r.Use(s.requireJobs)
			r.Get("/", s.handleListJobs)
			r.Post("/publish", s.handleSubmitPublish)
			r.Post("/read-network", s.handleSubmitReadNetwork)
			r.Get("/{id}/status", s.handleJobStatus)
			r.Post("/{id}/status", s.handlePostJobStatus)
		})
	})
	return r
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Port() int { return s.port }

func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// ListenAndServe serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Server listening", zap.String("addr", s.Addr()))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", s.Addr(), err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Server shutting down")
	return s.http.Shutdown(ctx)
}

func (s *Server) requireStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.store == nil {
			writeError(w, r, http.StatusServiceUnavailable, CodeServiceUnavailable, "artifact store not configured")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireJobs(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.jobs == nil {
			writeError(w, r, http.StatusServiceUnavailable, CodeServiceUnavailable, "job registry not configured")
			return
		}
		next.ServeHTTP(w, r)
	})
}
