package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/feedstore/pkg/job"
)

// maxStatusBody bounds POST /v1/jobs/{id}/status payloads.
const maxStatusBody = 64 << 10

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Remote  bool   `json:"remote"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "healthy", Version: s.version}
	if s.store != nil {
		resp.Remote = s.store.Remote()
	}
	writeJSON(w, http.StatusOK, resp)
}

type listArtifactsResponse struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	var (
		ids []string
		err error
	)
	if pattern := r.URL.Query().Get("match"); pattern != "" {
		ids, err = s.store.Match(r.Context(), pattern)
	} else {
		ids, err = s.store.IDs(r.Context())
	}
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, listArtifactsResponse{IDs: ids})
}

func (s *Server) handleStatArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, ok, err := s.store.Stat(r.Context(), id)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusNotFound, CodeNotFound, fmt.Sprintf("artifact %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleArtifactContent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	path, ok, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusNotFound, CodeNotFound, fmt.Sprintf("artifact %q not found", id))
		return
	}
	if s.store.Remote() {
		defer func() {
			if err := s.store.Release(path); err != nil {
				s.logger.Warn("Release staged download", zap.String("artifact_id", id), zap.Error(err))
			}
		}()
	}

	f, err := os.Open(path)
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		s.respondWithError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id))
	http.ServeContent(w, r, id, st.ModTime(), f)
}

func (s *Server) handleDeleteArtifact(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type jobSummary struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Type      job.Type   `json:"type"`
	Owner     string     `json:"owner"`
	State     string     `json:"state"`
	CreatedAt time.Time  `json:"createdAt"`
	Status    job.Status `json:"status"`
}

type listJobsResponse struct {
	Active  []jobSummary `json:"active"`
	History []jobSummary `json:"history"`
}

func summarize(jobs []*job.Job) []jobSummary {
	out := make([]jobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobSummary{
			ID:        j.ID(),
			Name:      j.Name(),
			Type:      j.Type(),
			Owner:     j.Owner(),
			State:     j.State().String(),
			CreatedAt: j.CreatedAt(),
			Status:    j.Status(),
		})
	}
	return out
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, listJobsResponse{
		Active:  summarize(s.jobs.Active()),
		History: summarize(s.jobs.History()),
	})
}

func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (*job.Job, bool) {
	id := chi.URLParam(r, "id")
	j, ok := s.jobs.Get(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, CodeNotFound, fmt.Sprintf("job %q not found", id))
	}
	return j, ok
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, j.Status())
}

func (s *Server) handlePostJobStatus(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookupJob(w, r)
	if !ok {
		return
	}

	var payload map[string]any
	dec := json.NewDecoder(io.LimitReader(r.Body, maxStatusBody))
	if err := dec.Decode(&payload); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("malformed status event: %v", err))
		return
	}
	if err := j.HandleStatusMap(payload); err != nil {
		if errors.Is(err, job.ErrInvalidStatusEvent) {
			writeError(w, r, http.StatusBadRequest, CodeBadRequest, err.Error())
			return
		}
		s.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j.Status())
}
