package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/feedstore/pkg/job"
	"github.com/3leaps/feedstore/pkg/network"
	"github.com/3leaps/feedstore/pkg/publish"
)

// WithNetworks enables POST /v1/jobs/read-network using b to read networks.
func WithNetworks(b network.Builder, c *network.Cache) Option {
	return func(s *Server) {
		s.builder = b
		s.networks = c
	}
}

type publishRequest struct {
	VersionID string `json:"versionId"`
	SourceID  string `json:"sourceId"`
	Owner     string `json:"owner"`
}

type readNetworkRequest struct {
	VersionID  string `json:"versionId"`
	ArtifactID string `json:"artifactId"`
	FeedName   string `json:"feedName"`
	Owner      string `json:"owner"`
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxStatusBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, j *job.Job) {
	if err := s.jobs.Submit(s.jobCtx, j); err != nil {
		s.respondWithError(w, r, err)
		return
	}
	s.logger.Info("Job accepted",
		zap.String("job_id", j.ID()),
		zap.String("job_type", string(j.Type())),
	)
	w.Header().Set("Location", "/v1/jobs/"+j.ID()+"/status")
	writeJSON(w, http.StatusAccepted, summarize([]*job.Job{j})[0])
}

func (s *Server) handleSubmitPublish(w http.ResponseWriter, r *http.Request) {
	up, ok := s.store.(publish.Uploader)
	if s.store == nil || !ok || !s.store.Remote() {
		writeError(w, r, http.StatusServiceUnavailable, CodeServiceUnavailable, "publishing requires a remote backend")
		return
	}

	var req publishRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("malformed publish request: %v", err))
		return
	}
	if strings.TrimSpace(req.VersionID) == "" {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, "versionId is required")
		return
	}

	j := publish.NewJob(up, publish.Request{VersionID: req.VersionID, SourceID: req.SourceID}, req.Owner,
		job.WithLogger(s.logger))
	s.submit(w, r, j)
}

func (s *Server) handleSubmitReadNetwork(w http.ResponseWriter, r *http.Request) {
	if s.builder == nil || s.store == nil {
		writeError(w, r, http.StatusServiceUnavailable, CodeServiceUnavailable, "network reading is not configured")
		return
	}

	var req readNetworkRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("malformed read request: %v", err))
		return
	}
	if strings.TrimSpace(req.VersionID) == "" {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, "versionId is required")
		return
	}

	j := network.NewReadJob(s.store, s.builder, s.networks, network.ReadRequest{
		VersionID:  req.VersionID,
		ArtifactID: req.ArtifactID,
		FeedName:   req.FeedName,
	}, req.Owner, job.WithLogger(s.logger))
	s.submit(w, r, j.Job)
}
