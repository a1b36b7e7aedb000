// Package publish uploads stored feed versions to the remote backend as
// background jobs.
package publish

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/3leaps/feedstore/pkg/artifact"
	"github.com/3leaps/feedstore/pkg/job"
)

// Request identifies the feed version to publish.
type Request struct {
	// VersionID is the artifact id of the version file.
	VersionID string
	// SourceID, when set, also refreshes the source's latest alias.
	SourceID string
}

// Uploader is the part of the artifact store a publish job needs.
type Uploader interface {
	Remote() bool
	OpenLocal(ctx context.Context, id string) (io.ReadCloser, int64, bool, error)
	Upload(ctx context.Context, r io.Reader, id, sourceID string, opts ...artifact.UploadOption) (string, error)
	Release(path string) error
}

var _ Uploader = (*artifact.Store)(nil)

// NewJob returns a job that uploads the local copy of req.VersionID.
func NewJob(store Uploader, req Request, owner string, opts ...job.Option) *job.Job {
	name := "Publishing feed version " + req.VersionID
	return job.New(owner, name, job.TypePublishFeedVersion, func(ctx context.Context, j *job.Job) (string, error) {
		if !store.Remote() {
			return "", fmt.Errorf("publish %s: %w", req.VersionID, artifact.ErrNoRemote)
		}

		rc, size, ok, err := store.OpenLocal(ctx, req.VersionID)
		if err != nil {
			return "", fmt.Errorf("open %s: %w", req.VersionID, err)
		}
		if !ok {
			return "", fmt.Errorf("feed version %s has no local file", req.VersionID)
		}
		defer func() { _ = rc.Close() }()

		j.Update("Uploading feed version", 0)
		progress := func(sent, total int64) {
			if total <= 0 {
				total = size
			}
			if total <= 0 {
				return
			}
			_ = j.HandleStatusEvent(job.Progress("Uploading feed version", percentOf(sent, total)))
		}

		path, err := store.Upload(ctx, rc, req.VersionID, req.SourceID, artifact.WithProgress(progress))
		if err != nil {
			return "", err
		}
		if err := store.Release(path); err != nil {
			j.Logger().Warn("Release staged upload", zap.String("path", path), zap.Error(err))
		}
		return "Feed version published", nil
	}, opts...)
}

func percentOf(sent, total int64) float64 {
	p := float64(sent) / float64(total) * 100
	if p > 100 {
		return 100
	}
	if p < 0 {
		return 0
	}
	return p
}
