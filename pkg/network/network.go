// Package network loads transport networks for feed versions in the
// background and keeps recently used ones in memory.
//
// Building and reading the network graph is done by a Builder supplied by
// the caller; this package owns fetching the serialized network from the
// artifact store, job status reporting and caching.
package network

import (
	"context"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/3leaps/feedstore/pkg/artifact"
	"github.com/3leaps/feedstore/pkg/job"
)

// DefaultCacheSize is the number of networks kept when no size is configured.
const DefaultCacheSize = 8

// SuccessMessage is the terminal status of a successful read job.
const SuccessMessage = "Transport network read successfully!"

// ErrNetworkMissing is returned when a feed version has no stored network.
var ErrNetworkMissing = errors.New("transport network not found")

// Network is a loaded transport network.
type Network interface {
	// HasDistanceTables reports whether stop-to-street distance tables exist.
	HasDistanceTables() bool
}

// Builder reads serialized networks and completes them.
type Builder interface {
	Read(ctx context.Context, path string) (Network, error)
	// BuildDistanceTables may call report with progress; report is safe to
	// call from any goroutine.
	BuildDistanceTables(ctx context.Context, n Network, report func(job.StatusEvent)) error
}

// Cache holds loaded networks keyed by feed version id.
type Cache struct {
	lru *lru.Cache[string, Network]
}

// NewCache returns a cache holding at most size networks.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, Network](size)
	if err != nil {
		return nil, fmt.Errorf("create network cache: %w", err)
	}
	return &Cache{lru: c}, nil
}

func (c *Cache) Get(versionID string) (Network, bool) {
	if c == nil {
		return nil, false
	}
	return c.lru.Get(versionID)
}

func (c *Cache) Add(versionID string, n Network) {
	if c == nil {
		return
	}
	c.lru.Add(versionID, n)
}

func (c *Cache) Remove(versionID string) {
	if c == nil {
		return
	}
	c.lru.Remove(versionID)
}

func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

// ReadRequest names the feed version whose network should be loaded.
type ReadRequest struct {
	VersionID string
	// ArtifactID is the stored serialized network; defaults to
	// "<VersionID>.network.dat".
	ArtifactID string
	FeedName   string
}

func (r ReadRequest) artifactID() string {
	if r.ArtifactID != "" {
		return r.ArtifactID
	}
	return r.VersionID + ".network.dat"
}

// Source is the part of the artifact store a read job needs.
type Source interface {
	Get(ctx context.Context, id string) (path string, ok bool, err error)
	Release(path string) error
	Remote() bool
}

var _ Source = (*artifact.Store)(nil)

// NewReadJob returns a job that loads the network of req.VersionID.
//
// A cached network short-circuits the read. Otherwise the artifact is fetched
// from src, read by b, and completed with distance tables when they are
// missing. The loaded network is cached and returned as the job result.
func NewReadJob(src Source, b Builder, cache *Cache, req ReadRequest, owner string, opts ...job.Option) *job.Typed[Network] {
	name := "Reading in Transport Network for " + req.FeedName
	if strings.TrimSpace(req.FeedName) == "" {
		name = "Reading in Transport Network for " + req.VersionID
	}

	return job.NewTyped(owner, name, job.TypeReadTransportNetwork,
		func(ctx context.Context, j *job.Job) (Network, string, error) {
			log := j.Logger().With(zap.String("version_id", req.VersionID))

			if n, ok := cache.Get(req.VersionID); ok {
				log.Debug("Transport network cache hit")
				return n, SuccessMessage, nil
			}

			log.Info("Reading network")
			j.Update("Fetching transport network", 5)

			id := req.artifactID()
			path, ok, err := src.Get(ctx, id)
			if err != nil {
				return nil, "", fmt.Errorf("fetch network %s: %w", id, err)
			}
			if !ok {
				return nil, "", fmt.Errorf("%w for version %s (artifact %s); build the network first", ErrNetworkMissing, req.VersionID, id)
			}
			if src.Remote() {
				defer func() {
					if err := src.Release(path); err != nil {
						log.Warn("Release staged network", zap.Error(err))
					}
				}()
			}

			j.Update("Reading transport network", 20)
			n, err := b.Read(ctx, path)
			if err != nil {
				return nil, "", fmt.Errorf("read network %s: %w", id, err)
			}

			if !n.HasDistanceTables() {
				log.Info("Building distance tables")
				j.Update("Building distance tables", 40)
				report := func(ev job.StatusEvent) { _ = j.HandleStatusEvent(ev) }
				if err := b.BuildDistanceTables(ctx, n, report); err != nil {
					return nil, "", fmt.Errorf("build distance tables: %w", err)
				}
			}

			cache.Add(req.VersionID, n)
			return n, SuccessMessage, nil
		}, opts...)
}
