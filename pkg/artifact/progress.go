package artifact

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultProgressEvery is how many transfer events pass between two coarse
// progress log lines.
const DefaultProgressEvery = 75

// ProgressFunc observes upload progress. It is called for every transfer
// event from the goroutine performing the upload.
type ProgressFunc func(sent, total int64)

type progressTracker struct {
	id     string
	total  int64
	events atomic.Int64
	sent   atomic.Int64

	tick    rate.Sometimes
	logger  *zap.Logger
	observe ProgressFunc
}

func newProgressTracker(id string, total int64, every int, logger *zap.Logger, observe ProgressFunc) *progressTracker {
	if every <= 0 {
		every = DefaultProgressEvery
	}
	return &progressTracker{
		id:      id,
		total:   total,
		tick:    rate.Sometimes{Every: every},
		logger:  logger,
		observe: observe,
	}
}

func (t *progressTracker) add(n int) {
	if n <= 0 {
		return
	}
	events := t.events.Add(1)
	sent := t.sent.Add(int64(n))
	t.tick.Do(func() {
		t.logger.Debug("Upload progress",
			zap.String("artifact_id", t.id),
			zap.Int64("events", events),
			zap.String("sent", humanize.Bytes(uint64(sent))),
			zap.String("total", humanize.Bytes(uint64(t.total))))
	})
	if t.observe != nil {
		t.observe(sent, t.total)
	}
}

// rewind resets the byte count when the SDK seeks the body for a retry.
func (t *progressTracker) rewind(offset int64) {
	t.sent.Store(offset)
}

// progressReader counts bytes read from a staged file.
type progressReader struct {
	f     *os.File
	track *progressTracker
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	r.track.add(n)
	return n, err
}

func (r *progressReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := r.f.Seek(offset, whence)
	if err == nil && whence == io.SeekStart {
		r.track.rewind(pos)
	}
	return pos, err
}
