package publish

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/feedstore/pkg/artifact"
	"github.com/3leaps/feedstore/pkg/job"
	"github.com/3leaps/feedstore/pkg/provider/file"
)

func newRemoteStore(t *testing.T) (*artifact.Store, string) {
	t.Helper()
	remoteDir := t.TempDir()
	remote, err := file.New(file.Config{BaseDir: remoteDir})
	require.NoError(t, err)

	s, err := artifact.New(artifact.Config{Root: t.TempDir(), ProgressEvery: 1}, artifact.WithRemote(remote))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, remoteDir
}

func TestPublishJob_UploadsAndAliases(t *testing.T) {
	store, remoteDir := newRemoteStore(t)
	ctx := context.Background()

	payload := strings.Repeat("stop_times,", 4096)
	_, err := store.Create(ctx, "v1", strings.NewReader(payload), "")
	require.NoError(t, err)

	j := NewJob(store, Request{VersionID: "v1", SourceID: "metro"}, "alice")
	assert.Equal(t, job.TypePublishFeedVersion, j.Type())

	require.NoError(t, j.Run(ctx))

	st := j.Status()
	assert.Equal(t, job.Status{Message: "Feed version published", PercentComplete: 100, Completed: true}, st)

	got, err := os.ReadFile(filepath.Join(remoteDir, "gtfs", "v1"))
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))

	alias, err := os.ReadFile(filepath.Join(remoteDir, "gtfs", "metro.zip"))
	require.NoError(t, err)
	assert.Equal(t, payload, string(alias))

	assert.Zero(t, store.Staging().Len())
}

func TestPublishJob_ReportsProgress(t *testing.T) {
	store, _ := newRemoteStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "v2", strings.NewReader(strings.Repeat("x", 256*1024)), "")
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		percents []float64
	)
	var j *job.Job
	j = NewJob(progressSpy{Store: store, observe: func() {
		mu.Lock()
		percents = append(percents, j.Status().PercentComplete)
		mu.Unlock()
	}}, Request{VersionID: "v2"}, "")

	require.NoError(t, j.Run(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, percents)
	for i := 1; i < len(percents); i++ {
		assert.GreaterOrEqual(t, percents[i], percents[i-1])
	}
	assert.Equal(t, 100.0, percents[len(percents)-1])
}

// progressSpy samples job status after every progress event.
type progressSpy struct {
	*artifact.Store
	observe func()
}

func (p progressSpy) Upload(ctx context.Context, r io.Reader, id, sourceID string, opts ...artifact.UploadOption) (string, error) {
	opts = append(opts, artifact.WithProgress(func(int64, int64) { p.observe() }))
	return p.Store.Upload(ctx, r, id, sourceID, opts...)
}

func TestPublishJob_RequiresRemote(t *testing.T) {
	store, err := artifact.New(artifact.Config{Root: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	j := NewJob(store, Request{VersionID: "v1"}, "")
	err = j.Run(context.Background())
	require.ErrorIs(t, err, artifact.ErrNoRemote)
	assert.True(t, j.Status().Error)
}

func TestPublishJob_MissingLocalFile(t *testing.T) {
	store, _ := newRemoteStore(t)
	j := NewJob(store, Request{VersionID: "absent"}, "")

	require.Error(t, j.Run(context.Background()))
	st := j.Status()
	assert.True(t, st.Completed)
	assert.True(t, st.Error)
	assert.Contains(t, st.Message, "absent")
}

func TestPercentOf(t *testing.T) {
	assert.Equal(t, 50.0, percentOf(5, 10))
	assert.Equal(t, 100.0, percentOf(20, 10))
	assert.Equal(t, 0.0, percentOf(-1, 10))
}
