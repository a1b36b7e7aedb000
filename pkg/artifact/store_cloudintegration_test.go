//go:build cloudintegration

package artifact_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/feedstore/pkg/artifact"
	"github.com/3leaps/feedstore/pkg/provider/s3"
	"github.com/3leaps/feedstore/test/cloudtest"
)

func newS3Store(t *testing.T, ctx context.Context) (*artifact.Store, string) {
	t.Helper()
	cloudtest.SkipIfUnavailable(t)
	bucket := cloudtest.CreateBucket(t, ctx)

	p, err := s3.New(ctx, cloudtest.ProviderConfig(bucket))
	require.NoError(t, err)

	store, err := artifact.New(artifact.Config{Root: t.TempDir(), StagingDir: t.TempDir()}, artifact.WithRemote(p))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, bucket
}

func TestStoreS3_UploadAliasAndGet(t *testing.T) {
	ctx := context.Background()
	store, bucket := newS3Store(t, ctx)

	path, err := store.Upload(ctx, strings.NewReader("feed-v1"), "v1.zip", "metro")
	require.NoError(t, err)
	require.NoError(t, store.Release(path))

	assert.Equal(t, "feed-v1", string(cloudtest.ReadObject(t, ctx, bucket, "gtfs/v1.zip")))
	assert.Equal(t, "feed-v1", string(cloudtest.ReadObject(t, ctx, bucket, "gtfs/metro.zip")))

	got, ok, err := store.Get(ctx, "v1.zip")
	require.NoError(t, err)
	require.True(t, ok)
	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, "feed-v1", string(data))
	require.NoError(t, store.Release(got))

	ids, err := store.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"metro.zip", "v1.zip"}, ids)
}

func TestStoreS3_MissingAndDelete(t *testing.T) {
	ctx := context.Background()
	store, bucket := newS3Store(t, ctx)

	_, ok, err := store.Get(ctx, "absent.zip")
	require.NoError(t, err)
	assert.False(t, ok)

	cloudtest.PutObject(t, ctx, bucket, "gtfs/old.zip", []byte("old"))
	size, ok, err := store.Size(ctx, "old.zip")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), size)

	require.NoError(t, store.Delete(ctx, "old.zip"))
	require.NoError(t, store.Delete(ctx, "old.zip"))
	exists, err := store.Exists(ctx, "old.zip")
	require.NoError(t, err)
	assert.False(t, exists)
}
