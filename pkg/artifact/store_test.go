package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/feedstore/pkg/provider"
	"github.com/3leaps/feedstore/pkg/provider/file"
)

func newLocalStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Root: t.TempDir(), StagingDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRemoteStore(t *testing.T, b provider.Backend) *Store {
	t.Helper()
	s, err := New(Config{Root: t.TempDir(), StagingDir: t.TempDir(), ProgressEvery: 1}, WithRemote(b))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestValidateID(t *testing.T) {
	valid := []string{"feed-v1.zip", "src-1.zip", "a", "feed.v2.zip"}
	for _, id := range valid {
		assert.NoError(t, ValidateID(id), id)
	}

	invalid := []string{"", ".", "..", "../x", "a/../../b", "a/b", `a\b`, "/etc/passwd", " x", "x\x00", "..zip", ".feedstore-put-123"}
	for _, id := range invalid {
		err := ValidateID(id)
		assert.ErrorIs(t, err, ErrInvalidID, "%q", id)
	}
}

func TestStore_CreateRejectsReservedIDs(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	_, err := s.Create(ctx, file.TempPrefix+"v1.zip", strings.NewReader("feed"), "")
	require.ErrorIs(t, err, ErrInvalidID)

	ids, err := s.IDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestConfig_Validate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{Root: "/data", Subdir: "../up"}.Validate())
	assert.NoError(t, Config{Root: "/data", Subdir: "gtfsplus"}.Validate())
}

func TestStore_CreateWritesAndAliases(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	path, err := s.Create(ctx, "feed-v1.zip", bytes.NewReader([]byte("12345")), "src-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "feed-v1.zip"), path)
	assert.Equal(t, "12345", readFile(t, path))

	latest, ok, err := s.Get(ctx, "src-1.zip")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "12345", readFile(t, latest))
}

func TestStore_CreateWithoutSourceSkipsAlias(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	_, err := s.Create(ctx, "plus.zip", strings.NewReader("x"), "")
	require.NoError(t, err)

	ids, err := s.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"plus.zip"}, ids)
}

func TestStore_AliasFailureDoesNotFailCreate(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	// A non-empty directory where the alias file belongs makes the copy fail.
	blocker := filepath.Join(s.Root(), "src-1.zip")
	require.NoError(t, os.MkdirAll(filepath.Join(blocker, "inner"), 0o755))

	path, err := s.Create(ctx, "feed-v2.zip", strings.NewReader("abc"), "src-1")
	require.NoError(t, err)
	assert.Equal(t, "abc", readFile(t, path))

	st, err := os.Stat(blocker)
	require.NoError(t, err)
	assert.True(t, st.IsDir())
}

func TestStore_CreateStreamFailure(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	_, err := s.Create(ctx, "broken.zip", io.MultiReader(strings.NewReader("ab"), errReader{}), "src")
	require.Error(t, err)

	var te *TransferError
	require.True(t, errors.As(err, &te))
	assert.True(t, te.Local)
	assert.Equal(t, "create", te.Op)

	ok, err := s.Exists(ctx, "broken.zip")
	require.NoError(t, err)
	assert.False(t, ok, "partial file must not be visible")

	ok, err = s.Exists(ctx, "src.zip")
	require.NoError(t, err)
	assert.False(t, ok, "alias must not be written after a failed write")
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("stream broke") }

func TestStore_RejectsTraversal(t *testing.T) {
	ctx := context.Background()
	parent := t.TempDir()
	root := filepath.Join(parent, "store")
	s, err := New(Config{Root: root, StagingDir: t.TempDir()})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, os.WriteFile(filepath.Join(parent, "outside.zip"), []byte("secret"), 0o644))

	for _, id := range []string{"../outside.zip", "..", "sub/../../outside.zip"} {
		_, _, err := s.Get(ctx, id)
		assert.ErrorIs(t, err, ErrInvalidID, id)

		_, err = s.Create(ctx, id, strings.NewReader("overwrite"), "")
		assert.ErrorIs(t, err, ErrInvalidID, id)
	}

	assert.Equal(t, "secret", readFile(t, filepath.Join(parent, "outside.zip")))
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	_, err := s.Create(ctx, "v.zip", strings.NewReader("v"), "")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "v.zip"))
	require.NoError(t, s.Delete(ctx, "v.zip"))
	require.NoError(t, s.Delete(ctx, "never-existed.zip"))
}

func TestStore_NotFoundContract(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	_, ok, err := s.LastModified(ctx, "missing-id")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Size(ctx, "missing-id")
	require.NoError(t, err)
	assert.False(t, ok)

	path, ok, err := s.Get(ctx, "missing-id")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, path)
}

func TestStore_SizeAndLastModified(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	_, err := s.Create(ctx, "v.zip", strings.NewReader("hello"), "")
	require.NoError(t, err)

	size, ok, err := s.Size(ctx, "v.zip")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5), size)

	mod, ok, err := s.LastModified(ctx, "v.zip")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, mod.IsZero())
}

func TestStore_IDsAndMatch(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	for _, id := range []string{"b.zip", "a.zip", "notes.txt"} {
		_, err := s.Create(ctx, id, strings.NewReader(id), "")
		require.NoError(t, err)
	}
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root(), "gtfsplus"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "gtfsplus", "c.zip"), []byte("c"), 0o644))

	ids, err := s.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.zip", "b.zip", "notes.txt"}, ids)

	zips, err := s.Match(ctx, "*.zip")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.zip", "b.zip"}, zips)

	_, err = s.Match(ctx, "[")
	assert.ErrorIs(t, err, doublestar.ErrBadPattern)
}

func TestStore_Stat(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	_, err := s.Create(ctx, "v1.zip", strings.NewReader("12345"), "")
	require.NoError(t, err)

	info, ok, err := s.Stat(ctx, "v1.zip")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1.zip", info.ID)
	assert.Equal(t, int64(5), info.Size)
	assert.False(t, info.LastModified.IsZero())

	_, ok, err = s.Stat(ctx, "missing.zip")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = s.Stat(ctx, "../v1.zip")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestStore_Subdir(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := New(Config{Root: root, Subdir: "gtfsplus", StagingDir: t.TempDir()})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	path, err := s.Create(ctx, "p.zip", strings.NewReader("p"), "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "gtfsplus", "p.zip"), path)
}

func TestStore_ConcurrentCreates(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := strings.Repeat(string(rune('a'+i)), 1024)
			_, err := s.Create(ctx, "shared.zip", strings.NewReader(payload), "src")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	path, ok, err := s.Get(ctx, "shared.zip")
	require.NoError(t, err)
	require.True(t, ok)
	content := readFile(t, path)
	require.Len(t, content, 1024)
	assert.Equal(t, strings.Repeat(content[:1], 1024), content, "writes must never interleave")
}

func TestStore_RemoteGetStagesFile(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()
	b.objects["gtfs/feed.zip"] = []byte("remote bytes")
	s := newRemoteStore(t, b)

	path, ok, err := s.Get(ctx, "feed.zip")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "feed.zip", filepath.Base(path))
	assert.True(t, strings.HasPrefix(path, s.Staging().Root()))
	assert.Equal(t, "remote bytes", readFile(t, path))
	assert.Equal(t, 1, s.Staging().Len())

	require.NoError(t, s.Release(path))
	assert.NoFileExists(t, path)
	assert.Equal(t, 0, s.Staging().Len())
}

func TestStore_RemoteGetMissingAndFailure(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()
	s := newRemoteStore(t, b)

	_, ok, err := s.Get(ctx, "missing-id")
	require.NoError(t, err)
	assert.False(t, ok)

	b.getErr = provider.ErrProviderUnavailable
	_, ok, err = s.Get(ctx, "anything.zip")
	require.Error(t, err)
	assert.False(t, ok)
	assert.True(t, IsTransferError(err))
	assert.ErrorIs(t, err, provider.ErrProviderUnavailable)
	assert.Equal(t, 0, s.Staging().Len())
}

func TestStore_RemoteMetadataAndList(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()
	b.objects["gtfs/a.zip"] = []byte("aa")
	b.objects["gtfs/b.zip"] = []byte("b")
	b.objects["gtfs/nested/c.zip"] = []byte("c")
	b.objects["other/d.zip"] = []byte("d")
	s := newRemoteStore(t, b)

	ids, err := s.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.zip", "b.zip"}, ids)

	size, ok, err := s.Size(ctx, "a.zip")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), size)

	require.NoError(t, s.Delete(ctx, "a.zip"))
	require.NoError(t, s.Delete(ctx, "a.zip"))
	_, ok, err = s.Size(ctx, "a.zip")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_UploadWithServerSideAlias(t *testing.T) {
	ctx := context.Background()
	b := copyingBackend{newMemBackend()}
	s := newRemoteStore(t, b)

	payload := strings.Repeat("x", 64*1024)
	var mu sync.Mutex
	var lastSent, lastTotal int64
	path, err := s.Upload(ctx, strings.NewReader(payload), "feed-v3.zip", "src-9", WithProgress(func(sent, total int64) {
		mu.Lock()
		lastSent, lastTotal = sent, total
		mu.Unlock()
	}))
	require.NoError(t, err)

	assert.Equal(t, payload, readFile(t, path), "staged file stays on disk after upload")
	data, ok := b.get("gtfs/feed-v3.zip")
	require.True(t, ok)
	assert.Equal(t, payload, string(data))

	alias, ok := b.get("gtfs/src-9.zip")
	require.True(t, ok)
	assert.Equal(t, payload, string(alias))
	assert.Equal(t, 1, b.copies)

	mu.Lock()
	assert.Equal(t, int64(len(payload)), lastSent)
	assert.Equal(t, int64(len(payload)), lastTotal)
	mu.Unlock()

	require.NoError(t, s.Release(path))
}

func TestStore_UploadAliasFallsBackToPut(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()
	s := newRemoteStore(t, b)

	_, err := s.Upload(ctx, strings.NewReader("zip"), "v.zip", "src")
	require.NoError(t, err)

	alias, ok := b.get("gtfs/src.zip")
	require.True(t, ok)
	assert.Equal(t, "zip", string(alias))
}

func TestStore_UploadAliasFailureIsLoggedOnly(t *testing.T) {
	ctx := context.Background()
	b := copyingBackend{newMemBackend()}
	b.copyErr = provider.ErrAccessDenied
	s := newRemoteStore(t, b)

	path, err := s.Upload(ctx, strings.NewReader("zip"), "v.zip", "src")
	require.NoError(t, err)
	assert.FileExists(t, path)

	_, ok := b.get("gtfs/src.zip")
	assert.False(t, ok)
}

func TestStore_UploadFailure(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()
	b.putErr = provider.ErrThrottled
	s := newRemoteStore(t, b)

	path, err := s.Upload(ctx, strings.NewReader("zip"), "v.zip", "src")
	require.Error(t, err)
	assert.Empty(t, path)

	var te *TransferError
	require.True(t, errors.As(err, &te))
	assert.False(t, te.Local)
	assert.Equal(t, "upload", te.Op)
	assert.ErrorIs(t, err, provider.ErrThrottled)
	assert.Equal(t, 0, s.Staging().Len(), "failed upload must remove its staged file")
}

func TestStore_UploadRequiresRemote(t *testing.T) {
	s := newLocalStore(t)
	_, err := s.Upload(context.Background(), strings.NewReader("x"), "v.zip", "")
	assert.ErrorIs(t, err, ErrNoRemote)
}

func TestStore_CloseRemovesStagedFiles(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()
	b.objects["gtfs/a.zip"] = []byte("a")
	s, err := New(Config{Root: t.TempDir(), StagingDir: t.TempDir()}, WithRemote(b))
	require.NoError(t, err)

	path, ok, err := s.Get(ctx, "a.zip")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Close())
	assert.NoFileExists(t, path)
	assert.NoDirExists(t, s.Staging().Root())
}

func TestStore_OpenLocal(t *testing.T) {
	ctx := context.Background()
	s := newRemoteStore(t, newMemBackend())

	_, err := s.Create(ctx, "v.zip", strings.NewReader("local"), "")
	require.NoError(t, err)

	rc, size, ok, err := s.OpenLocal(ctx, "v.zip")
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = rc.Close() }()
	assert.Equal(t, int64(5), size)

	_, _, ok, err = s.OpenLocal(ctx, "missing.zip")
	require.NoError(t, err)
	assert.False(t, ok)
}
