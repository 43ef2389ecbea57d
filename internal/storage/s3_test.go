package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asisaid.cn/filestore/internal/common/config"
	"asisaid.cn/filestore/internal/common/errors"
)

const testBucket = "uploads"

// newFakeS3 starts an in-process S3 endpoint holding an empty testBucket.
func newFakeS3(t *testing.T) string {
	t.Helper()

	mem := s3mem.New()
	require.NoError(t, mem.CreateBucket(testBucket))

	faker := gofakes3.New(mem, gofakes3.WithLogger(gofakes3.DiscardLog()))
	ts := httptest.NewServer(faker.Server())
	t.Cleanup(ts.Close)

	return ts.URL
}

func testS3Config(endpoint string) config.S3Config {
	return config.S3Config{
		Region:       "us-east-1",
		Endpoint:     endpoint,
		Bucket:       testBucket,
		AccessKey:    "test-access-key",
		SecretKey:    "test-secret-key",
		UsePathStyle: true,
	}
}

func newTestS3(t *testing.T) *S3Backend {
	t.Helper()

	cfg := testS3Config(newFakeS3(t))
	cfg.StagingDir = t.TempDir()

	backend, err := NewS3Backend(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return backend
}

func TestS3Backend_PutGetDelete(t *testing.T) {
	backend := newTestS3(t)
	ctx := context.Background()
	content := []byte("hello")

	key, err := backend.Put(ctx, "u1/abc_report.txt", bytes.NewReader(content), int64(len(content)), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "u1/abc_report.txt", key)

	obj, err := backend.Get(ctx, key)
	require.NoError(t, err)
	got, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	require.NoError(t, obj.Body.Close())

	assert.Equal(t, content, got)
	assert.Equal(t, "text/plain", obj.ContentType)
	assert.Equal(t, int64(len(content)), obj.Size)

	require.NoError(t, backend.Delete(ctx, key))

	_, err = backend.Get(ctx, key)
	assert.True(t, errors.IsNotFound(err), "Get after Delete: %v", err)
}

func TestS3Backend_PutNonSeekableReader(t *testing.T) {
	backend := newTestS3(t)
	ctx := context.Background()

	// io.MultiReader hides the Seek method of the underlying readers.
	r := io.MultiReader(strings.NewReader("hello, "), strings.NewReader("world"))
	_, err := backend.Put(ctx, "u1/stream.txt", r, 12, "")
	require.NoError(t, err)

	obj, err := backend.Get(ctx, "u1/stream.txt")
	require.NoError(t, err)
	defer obj.Body.Close()

	got, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello, world", string(got))
}

func TestS3Backend_SizeMismatch(t *testing.T) {
	backend := newTestS3(t)

	_, err := backend.Put(context.Background(), "u1/short.txt", strings.NewReader("abc"), 10, "")
	assert.True(t, errors.Is(err, errors.ErrBackend), "Put error = %v", err)
}

func TestS3Backend_NotFound(t *testing.T) {
	backend := newTestS3(t)
	ctx := context.Background()

	_, err := backend.Get(ctx, "u1/missing.txt")
	assert.True(t, errors.IsNotFound(err), "Get error = %v", err)

	err = backend.Delete(ctx, "u1/missing.txt")
	assert.True(t, errors.IsNotFound(err), "Delete error = %v", err)
}

func TestS3Backend_MissingBucketIsBackendError(t *testing.T) {
	cfg := testS3Config(newFakeS3(t))
	cfg.Bucket = "does-not-exist"

	backend, err := NewS3Backend(context.Background(), cfg)
	require.NoError(t, err)

	_, err = backend.List(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBackend), "List error = %v", err)
	assert.False(t, errors.IsNotFound(err))

	assert.Error(t, backend.Ping(context.Background()))
}

func TestS3Backend_ListPaginates(t *testing.T) {
	backend := newTestS3(t)
	backend.pageSize = 2
	ctx := context.Background()

	const n = 5
	for i := 0; i < n; i++ {
		_, err := backend.Put(ctx, fmt.Sprintf("u1/file-%d.txt", i), strings.NewReader("x"), 1, "")
		require.NoError(t, err)
	}

	objects, err := backend.List(ctx)
	require.NoError(t, err)
	require.Len(t, objects, n)

	for i, obj := range objects {
		assert.Equal(t, fmt.Sprintf("u1/file-%d.txt", i), obj.Key)
		assert.Equal(t, int64(1), obj.Size)
	}
}

func TestS3Backend_DeleteAll(t *testing.T) {
	backend := newTestS3(t)
	backend.pageSize = 2
	ctx := context.Background()

	for _, key := range []string{"u1/a.txt", "u1/b.txt", "u2/c.txt"} {
		_, err := backend.Put(ctx, key, strings.NewReader("x"), 1, "")
		require.NoError(t, err)
	}

	require.NoError(t, backend.DeleteAll(ctx))

	objects, err := backend.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestS3Backend_Stage(t *testing.T) {
	backend := newTestS3(t)
	ctx := context.Background()

	_, err := backend.Put(ctx, "u1/abc_notes.md", strings.NewReader("# notes"), 7, "text/markdown")
	require.NoError(t, err)

	path, err := backend.Stage(ctx, "u1/abc_notes.md")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(backend.stagingDir, "u1", "abc_notes.md"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# notes", string(data))

	_, err = backend.Stage(ctx, "u1/missing.md")
	assert.True(t, errors.IsNotFound(err), "Stage error = %v", err)
}

func TestS3Backend_StageDisabled(t *testing.T) {
	backend := newTestS3(t)
	backend.stagingDir = ""

	path, err := backend.Stage(context.Background(), "u1/anything")
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestS3Backend_Ping(t *testing.T) {
	backend := newTestS3(t)
	assert.NoError(t, backend.Ping(context.Background()))
}

func TestNewS3Backend_RequiresBucket(t *testing.T) {
	_, err := NewS3Backend(context.Background(), config.S3Config{Region: "us-east-1"})
	assert.True(t, errors.IsConfiguration(err), "NewS3Backend error = %v", err)
}
