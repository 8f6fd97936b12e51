package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-listings-ingest/internal/config"
	memorypublisher "github.com/JakeFAU/realtime-listings-ingest/internal/publisher/memory"
	memorystorage "github.com/JakeFAU/realtime-listings-ingest/internal/storage/memory"
	sqlitestore "github.com/JakeFAU/realtime-listings-ingest/internal/storage/sqlite"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("APIFY_API_TOKEN", "")
	t.Setenv("INGEST_APIFY_TOKEN", "")
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Archive.Backend = config.BackendMemory
	cfg.PubSub.Backend = config.BackendMemory
	return cfg
}

func TestBuildWithMemoryBackends(t *testing.T) {
	cfg := testConfig(t)
	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	assert.IsType(t, &memorystorage.PostStore{}, app.postStore)
	assert.IsType(t, &memorystorage.BlobStore{}, app.blobStore)
	assert.IsType(t, &memorypublisher.Publisher{}, app.publisher)
	require.NotNil(t, app.Pipeline())

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	body := strings.NewReader(`{"startUrls":[{"url":"https://www.facebook.com/groups/1"}]}`)
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/scrape/facebook-group", body))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "missing token surfaces as a configuration error")
}

func TestBuildWithSQLiteAndLocalArchive(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	cfg.Storage.Backend = config.BackendSQLite
	cfg.SQLite.Path = filepath.Join(dir, "posts.db")
	cfg.Archive.Backend = config.BackendLocal
	cfg.Archive.BaseDir = filepath.Join(dir, "archive")
	cfg.PubSub.Backend = config.BackendNone

	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	assert.IsType(t, &sqlitestore.PostStore{}, app.postStore)
	assert.Nil(t, app.publisher)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/posts",
		strings.NewReader(`{"id":"1_2","source":"manual","processedContent":"hi"}`)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestBuildClosesOnFailure(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	cfg.Storage.Backend = config.BackendSQLite
	cfg.SQLite.Path = filepath.Join(dir, "posts.db")
	cfg.Archive.Backend = config.BackendLocal
	cfg.Archive.BaseDir = file

	_, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "local blob store init failed")
}

func TestServeShutsDownOnCancel(t *testing.T) {
	cfg := testConfig(t)
	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:gosec,noctx // test server address
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestIngestConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.PubSub.Topic = "posts"

	withTopic := ingestConfig(cfg, true)
	assert.Equal(t, "posts", withTopic.Topic)
	assert.Equal(t, cfg.Ingest.BatchSize, withTopic.BatchSize)
	assert.Equal(t, cfg.Archive.Prefix, withTopic.ArchivePrefix)

	assert.Empty(t, ingestConfig(cfg, false).Topic)
}
