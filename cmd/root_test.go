package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-listings-ingest/internal/config"
	"github.com/JakeFAU/realtime-listings-ingest/internal/listing"
)

type fakeApp struct {
	ran        bool
	closed     bool
	params     listing.ScrapeParams
	summary    listing.IngestSummary
	reprocess  listing.ReprocessSummary
	err        error
	reprocErr  error
	reprocRuns int
}

func (f *fakeApp) Run(context.Context) error {
	f.ran = true
	return f.err
}

func (f *fakeApp) ScrapeAndIngest(_ context.Context, params listing.ScrapeParams) (listing.IngestSummary, error) {
	f.params = params
	return f.summary, f.err
}

func (f *fakeApp) ReprocessAll(context.Context) (listing.ReprocessSummary, error) {
	f.reprocRuns++
	return f.reprocess, f.reprocErr
}

func (f *fakeApp) Close(context.Context) error {
	f.closed = true
	return nil
}

func withFakeApp(t *testing.T, app *fakeApp) {
	t.Helper()
	t.Setenv("APIFY_API_TOKEN", "")
	orig := newApp
	newApp = func(context.Context, *config.Config) (App, error) { return app, nil }
	t.Cleanup(func() {
		newApp = orig
		cfgFile = ""
	})
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestScrapeCommand(t *testing.T) {
	app := &fakeApp{summary: listing.IngestSummary{Created: 3, Skipped: 1}}
	withFakeApp(t, app)

	out, err := execute(t, "scrape",
		"--url", "https://www.facebook.com/groups/1",
		"--url", "https://www.facebook.com/groups/2",
		"--results-limit", "50",
		"--proxy",
	)
	require.NoError(t, err)
	assert.JSONEq(t, `{"createdCount":3,"skippedCount":1,"rejectedCount":0}`, out)
	assert.True(t, app.closed)

	require.Len(t, app.params.StartURLs, 2)
	assert.Equal(t, "https://www.facebook.com/groups/2", app.params.StartURLs[1].URL)
	require.NotNil(t, app.params.ResultsLimit)
	assert.Equal(t, 50, *app.params.ResultsLimit)
	assert.Nil(t, app.params.CommentsLimit)
	require.NotNil(t, app.params.ProxyConfiguration)
	assert.True(t, app.params.ProxyConfiguration.UseApifyProxy)
}

func TestScrapeCommandZeroLimitIsSent(t *testing.T) {
	app := &fakeApp{}
	withFakeApp(t, app)

	_, err := execute(t, "scrape", "--url", "u", "--comments-limit", "0")
	require.NoError(t, err)
	require.NotNil(t, app.params.CommentsLimit)
	assert.Zero(t, *app.params.CommentsLimit)
}

func TestScrapeCommandErrors(t *testing.T) {
	t.Run("MissingURL", func(t *testing.T) {
		app := &fakeApp{}
		withFakeApp(t, app)
		_, err := execute(t, "scrape")
		require.ErrorContains(t, err, "--url")
		assert.True(t, app.closed)
	})

	t.Run("NegativeLimit", func(t *testing.T) {
		withFakeApp(t, &fakeApp{})
		_, err := execute(t, "scrape", "--url", "u", "--results-limit", "-1")
		require.ErrorContains(t, err, "--results-limit")
	})

	t.Run("JobFailurePrintsPartialCounts", func(t *testing.T) {
		app := &fakeApp{summary: listing.IngestSummary{Created: 1}, err: listing.ErrJobTimeout}
		withFakeApp(t, app)
		out, err := execute(t, "scrape", "--url", "u")
		require.ErrorIs(t, err, listing.ErrJobTimeout)
		assert.Contains(t, out, `"createdCount": 1`)
	})
}

func TestReprocessCommand(t *testing.T) {
	app := &fakeApp{reprocess: listing.ReprocessSummary{TotalProcessed: 4, UpdatedCount: 2, ErrorCount: 1}}
	withFakeApp(t, app)

	out, err := execute(t, "reprocess")
	require.NoError(t, err)
	assert.JSONEq(t, `{"totalProcessed":4,"updatedCount":2,"errorCount":1}`, out)
	assert.Equal(t, 1, app.reprocRuns)
	assert.True(t, app.closed)

	app.reprocErr = errors.New("list failed")
	_, err = execute(t, "reprocess")
	require.ErrorContains(t, err, "reprocess: list failed")
}

func TestServeCommand(t *testing.T) {
	app := &fakeApp{}
	withFakeApp(t, app)

	_, err := execute(t, "serve")
	require.NoError(t, err)
	assert.True(t, app.ran)

	app.err = context.Canceled
	_, err = execute(t, "serve")
	require.NoError(t, err)

	app.err = errors.New("address in use")
	_, err = execute(t, "serve")
	require.ErrorContains(t, err, "serve: address in use")
}

func TestRootCommandConfigErrors(t *testing.T) {
	withFakeApp(t, &fakeApp{})

	_, err := execute(t, "--config", "/does/not/exist.yaml", "reprocess")
	require.ErrorContains(t, err, "load config")

	cfgFile = ""
	newApp = func(context.Context, *config.Config) (App, error) { return nil, errors.New("db down") }
	_, err = execute(t, "reprocess")
	require.ErrorContains(t, err, "failed to initialize application services")
}

func TestResolveAppWithoutInit(t *testing.T) {
	_, err := resolveApp(context.Background())
	require.Error(t, err)
}
