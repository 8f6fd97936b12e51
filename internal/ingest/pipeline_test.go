package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/JakeFAU/realtime-listings-ingest/internal/listing"
	pubmemory "github.com/JakeFAU/realtime-listings-ingest/internal/publisher/memory"
	"github.com/JakeFAU/realtime-listings-ingest/internal/scrape"
	"github.com/JakeFAU/realtime-listings-ingest/internal/storage/memory"
	"github.com/JakeFAU/realtime-listings-ingest/internal/textclean"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2024, 6, 1, 12, 30, 45, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type stubRunner struct {
	res Result
	err error
}

// Result aliases the scrape result to keep fixtures short.
type Result = scrape.Result

func (s stubRunner) Run(context.Context, listing.ScrapeParams) (scrape.Result, error) {
	return s.res, s.err
}

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("evt-%d", s.n), nil
}

type pipelineFixture struct {
	pipeline *Pipeline
	store    *memory.PostStore
	blobs    *memory.BlobStore
	pub      *pubmemory.Publisher
}

func newFixture(t *testing.T, runner JobRunner, cfg Config) pipelineFixture {
	t.Helper()
	store := memory.NewPostStore(0)
	blobs := memory.NewBlobStore()
	pub := pubmemory.New()
	p := New(store, runner, textclean.New(""), fixedClock{fixedNow}, blobs, pub, &seqIDs{}, cfg, zap.NewNop())
	return pipelineFixture{pipeline: p, store: store, blobs: blobs, pub: pub}
}

func raw(t *testing.T, v any) listing.RawItem {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return listing.RawItem(b)
}

func item(t *testing.T, group, post, text string) listing.RawItem {
	return raw(t, map[string]any{
		"facebookUrl": "https://www.facebook.com/groups/" + group + "/",
		"url":         "https://www.facebook.com/groups/" + group + "/permalink/" + post + "/",
		"text":        text,
		"time":        "2024-01-01T00:00:00Z",
	})
}

func TestIngestEndToEndSingleItem(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, Config{})
	in := raw(t, map[string]any{
		"facebookUrl": "https://www.facebook.com/groups/100/",
		"url":         "https://www.facebook.com/groups/100/permalink/200/",
		"text":        "🏡 Nice",
		"time":        "2024-01-01T00:00:00Z",
	})

	summary, err := f.pipeline.Ingest(context.Background(), []listing.RawItem{in})
	require.NoError(t, err)
	require.Equal(t, listing.IngestSummary{Created: 1}, summary)

	post, err := f.store.FindByID(context.Background(), "100_200")
	require.NoError(t, err)
	require.Equal(t, "Nice", listing.Deref(post.ProcessedContent))
	require.Equal(t, "100", listing.Deref(post.GroupID))
	require.Equal(t, "200", listing.Deref(post.PostID))
	require.Equal(t, listing.SourceFacebook, post.Source)
	require.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), post.PostedAt)
	require.JSONEq(t, string(in), string(post.RawData))
	require.Empty(t, post.ImageLinks)
	require.NotNil(t, post.ImageLinks)
	require.False(t, post.ContentProcessed)
	require.False(t, post.ImageProcessed)
}

func TestIngestIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, Config{BatchSize: 2})
	batch := []listing.RawItem{
		item(t, "1", "10", "a"),
		item(t, "1", "11", "b"),
		item(t, "2", "12", "c"),
	}

	first, err := f.pipeline.Ingest(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, 3, first.Created)
	require.Zero(t, first.Skipped)

	second, err := f.pipeline.Ingest(context.Background(), batch)
	require.NoError(t, err)
	require.Zero(t, second.Created)
	require.Equal(t, first.Created, second.Skipped)
}

func TestIngestIsIdempotentWithRepeatedItems(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, Config{BatchSize: 2})
	batch := []listing.RawItem{
		item(t, "1", "10", "a"),
		item(t, "1", "10", "a"),
		item(t, "2", "12", "c"),
		item(t, "1", "10", "a"),
	}

	first, err := f.pipeline.Ingest(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, listing.IngestSummary{Created: 2}, first)

	second, err := f.pipeline.Ingest(context.Background(), batch)
	require.NoError(t, err)
	require.Zero(t, second.Created)
	require.Equal(t, first.Created, second.Skipped)
}

func TestIngestCountsRejectedAndDropsRepeats(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, Config{})
	noGroup := raw(t, map[string]any{
		"url":  "https://www.facebook.com/permalink/42/",
		"text": "no group",
	})
	batch := []listing.RawItem{
		item(t, "1", "10", "a"),
		item(t, "1", "10", "a again"),
		raw(t, map[string]any{"url": "https://www.facebook.com/groups/1/posts/99/"}),
		raw(t, map[string]any{"text": "no url at all"}),
		listing.RawItem(`"not an object"`),
		noGroup,
	}

	summary, err := f.pipeline.Ingest(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, listing.IngestSummary{Created: 2, Rejected: 3}, summary)

	post, err := f.store.FindByID(context.Background(), "unknown_42")
	require.NoError(t, err)
	require.Nil(t, post.GroupID)
	require.Equal(t, fixedNow, post.PostedAt)

	first, err := f.store.FindByID(context.Background(), "1_10")
	require.NoError(t, err)
	require.Equal(t, "a", listing.Deref(first.ProcessedContent))
}

type failingStore struct {
	*memory.PostStore
	bulkErr   error
	updateErr map[string]error
	listErr   error
}

func (s *failingStore) CreateManySkipDuplicates(ctx context.Context, posts []listing.Post) (int, error) {
	if s.bulkErr != nil {
		return 0, s.bulkErr
	}
	return s.PostStore.CreateManySkipDuplicates(ctx, posts)
}

func (s *failingStore) UpdateFields(ctx context.Context, id string, patch listing.PostPatch) (listing.Post, error) {
	if err := s.updateErr[id]; err != nil {
		return listing.Post{}, err
	}
	return s.PostStore.UpdateFields(ctx, id, patch)
}

func (s *failingStore) ListAfter(ctx context.Context, after string, limit int) ([]listing.Post, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.PostStore.ListAfter(ctx, after, limit)
}

func TestIngestAbortsOnBulkWriteFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	store := &failingStore{PostStore: memory.NewPostStore(0), bulkErr: boom}
	p := New(store, nil, textclean.New(""), fixedClock{fixedNow}, nil, nil, nil, Config{}, nil)

	_, err := p.Ingest(context.Background(), []listing.RawItem{item(t, "1", "1", "x")})
	require.ErrorIs(t, err, boom)
}

func TestScrapeAndIngestArchivesAndPublishes(t *testing.T) {
	t.Parallel()

	run := listing.JobRun{RunID: "run-7", DatasetID: "ds-7"}
	runner := stubRunner{res: Result{Run: run, Items: []listing.RawItem{item(t, "5", "6", "✨ Studio")}}}
	f := newFixture(t, runner, Config{ArchivePrefix: "/listings/", ArchiveRaw: true, Topic: "listings-ingest"})

	summary, err := f.pipeline.ScrapeAndIngest(context.Background(), listing.ScrapeParams{})
	require.NoError(t, err)
	require.Equal(t, listing.IngestSummary{Created: 1}, summary)

	archived, contentType, ok := f.blobs.Object("listings/raw/run-7.json")
	require.True(t, ok)
	require.Equal(t, "application/json", contentType)
	var items []map[string]any
	require.NoError(t, json.Unmarshal(archived, &items))
	require.Len(t, items, 1)

	msgs := f.pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "listings-ingest", msgs[0].Topic)
	event, ok := msgs[0].Payload.(CompletedEvent)
	require.True(t, ok)
	require.Equal(t, CompletedEvent{
		EventID:     "evt-1",
		Type:        EventIngestCompleted,
		RunID:       "run-7",
		DatasetID:   "ds-7",
		Created:     1,
		CompletedAt: fixedNow,
	}, event)
}

func TestScrapeAndIngestToleratesSideEffectFailures(t *testing.T) {
	t.Parallel()

	runner := stubRunner{res: Result{Run: listing.JobRun{RunID: "r"}, Items: []listing.RawItem{item(t, "5", "6", "x")}}}
	f := newFixture(t, runner, Config{Topic: "t"})
	f.pub.FailWith(errors.New("pubsub down"))

	summary, err := f.pipeline.ScrapeAndIngest(context.Background(), listing.ScrapeParams{})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Created)
	require.Empty(t, f.blobs.Paths())
}

func TestScrapeAndIngestPropagatesJobErrors(t *testing.T) {
	t.Parallel()

	failed := &listing.JobFailedError{RunID: "r", Status: listing.JobAborted}
	f := newFixture(t, stubRunner{err: failed}, Config{Topic: "t"})

	_, err := f.pipeline.ScrapeAndIngest(context.Background(), listing.ScrapeParams{})
	var jobErr *listing.JobFailedError
	require.ErrorAs(t, err, &jobErr)
	require.Empty(t, f.pub.Messages())

	noRunner := newFixture(t, nil, Config{})
	_, err = noRunner.pipeline.ScrapeAndIngest(context.Background(), listing.ScrapeParams{})
	require.ErrorIs(t, err, listing.ErrMissingCredential)
}
