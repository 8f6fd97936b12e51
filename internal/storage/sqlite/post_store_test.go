package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/JakeFAU/realtime-listings-ingest/internal/listing"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

func openStore(t *testing.T, pageSize int) *PostStore {
	t.Helper()
	store, err := Open(context.Background(), Config{Path: ":memory:", PageSize: pageSize})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func post(id string, postedAt time.Time, content string) listing.Post {
	return listing.Post{
		ID:               id,
		PostID:           listing.StringPtr(id),
		Source:           listing.SourceFacebook,
		PostedAt:         postedAt,
		RawData:          json.RawMessage(`{"text":"` + content + `"}`),
		ProcessedContent: listing.StringPtr(content),
		CreatedAt:        base,
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{})
	require.ErrorContains(t, err, "sqlite.path is required")
}

func TestCreateAndFind(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openStore(t, 0)
	require.NoError(t, store.Ping(ctx))

	stored, created, err := store.CreateIfAbsent(ctx, post("100_200", base, "Nice"))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "100_200", stored.ID)
	require.Nil(t, stored.GroupID)
	require.Equal(t, base, stored.PostedAt)
	require.Equal(t, []string{}, stored.ImageLinks)

	again, created, err := store.CreateIfAbsent(ctx, post("100_200", base, "Changed"))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "Nice", listing.Deref(again.ProcessedContent))
	require.JSONEq(t, `{"text":"Nice"}`, string(again.RawData))

	_, err = store.FindByID(ctx, "missing")
	require.ErrorIs(t, err, listing.ErrNotFound)
}

func TestCreateManySkipDuplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openStore(t, 0)
	batch := []listing.Post{post("a", base, "a"), post("b", base, "b")}

	n, err := store.CreateManySkipDuplicates(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = store.CreateManySkipDuplicates(ctx, append(batch, post("c", base, "c")))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = store.CreateManySkipDuplicates(ctx, nil)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = store.CreateManySkipDuplicates(ctx, []listing.Post{post("d", base, "d"), {}})
	require.Error(t, err)
	_, err = store.FindByID(ctx, "d")
	require.ErrorIs(t, err, listing.ErrNotFound, "failed batch must roll back")
}

func TestFindManyWindowOrderAndCap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openStore(t, 2)
	_, err := store.CreateManySkipDuplicates(ctx, []listing.Post{
		post("old", base, "old"),
		post("mid", base.Add(time.Hour), "mid"),
		post("new", base.Add(2*time.Hour), "new"),
	})
	require.NoError(t, err)

	all, err := store.FindMany(ctx, listing.PostFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "new", all[0].ID)
	require.Equal(t, "mid", all[1].ID)

	from, to := base, base.Add(time.Hour)
	windowed, err := store.FindMany(ctx, listing.PostFilter{PostedAtFrom: &from, PostedAtTo: &to})
	require.NoError(t, err)
	require.Len(t, windowed, 2)
	require.Equal(t, "mid", windowed[0].ID)
	require.Equal(t, "old", windowed[1].ID)
}

func TestListAfterAndUpdate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openStore(t, 0)
	for _, id := range []string{"b", "c", "a"} {
		_, _, err := store.CreateIfAbsent(ctx, post(id, base, id))
		require.NoError(t, err)
	}

	page, err := store.ListAfter(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "b", page[0].ID)

	yes := true
	links := []string{"gs://bucket/1.jpg", "gs://bucket/2.jpg"}
	updated, err := store.UpdateFields(ctx, "b", listing.PostPatch{ImageProcessed: &yes, ImageLinks: &links})
	require.NoError(t, err)
	require.True(t, updated.ImageProcessed)
	require.False(t, updated.ContentProcessed)
	require.Equal(t, links, updated.ImageLinks)
	require.Equal(t, "b", listing.Deref(updated.ProcessedContent))

	_, err = store.UpdateFields(ctx, "zzz", listing.PostPatch{ImageProcessed: &yes})
	require.ErrorIs(t, err, listing.ErrNotFound)
}

func TestOpenFileDatabasePersists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "posts.db")
	store, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	_, _, err = store.CreateIfAbsent(ctx, post("x", base, "x"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	got, err := reopened.FindByID(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, "x", got.ID)
}
