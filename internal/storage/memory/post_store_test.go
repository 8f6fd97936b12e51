package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/JakeFAU/realtime-listings-ingest/internal/listing"
	"github.com/stretchr/testify/require"
)

func samplePost(id string, postedAt time.Time) listing.Post {
	return listing.Post{
		ID:               id,
		PostID:           listing.StringPtr(id),
		Source:           listing.SourceFacebook,
		PostedAt:         postedAt,
		RawData:          json.RawMessage(`{"text":"raw"}`),
		ProcessedContent: listing.StringPtr("raw"),
		ImageLinks:       []string{},
	}
}

func TestPostStoreCreateIfAbsentKeepsExisting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPostStore(0)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	first, created, err := store.CreateIfAbsent(ctx, samplePost("1_1", base))
	require.NoError(t, err)
	require.True(t, created)
	require.False(t, first.CreatedAt.IsZero())

	other := samplePost("1_1", base)
	other.RawData = json.RawMessage(`{"text":"changed"}`)
	other.ProcessedContent = listing.StringPtr("changed")
	got, created, err := store.CreateIfAbsent(ctx, other)
	require.NoError(t, err)
	require.False(t, created)
	require.JSONEq(t, `{"text":"raw"}`, string(got.RawData))
	require.Equal(t, "raw", listing.Deref(got.ProcessedContent))
}

func TestPostStoreCreateManySkipsDuplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPostStore(0)
	now := time.Now().UTC()
	batch := []listing.Post{samplePost("a", now), samplePost("b", now)}

	n, err := store.CreateManySkipDuplicates(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = store.CreateManySkipDuplicates(ctx, append(batch, samplePost("c", now)))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestPostStoreFindManyOrdersAndCaps(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPostStore(2)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := store.CreateManySkipDuplicates(ctx, []listing.Post{
		samplePost("old", base),
		samplePost("mid", base.Add(time.Hour)),
		samplePost("new", base.Add(2*time.Hour)),
	})
	require.NoError(t, err)

	all, err := store.FindMany(ctx, listing.PostFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "new", all[0].ID)
	require.Equal(t, "mid", all[1].ID)

	to := base.Add(time.Hour)
	windowed, err := store.FindMany(ctx, listing.PostFilter{PostedAtTo: &to})
	require.NoError(t, err)
	require.Len(t, windowed, 2)
	require.Equal(t, "mid", windowed[0].ID)
	require.Equal(t, "old", windowed[1].ID)
}

func TestPostStoreListAfterPages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPostStore(0)
	now := time.Now().UTC()
	for _, id := range []string{"c", "a", "d", "b"} {
		_, _, err := store.CreateIfAbsent(ctx, samplePost(id, now))
		require.NoError(t, err)
	}

	page, err := store.ListAfter(ctx, "", 3)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, ids(page))

	page, err = store.ListAfter(ctx, "c", 3)
	require.NoError(t, err)
	require.Equal(t, []string{"d"}, ids(page))
}

func TestPostStoreUpdateFields(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPostStore(0)
	_, _, err := store.CreateIfAbsent(ctx, samplePost("x", time.Now()))
	require.NoError(t, err)

	done := true
	links := []string{"https://cdn.example.com/1.jpg"}
	updated, err := store.UpdateFields(ctx, "x", listing.PostPatch{ImageProcessed: &done, ImageLinks: &links})
	require.NoError(t, err)
	require.True(t, updated.ImageProcessed)
	require.False(t, updated.ContentProcessed)
	require.Equal(t, links, updated.ImageLinks)
	require.Equal(t, "raw", listing.Deref(updated.ProcessedContent))

	_, err = store.UpdateFields(ctx, "missing", listing.PostPatch{ImageProcessed: &done})
	require.ErrorIs(t, err, listing.ErrNotFound)

	_, err = store.FindByID(ctx, "missing")
	require.ErrorIs(t, err, listing.ErrNotFound)
}

func TestPostStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPostStore(0)
	_, _, err := store.CreateIfAbsent(ctx, samplePost("x", time.Now()))
	require.NoError(t, err)

	got, err := store.FindByID(ctx, "x")
	require.NoError(t, err)
	got.RawData[2] = 'X'
	*got.ProcessedContent = "mutated"

	again, err := store.FindByID(ctx, "x")
	require.NoError(t, err)
	require.JSONEq(t, `{"text":"raw"}`, string(again.RawData))
	require.Equal(t, "raw", listing.Deref(again.ProcessedContent))
}

func ids(posts []listing.Post) []string {
	out := make([]string, 0, len(posts))
	for _, p := range posts {
		out = append(out, p.ID)
	}
	return out
}
