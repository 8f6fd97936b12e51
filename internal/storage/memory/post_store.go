// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/realtime-listings-ingest/internal/listing"
)

// DefaultPageSize caps FindMany results.
const DefaultPageSize = 500

// PostStore provides an in-memory implementation for development/testing.
type PostStore struct {
	mu       sync.RWMutex
	posts    map[string]listing.Post
	pageSize int
	now      func() time.Time
}

// NewPostStore constructs a PostStore. A non-positive pageSize uses DefaultPageSize.
func NewPostStore(pageSize int) *PostStore {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &PostStore{
		posts:    make(map[string]listing.Post),
		pageSize: pageSize,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// FindByID fetches a post by its composite id.
func (s *PostStore) FindByID(_ context.Context, id string) (listing.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	post, ok := s.posts[id]
	if !ok {
		return listing.Post{}, listing.ErrNotFound
	}
	return post.Clone(), nil
}

// CreateIfAbsent stores post unless the id is taken.
func (s *PostStore) CreateIfAbsent(_ context.Context, post listing.Post) (listing.Post, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.posts[post.ID]; ok {
		return existing.Clone(), false, nil
	}
	stored := s.insertLocked(post)
	return stored.Clone(), true, nil
}

// CreateManySkipDuplicates stores the posts whose ids are not present yet.
func (s *PostStore) CreateManySkipDuplicates(_ context.Context, posts []listing.Post) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	created := 0
	for _, post := range posts {
		if _, ok := s.posts[post.ID]; ok {
			continue
		}
		s.insertLocked(post)
		created++
	}
	return created, nil
}

func (s *PostStore) insertLocked(post listing.Post) listing.Post {
	stored := post.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	s.posts[stored.ID] = stored
	return stored
}

// FindMany returns posts in the window, newest PostedAt first.
func (s *PostStore) FindMany(_ context.Context, filter listing.PostFilter) ([]listing.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]listing.Post, 0, len(s.posts))
	for _, post := range s.posts {
		if filter.Matches(post.PostedAt) {
			out = append(out, post.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PostedAt.Equal(out[j].PostedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].PostedAt.After(out[j].PostedAt)
	})
	if len(out) > s.pageSize {
		out = out[:s.pageSize]
	}
	return out, nil
}

// ListAfter returns up to limit posts with ids greater than afterID, ordered by id.
func (s *PostStore) ListAfter(_ context.Context, afterID string, limit int) ([]listing.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.posts))
	for id := range s.posts {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]listing.Post, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.posts[id].Clone())
	}
	return out, nil
}

// UpdateFields applies patch to the stored post.
func (s *PostStore) UpdateFields(_ context.Context, id string, patch listing.PostPatch) (listing.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	post, ok := s.posts[id]
	if !ok {
		return listing.Post{}, listing.ErrNotFound
	}
	post = patch.Apply(post)
	s.posts[id] = post
	return post.Clone(), nil
}

// Close is a no-op.
func (s *PostStore) Close() error {
	return nil
}
