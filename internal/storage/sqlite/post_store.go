// Package sqlite provides an embedded PostStore backed by modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/realtime-listings-ingest/internal/listing"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// DefaultPageSize caps FindMany results.
const DefaultPageSize = 500

const schema = `
CREATE TABLE IF NOT EXISTS posts (
	id TEXT PRIMARY KEY,
	post_id TEXT,
	group_id TEXT,
	source TEXT NOT NULL,
	posted_at INTEGER NOT NULL,
	raw_data TEXT NOT NULL,
	processed_content TEXT,
	content_processed INTEGER NOT NULL DEFAULT 0,
	image_processed INTEGER NOT NULL DEFAULT 0,
	image_links TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS posts_posted_at_idx ON posts (posted_at DESC);
`

const selectPost = `SELECT id, post_id, group_id, source, posted_at, raw_data, processed_content,
	content_processed, image_processed, image_links, created_at FROM posts`

const insertPost = `INSERT INTO posts (id, post_id, group_id, source, posted_at, raw_data, processed_content,
	content_processed, image_processed, image_links, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`

// Config configures the embedded store.
type Config struct {
	// Path is a file path or ":memory:".
	Path     string
	PageSize int
}

// PostStore persists posts in a single SQLite database. Timestamps are stored
// as Unix microseconds.
type PostStore struct {
	db       *sql.DB
	pageSize int
}

// Open opens (and creates when needed) the database at cfg.Path and bootstraps
// the schema.
func Open(ctx context.Context, cfg Config) (*PostStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite.path is required")
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}
	// SQLite serializes writers; one connection also keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &PostStore{db: db, pageSize: pageSize}, nil
}

// Close closes the database.
func (s *PostStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Ping checks the database handle.
func (s *PostStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// FindByID fetches a post by id.
func (s *PostStore) FindByID(ctx context.Context, id string) (listing.Post, error) {
	post, err := scanPost(s.db.QueryRowContext(ctx, selectPost+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return listing.Post{}, listing.ErrNotFound
	}
	if err != nil {
		return listing.Post{}, fmt.Errorf("select post: %w", err)
	}
	return post, nil
}

// CreateIfAbsent inserts post unless its id exists and returns the stored row.
func (s *PostStore) CreateIfAbsent(ctx context.Context, post listing.Post) (listing.Post, bool, error) {
	args, err := insertArgs(post)
	if err != nil {
		return listing.Post{}, false, err
	}
	res, err := s.db.ExecContext(ctx, insertPost, args...)
	if err != nil {
		return listing.Post{}, false, fmt.Errorf("insert post: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return listing.Post{}, false, fmt.Errorf("insert post rows affected: %w", err)
	}
	stored, err := s.FindByID(ctx, post.ID)
	if err != nil {
		return listing.Post{}, false, err
	}
	return stored, n == 1, nil
}

// CreateManySkipDuplicates inserts posts in one transaction and reports how
// many rows were created.
func (s *PostStore) CreateManySkipDuplicates(ctx context.Context, posts []listing.Post) (created int, err error) {
	if len(posts) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin bulk insert: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, insertPost)
	if err != nil {
		return 0, fmt.Errorf("prepare bulk insert: %w", err)
	}
	defer stmt.Close()

	for _, post := range posts {
		args, err := insertArgs(post)
		if err != nil {
			return 0, err
		}
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return 0, fmt.Errorf("bulk insert post %s: %w", post.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("bulk insert rows affected: %w", err)
		}
		created += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit bulk insert: %w", err)
	}
	return created, nil
}

// FindMany lists posts in the window, newest first, capped at the page size.
func (s *PostStore) FindMany(ctx context.Context, filter listing.PostFilter) ([]listing.Post, error) {
	from, to := nullMicros(filter.PostedAtFrom), nullMicros(filter.PostedAtTo)
	query := selectPost + `
WHERE (? IS NULL OR posted_at >= ?) AND (? IS NULL OR posted_at <= ?)
ORDER BY posted_at DESC, id
LIMIT ?`
	return s.queryPosts(ctx, query, from, from, to, to, s.pageSize)
}

// ListAfter pages through posts ordered by id.
func (s *PostStore) ListAfter(ctx context.Context, afterID string, limit int) ([]listing.Post, error) {
	if limit <= 0 {
		limit = s.pageSize
	}
	return s.queryPosts(ctx, selectPost+" WHERE id > ? ORDER BY id LIMIT ?", afterID, limit)
}

// UpdateFields applies the present patch fields and returns the updated post.
func (s *PostStore) UpdateFields(ctx context.Context, id string, patch listing.PostPatch) (listing.Post, error) {
	if patch.Empty() {
		return s.FindByID(ctx, id)
	}
	var (
		sets []string
		args []any
	)
	if patch.ContentProcessed != nil {
		sets = append(sets, "content_processed = ?")
		args = append(args, *patch.ContentProcessed)
	}
	if patch.ImageProcessed != nil {
		sets = append(sets, "image_processed = ?")
		args = append(args, *patch.ImageProcessed)
	}
	if patch.ProcessedContent != nil {
		sets = append(sets, "processed_content = ?")
		args = append(args, *patch.ProcessedContent)
	}
	if patch.ImageLinks != nil {
		links, err := encodeLinks(*patch.ImageLinks)
		if err != nil {
			return listing.Post{}, err
		}
		sets = append(sets, "image_links = ?")
		args = append(args, links)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, "UPDATE posts SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return listing.Post{}, fmt.Errorf("update post: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return listing.Post{}, listing.ErrNotFound
	}
	return s.FindByID(ctx, id)
}

func (s *PostStore) queryPosts(ctx context.Context, query string, args ...any) ([]listing.Post, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer rows.Close()
	posts := make([]listing.Post, 0)
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return posts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPost(row scanner) (listing.Post, error) {
	var (
		post               listing.Post
		postID, groupID    sql.NullString
		content            sql.NullString
		raw, links         string
		postedAt, created  int64
		contentDone, image bool
	)
	if err := row.Scan(&post.ID, &postID, &groupID, &post.Source, &postedAt, &raw, &content,
		&contentDone, &image, &links, &created); err != nil {
		return listing.Post{}, err
	}
	post.PostID = nullableString(postID)
	post.GroupID = nullableString(groupID)
	post.ProcessedContent = nullableString(content)
	post.PostedAt = time.UnixMicro(postedAt).UTC()
	post.CreatedAt = time.UnixMicro(created).UTC()
	post.RawData = json.RawMessage(raw)
	post.ContentProcessed = contentDone
	post.ImageProcessed = image
	if err := json.Unmarshal([]byte(links), &post.ImageLinks); err != nil {
		return listing.Post{}, fmt.Errorf("decode image links: %w", err)
	}
	if post.ImageLinks == nil {
		post.ImageLinks = []string{}
	}
	return post, nil
}

func insertArgs(post listing.Post) ([]any, error) {
	if post.ID == "" {
		return nil, errors.New("post id is required")
	}
	raw := string(post.RawData)
	if raw == "" {
		raw = "{}"
	}
	links, err := encodeLinks(post.ImageLinks)
	if err != nil {
		return nil, err
	}
	created := post.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return []any{
		post.ID,
		nullString(post.PostID),
		nullString(post.GroupID),
		post.Source,
		post.PostedAt.UnixMicro(),
		raw,
		nullString(post.ProcessedContent),
		post.ContentProcessed,
		post.ImageProcessed,
		links,
		created.UnixMicro(),
	}, nil
}

func encodeLinks(links []string) (string, error) {
	if links == nil {
		links = []string{}
	}
	b, err := json.Marshal(links)
	if err != nil {
		return "", fmt.Errorf("encode image links: %w", err)
	}
	return string(b), nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return listing.StringPtr(s.String)
}

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}
