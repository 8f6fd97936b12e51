// Package postgres provides the Postgres-backed PostStore.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/realtime-listings-ingest/internal/listing"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Defaults for Config.
const (
	DefaultTable    = "real_estate_posts"
	DefaultPageSize = 500
	// maxRowsPerInsert keeps multi-row inserts under the 65535 bind parameter limit.
	maxRowsPerInsert = 1000
)

const postColumns = "id, post_id, group_id, source, posted_at, raw_data, processed_content, " +
	"content_processed, image_processed, image_links, created_at"

const columnCount = 11

// Config controls the Postgres connection pool used for posts.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	PageSize        int
	AutoMigrate     bool
}

// DB is the subset of *pgxpool.Pool used by PostStore.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostStore persists posts in Postgres.
type PostStore struct {
	db       DB
	table    string
	pageSize int
}

// NewPostStore connects to Postgres and, when AutoMigrate is set, creates the
// posts table.
func NewPostStore(ctx context.Context, cfg Config) (*PostStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewPostStoreWithDB(pool, cfg.Table, cfg.PageSize)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewPostStoreWithDB constructs a store from an existing pool (primarily for testing).
func NewPostStoreWithDB(db DB, table string, pageSize int) (*PostStore, error) {
	if db == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &PostStore{db: db, table: table, pageSize: pageSize}, nil
}

// EnsureSchema creates the posts table and its posted_at index if absent.
func (s *PostStore) EnsureSchema(ctx context.Context) error {
	table := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	post_id TEXT,
	group_id TEXT,
	source TEXT NOT NULL,
	posted_at TIMESTAMPTZ NOT NULL,
	raw_data JSONB NOT NULL,
	processed_content TEXT,
	content_processed BOOLEAN NOT NULL DEFAULT FALSE,
	image_processed BOOLEAN NOT NULL DEFAULT FALSE,
	image_links TEXT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.db.Exec(ctx, table); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_posted_at_idx ON %s (posted_at DESC)`, s.table, s.table)
	if _, err := s.db.Exec(ctx, index); err != nil {
		return fmt.Errorf("create posted_at index: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *PostStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.db.Close()
	return nil
}

// Ping checks connectivity.
func (s *PostStore) Ping(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// FindByID fetches a post by id.
func (s *PostStore) FindByID(ctx context.Context, id string) (listing.Post, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, postColumns, s.table)
	post, err := scanPost(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return listing.Post{}, listing.ErrNotFound
	}
	if err != nil {
		return listing.Post{}, fmt.Errorf("select post: %w", err)
	}
	return post, nil
}

// CreateIfAbsent inserts post and returns it, or returns the stored row when
// the id already exists.
func (s *PostStore) CreateIfAbsent(ctx context.Context, post listing.Post) (listing.Post, bool, error) {
	args, err := insertArgs(post)
	if err != nil {
		return listing.Post{}, false, err
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO NOTHING RETURNING %s`,
		s.table, postColumns, placeholders(0), postColumns)
	stored, err := scanPost(s.db.QueryRow(ctx, query, args...))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return listing.Post{}, false, fmt.Errorf("insert post: %w", err)
	}
	existing, err := s.FindByID(ctx, post.ID)
	if err != nil {
		return listing.Post{}, false, err
	}
	return existing, false, nil
}

// CreateManySkipDuplicates inserts posts with multi-row statements and reports
// how many rows were actually created.
func (s *PostStore) CreateManySkipDuplicates(ctx context.Context, posts []listing.Post) (int, error) {
	created := 0
	for start := 0; start < len(posts); start += maxRowsPerInsert {
		end := min(start+maxRowsPerInsert, len(posts))
		n, err := s.insertChunk(ctx, posts[start:end])
		if err != nil {
			return created, err
		}
		created += n
	}
	return created, nil
}

func (s *PostStore) insertChunk(ctx context.Context, posts []listing.Post) (int, error) {
	values := make([]string, 0, len(posts))
	args := make([]any, 0, len(posts)*columnCount)
	for i, post := range posts {
		rowArgs, err := insertArgs(post)
		if err != nil {
			return 0, err
		}
		values = append(values, "("+placeholders(i*columnCount)+")")
		args = append(args, rowArgs...)
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES %s ON CONFLICT (id) DO NOTHING`,
		s.table, postColumns, strings.Join(values, ", "))
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("bulk insert posts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// FindMany lists posts in the filter window, newest first, capped at the page size.
func (s *PostStore) FindMany(ctx context.Context, filter listing.PostFilter) ([]listing.Post, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE ($1::timestamptz IS NULL OR posted_at >= $1)
  AND ($2::timestamptz IS NULL OR posted_at <= $2)
ORDER BY posted_at DESC, id
LIMIT $3`, postColumns, s.table)
	return s.queryPosts(ctx, query, filter.PostedAtFrom, filter.PostedAtTo, s.pageSize)
}

// ListAfter pages through posts ordered by id.
func (s *PostStore) ListAfter(ctx context.Context, afterID string, limit int) ([]listing.Post, error) {
	if limit <= 0 {
		limit = s.pageSize
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id > $1 ORDER BY id LIMIT $2`, postColumns, s.table)
	return s.queryPosts(ctx, query, afterID, limit)
}

// UpdateFields applies the present patch fields and returns the updated row.
func (s *PostStore) UpdateFields(ctx context.Context, id string, patch listing.PostPatch) (listing.Post, error) {
	if patch.Empty() {
		return s.FindByID(ctx, id)
	}
	var sets []string
	args := []any{id}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.ContentProcessed != nil {
		add("content_processed", *patch.ContentProcessed)
	}
	if patch.ImageProcessed != nil {
		add("image_processed", *patch.ImageProcessed)
	}
	if patch.ProcessedContent != nil {
		add("processed_content", *patch.ProcessedContent)
	}
	if patch.ImageLinks != nil {
		add("image_links", nonNil(*patch.ImageLinks))
	}
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $1 RETURNING %s`,
		s.table, strings.Join(sets, ", "), postColumns)
	post, err := scanPost(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return listing.Post{}, listing.ErrNotFound
	}
	if err != nil {
		return listing.Post{}, fmt.Errorf("update post: %w", err)
	}
	return post, nil
}

func (s *PostStore) queryPosts(ctx context.Context, query string, args ...any) ([]listing.Post, error) {
	rows, err := s.db.Query(ctx, query, args...)
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

func scanPost(row pgx.Row) (listing.Post, error) {
	var (
		post  listing.Post
		raw   []byte
		links []string
	)
	if err := row.Scan(
		&post.ID,
		&post.PostID,
		&post.GroupID,
		&post.Source,
		&post.PostedAt,
		&raw,
		&post.ProcessedContent,
		&post.ContentProcessed,
		&post.ImageProcessed,
		&links,
		&post.CreatedAt,
	); err != nil {
		return listing.Post{}, err
	}
	post.RawData = json.RawMessage(raw)
	post.ImageLinks = nonNil(links)
	post.PostedAt = post.PostedAt.UTC()
	post.CreatedAt = post.CreatedAt.UTC()
	return post, nil
}

func insertArgs(post listing.Post) ([]any, error) {
	if post.ID == "" {
		return nil, errors.New("post id is required")
	}
	raw := []byte(post.RawData)
	if len(raw) == 0 {
		raw = []byte(`{}`)
	}
	createdAt := post.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return []any{
		post.ID,
		post.PostID,
		post.GroupID,
		post.Source,
		post.PostedAt,
		raw,
		post.ProcessedContent,
		post.ContentProcessed,
		post.ImageProcessed,
		nonNil(post.ImageLinks),
		createdAt,
	}, nil
}

// placeholders renders "$n+1, ..., $n+columnCount".
func placeholders(offset int) string {
	parts := make([]string, columnCount)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", offset+i+1)
	}
	return strings.Join(parts, ", ")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
