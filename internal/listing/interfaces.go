package listing

import (
	"context"
	"io"
	"time"
)

// JobStatus is the provider-reported state of a scrape run.
type JobStatus string

// Scrape run states. Every state other than JobRunning is terminal.
const (
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
	JobAborted   JobStatus = "ABORTED"
	JobTimedOut  JobStatus = "TIMED_OUT"
)

// Terminal reports whether polling should stop on this status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobAborted, JobTimedOut:
		return true
	default:
		return false
	}
}

// JobRun identifies a started provider run and the dataset it writes to.
type JobRun struct {
	RunID     string `json:"runId"`
	DatasetID string `json:"datasetId"`
}

// JobClient drives an asynchronous scrape job on the provider side.
type JobClient interface {
	Start(ctx context.Context, params ScrapeParams) (JobRun, error)
	Status(ctx context.Context, runID string) (JobStatus, error)
	FetchResults(ctx context.Context, datasetID string) ([]RawItem, error)
}

// PostStore persists posts. Implementations enforce uniqueness on Post.ID.
type PostStore interface {
	// FindByID returns ErrNotFound when the id is unknown.
	FindByID(ctx context.Context, id string) (Post, error)
	// CreateIfAbsent inserts post unless its id exists, in which case the stored
	// record is returned unchanged and created is false.
	CreateIfAbsent(ctx context.Context, post Post) (stored Post, created bool, err error)
	// CreateManySkipDuplicates inserts the posts whose ids are not yet stored and
	// returns how many rows were created.
	CreateManySkipDuplicates(ctx context.Context, posts []Post) (int, error)
	// FindMany lists posts inside the filter window, newest PostedAt first, capped
	// at the store page size.
	FindMany(ctx context.Context, filter PostFilter) ([]Post, error)
	// ListAfter pages through every post ordered by id, starting after afterID.
	ListAfter(ctx context.Context, afterID string, limit int) ([]Post, error)
	// UpdateFields applies a sparse patch and returns the updated post.
	UpdateFields(ctx context.Context, id string, patch PostPatch) (Post, error)
	Close() error
}

// BlobStore writes archive artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes ingest events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
