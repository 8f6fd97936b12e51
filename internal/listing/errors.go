package listing

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingCredential signals that the scrape provider token is not configured.
	ErrMissingCredential = errors.New("scrape provider credential not configured")
	// ErrJobTimeout signals that a scrape job did not reach a terminal state within its budget.
	ErrJobTimeout = errors.New("scrape job timed out")
	// ErrUnidentifiable signals that no post id could be extracted from a raw item.
	ErrUnidentifiable = errors.New("raw item has no permalink id")
	// ErrNotFound signals that the requested post does not exist.
	ErrNotFound = errors.New("post not found")
	// ErrInvalidPost signals that a manually supplied post failed validation.
	ErrInvalidPost = errors.New("invalid post")
)

// JobFailedError is returned when the provider reports a failed terminal state.
type JobFailedError struct {
	RunID  string
	Status JobStatus
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("scrape job %s finished with status %s", e.RunID, e.Status)
}

// PostError attaches the post identity to a single-item failure.
type PostError struct {
	ID  string
	Err error
}

func (e *PostError) Error() string {
	return fmt.Sprintf("post %s: %v", e.ID, e.Err)
}

func (e *PostError) Unwrap() error {
	return e.Err
}
