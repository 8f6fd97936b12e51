// Package listing defines the core types shared across the ingest subsystems.
package listing

import (
	"encoding/json"
	"time"
)

// SourceFacebook tags posts ingested from Facebook group scrapes.
const SourceFacebook = "facebook"

// Post is the persisted form of one scraped classified-ad post.
type Post struct {
	ID               string          `json:"id"`
	PostID           *string         `json:"postId"`
	GroupID          *string         `json:"groupId"`
	Source           string          `json:"source"`
	PostedAt         time.Time       `json:"postedAt"`
	RawData          json.RawMessage `json:"rawData"`
	ProcessedContent *string         `json:"processedContent"`
	ContentProcessed bool            `json:"contentProcessed"`
	ImageProcessed   bool            `json:"imageProcessed"`
	ImageLinks       []string        `json:"imageLinks"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// Clone returns a deep copy of p.
func (p Post) Clone() Post {
	out := p
	if p.PostID != nil {
		out.PostID = StringPtr(*p.PostID)
	}
	if p.GroupID != nil {
		out.GroupID = StringPtr(*p.GroupID)
	}
	if p.ProcessedContent != nil {
		out.ProcessedContent = StringPtr(*p.ProcessedContent)
	}
	if p.RawData != nil {
		out.RawData = append(json.RawMessage(nil), p.RawData...)
	}
	out.ImageLinks = append([]string{}, p.ImageLinks...)
	return out
}

// Summary returns the lightweight listing view of the post. Raw data is never included.
func (p Post) Summary() PostSummary {
	return PostSummary{
		ID:               p.ID,
		PostID:           p.PostID,
		GroupID:          p.GroupID,
		Source:           p.Source,
		PostedAt:         p.PostedAt,
		ProcessedContent: p.ProcessedContent,
	}
}

// PostSummary is returned by listing endpoints.
type PostSummary struct {
	ID               string    `json:"id"`
	PostID           *string   `json:"postId"`
	GroupID          *string   `json:"groupId"`
	Source           string    `json:"source"`
	PostedAt         time.Time `json:"postedAt"`
	ProcessedContent *string   `json:"processedContent"`
}

// PostFilter bounds a listing by publish time. Nil bounds are open.
type PostFilter struct {
	PostedAtFrom *time.Time
	PostedAtTo   *time.Time
}

// Matches reports whether t falls inside the filter window (inclusive on both ends).
func (f PostFilter) Matches(t time.Time) bool {
	if f.PostedAtFrom != nil && t.Before(*f.PostedAtFrom) {
		return false
	}
	if f.PostedAtTo != nil && t.After(*f.PostedAtTo) {
		return false
	}
	return true
}

// PostPatch is a sparse update. A nil field is left untouched by the store.
type PostPatch struct {
	ContentProcessed *bool     `json:"contentProcessed,omitempty"`
	ImageProcessed   *bool     `json:"imageProcessed,omitempty"`
	ProcessedContent *string   `json:"processedContent,omitempty"`
	ImageLinks       *[]string `json:"imageLinks,omitempty"`
}

// Empty reports whether the patch sets no fields.
func (p PostPatch) Empty() bool {
	return p.ContentProcessed == nil && p.ImageProcessed == nil &&
		p.ProcessedContent == nil && p.ImageLinks == nil
}

// Apply returns a copy of post with the present patch fields applied.
func (p PostPatch) Apply(post Post) Post {
	if p.ContentProcessed != nil {
		post.ContentProcessed = *p.ContentProcessed
	}
	if p.ImageProcessed != nil {
		post.ImageProcessed = *p.ImageProcessed
	}
	if p.ProcessedContent != nil {
		content := *p.ProcessedContent
		post.ProcessedContent = &content
	}
	if p.ImageLinks != nil {
		post.ImageLinks = append([]string{}, (*p.ImageLinks)...)
	}
	return post
}

// StartURL is one group URL handed to the scrape provider.
type StartURL struct {
	URL string `json:"url"`
}

// ProxyConfig mirrors the provider's proxy switch.
type ProxyConfig struct {
	UseApifyProxy bool `json:"useApifyProxy"`
}

// ScrapeParams is the input of a scrape job. It is forwarded to the provider as-is.
type ScrapeParams struct {
	StartURLs          []StartURL   `json:"startUrls"`
	ResultsLimit       *int         `json:"resultsLimit,omitempty"`
	CommentsLimit      *int         `json:"commentsLimit,omitempty"`
	ReactionsLimit     *int         `json:"reactionsLimit,omitempty"`
	ProxyConfiguration *ProxyConfig `json:"proxyConfiguration,omitempty"`
}

// IngestSummary reports per-item outcomes of one ingest call.
type IngestSummary struct {
	Created  int `json:"createdCount"`
	Skipped  int `json:"skippedCount"`
	Rejected int `json:"rejectedCount"`
}

// ReprocessSummary reports the outcome of a reprocess-all run.
type ReprocessSummary struct {
	TotalProcessed int `json:"totalProcessed"`
	UpdatedCount   int `json:"updatedCount"`
	ErrorCount     int `json:"errorCount"`
}

// StringPtr returns a pointer to a copy of s.
func StringPtr(s string) *string {
	return &s
}

// Deref returns the pointed-to string or "" for nil.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
