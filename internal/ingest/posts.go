package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/realtime-listings-ingest/internal/listing"
	"github.com/JakeFAU/realtime-listings-ingest/internal/telemetry"
	"go.uber.org/zap"
)

// ExportTimeLayout formats the timestamp embedded in export filenames.
const ExportTimeLayout = "20060102-150405"

// ManualPost is a post supplied by an operator. Generated fields are absent.
type ManualPost struct {
	ID               string          `json:"id"`
	PostID           *string         `json:"postId"`
	GroupID          *string         `json:"groupId"`
	Source           string          `json:"source"`
	PostedAt         *time.Time      `json:"postedAt"`
	RawData          json.RawMessage `json:"rawData"`
	ProcessedContent *string         `json:"processedContent"`
	ContentProcessed bool            `json:"contentProcessed"`
	ImageProcessed   bool            `json:"imageProcessed"`
	ImageLinks       []string        `json:"imageLinks"`
}

// Validate checks the fields a manual post must carry.
func (m ManualPost) Validate() error {
	var problems []string
	if strings.TrimSpace(m.ID) == "" {
		problems = append(problems, "id is required")
	}
	if strings.TrimSpace(m.Source) == "" {
		problems = append(problems, "source is required")
	}
	if len(m.RawData) > 0 && !json.Valid(m.RawData) {
		problems = append(problems, "rawData must be valid JSON")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", listing.ErrInvalidPost, strings.Join(problems, "; "))
	}
	return nil
}

// CreateIfAbsent stores a manual post unless its id exists. An existing record
// is returned unchanged with created=false.
func (p *Pipeline) CreateIfAbsent(ctx context.Context, in ManualPost) (listing.Post, bool, error) {
	if err := in.Validate(); err != nil {
		return listing.Post{}, false, &listing.PostError{ID: in.ID, Err: err}
	}
	now := p.clock.Now()
	post := listing.Post{
		ID:               strings.TrimSpace(in.ID),
		PostID:           in.PostID,
		GroupID:          in.GroupID,
		Source:           in.Source,
		PostedAt:         now,
		RawData:          in.RawData,
		ProcessedContent: in.ProcessedContent,
		ContentProcessed: in.ContentProcessed,
		ImageProcessed:   in.ImageProcessed,
		ImageLinks:       in.ImageLinks,
		CreatedAt:        now,
	}
	if in.PostedAt != nil {
		post.PostedAt = in.PostedAt.UTC()
	}
	if len(post.RawData) == 0 {
		post.RawData = json.RawMessage(`{}`)
	}
	if post.ImageLinks == nil {
		post.ImageLinks = []string{}
	}

	stored, created, err := p.store.CreateIfAbsent(ctx, post)
	if err != nil {
		p.logger.Error("create post failed", zap.String("id", post.ID), zap.Error(err))
		return listing.Post{}, false, &listing.PostError{ID: post.ID, Err: err}
	}
	if created {
		telemetry.ObserveIngest(telemetry.OutcomeCreated, 1)
	} else {
		telemetry.ObserveIngest(telemetry.OutcomeSkipped, 1)
		p.logger.Debug("post already exists", zap.String("id", post.ID))
	}
	return stored, created, nil
}

// GetPost returns the post with id or listing.ErrNotFound.
func (p *Pipeline) GetPost(ctx context.Context, id string) (listing.Post, error) {
	post, err := p.store.FindByID(ctx, id)
	if err != nil {
		return listing.Post{}, fmt.Errorf("find post %s: %w", id, err)
	}
	return post, nil
}

// UpdateStatus applies a sparse processing-status patch.
func (p *Pipeline) UpdateStatus(ctx context.Context, id string, patch listing.PostPatch) (listing.Post, error) {
	if patch.Empty() {
		return listing.Post{}, &listing.PostError{ID: id, Err: fmt.Errorf("%w: patch sets no fields", listing.ErrInvalidPost)}
	}
	post, err := p.store.UpdateFields(ctx, id, patch)
	if err != nil {
		return listing.Post{}, &listing.PostError{ID: id, Err: err}
	}
	return post, nil
}

// ListPosts returns summaries inside the window, newest first.
func (p *Pipeline) ListPosts(ctx context.Context, filter listing.PostFilter) ([]listing.PostSummary, error) {
	posts, err := p.store.FindMany(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	out := make([]listing.PostSummary, 0, len(posts))
	for _, post := range posts {
		out = append(out, post.Summary())
	}
	return out, nil
}

// Export is a plain-text dump of processed content.
type Export struct {
	Filename string
	Body     string
	// URI is set when the export was archived.
	URI string
}

// Export joins the non-empty processed content of every post in the window
// with newlines.
func (p *Pipeline) Export(ctx context.Context, filter listing.PostFilter) (Export, error) {
	posts, err := p.store.FindMany(ctx, filter)
	if err != nil {
		return Export{}, fmt.Errorf("export posts: %w", err)
	}
	lines := make([]string, 0, len(posts))
	for _, post := range posts {
		if content := listing.Deref(post.ProcessedContent); content != "" {
			lines = append(lines, content)
		}
	}
	out := Export{
		Filename: "posts-" + p.clock.Now().UTC().Format(ExportTimeLayout) + ".txt",
		Body:     strings.Join(lines, "\n"),
	}

	if p.cfg.ArchiveExports && p.blobs != nil {
		path := p.archivePath("exports", out.Filename)
		uri, err := p.blobs.PutObject(ctx, path, "text/plain; charset=utf-8", strings.NewReader(out.Body))
		if err != nil {
			p.logger.Error("archive export failed", zap.String("path", path), zap.Error(err))
		} else {
			out.URI = uri
		}
	}
	return out, nil
}

// ReprocessAll recomputes processed content for every stored post from its raw
// data. Per-post failures are counted and never abort the run; only a failure
// to list the next page does.
func (p *Pipeline) ReprocessAll(ctx context.Context) (listing.ReprocessSummary, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "ingest.Pipeline.ReprocessAll")
	defer span.End()

	var summary listing.ReprocessSummary
	after := ""
	for {
		page, err := p.store.ListAfter(ctx, after, p.cfg.ReprocessPage)
		if err != nil {
			span.RecordError(err)
			return summary, fmt.Errorf("list posts after %q: %w", after, err)
		}
		for _, post := range page {
			summary.TotalProcessed++
			switch outcome := p.reprocessOne(ctx, post); outcome {
			case telemetry.OutcomeUpdated:
				summary.UpdatedCount++
			case telemetry.OutcomeFailed:
				summary.ErrorCount++
			}
		}
		if len(page) < p.cfg.ReprocessPage {
			break
		}
		after = page[len(page)-1].ID
	}

	p.logger.Info("reprocess finished",
		zap.Int("total", summary.TotalProcessed),
		zap.Int("updated", summary.UpdatedCount),
		zap.Int("errors", summary.ErrorCount),
	)
	return summary, nil
}

func (p *Pipeline) reprocessOne(ctx context.Context, post listing.Post) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("reprocess panicked", zap.String("id", post.ID), zap.Any("panic", r))
			outcome = telemetry.OutcomeFailed
		}
		telemetry.ObserveReprocess(outcome)
	}()

	content, err := contentFromRaw(post.RawData, p.normalizer)
	if err != nil {
		p.logger.Error("reprocess post failed", zap.String("id", post.ID), zap.Error(err))
		return telemetry.OutcomeFailed
	}
	if post.ProcessedContent != nil && *post.ProcessedContent == content {
		return telemetry.OutcomeUnchanged
	}
	if _, err := p.store.UpdateFields(ctx, post.ID, listing.PostPatch{ProcessedContent: &content}); err != nil {
		p.logger.Error("reprocess update failed", zap.String("id", post.ID), zap.Error(err))
		return telemetry.OutcomeFailed
	}
	return telemetry.OutcomeUpdated
}

var errRawNotObject = errors.New("raw data is not a JSON object")

func contentFromRaw(raw json.RawMessage, n Normalizer) (string, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		return "", errRawNotObject
	}
	return n.Normalize(listing.RawItem(raw).Fields().Text), nil
}
