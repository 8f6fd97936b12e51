// Package ingest turns scraped records into deduplicated, persisted posts and
// exposes the post operations built on top of the store.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/realtime-listings-ingest/internal/listing"
	"github.com/JakeFAU/realtime-listings-ingest/internal/scrape"
	"github.com/JakeFAU/realtime-listings-ingest/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// EventIngestCompleted is the type attribute of completion notifications.
const EventIngestCompleted = "ingest.completed"

// Defaults for Config.
const (
	DefaultBatchSize     = 500
	DefaultReprocessPage = 200
)

// Normalizer cleans free text.
type Normalizer interface {
	Normalize(text string) string
}

// JobRunner runs a scrape job to completion.
type JobRunner interface {
	Run(ctx context.Context, params listing.ScrapeParams) (scrape.Result, error)
}

// IDGenerator mints event ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Config controls Pipeline behavior.
type Config struct {
	BatchSize     int
	ReprocessPage int
	// ArchivePrefix roots raw dataset and export archives in the blob store.
	ArchivePrefix  string
	ArchiveRaw     bool
	ArchiveExports bool
	// Topic receives ingest.completed events. Empty disables publishing.
	Topic string
}

// Pipeline orchestrates scrape, identity, normalization and bulk persistence.
type Pipeline struct {
	store      listing.PostStore
	runner     JobRunner
	normalizer Normalizer
	clock      listing.Clock
	blobs      listing.BlobStore
	publisher  listing.Publisher
	ids        IDGenerator
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Pipeline. runner, blobs, publisher and ids may be nil when
// the corresponding feature is unused.
func New(
	store listing.PostStore,
	runner JobRunner,
	normalizer Normalizer,
	clock listing.Clock,
	blobs listing.BlobStore,
	publisher listing.Publisher,
	ids IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ReprocessPage <= 0 {
		cfg.ReprocessPage = DefaultReprocessPage
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:      store,
		runner:     runner,
		normalizer: normalizer,
		clock:      clock,
		blobs:      blobs,
		publisher:  publisher,
		ids:        ids,
		cfg:        cfg,
		logger:     logger,
	}
}

// Ingest maps raw items to posts and writes them with skip-on-conflict
// semantics. Unidentifiable items are counted as rejected; repeats of an id
// already seen in items are dropped uncounted. A failing bulk write
// aborts the call; the returned summary covers the batches written before it.
func (p *Pipeline) Ingest(ctx context.Context, items []listing.RawItem) (listing.IngestSummary, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "ingest.Pipeline.Ingest")
	defer span.End()

	var summary listing.IngestSummary
	repeated := 0
	seen := make(map[string]struct{}, len(items))
	batch := make([]listing.Post, 0, min(len(items), p.cfg.BatchSize))

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		created, err := p.store.CreateManySkipDuplicates(ctx, batch)
		if err != nil {
			return fmt.Errorf("bulk create %d posts: %w", len(batch), err)
		}
		summary.Created += created
		summary.Skipped += len(batch) - created
		batch = batch[:0]
		return nil
	}

	for _, item := range items {
		post, err := p.buildPost(item)
		if err != nil {
			summary.Rejected++
			p.logger.Warn("dropping unidentifiable item", zap.String("url", item.Fields().URL), zap.Error(err))
			continue
		}
		if _, dup := seen[post.ID]; dup {
			// Repeated ids count toward no total.
			repeated++
			continue
		}
		seen[post.ID] = struct{}{}
		batch = append(batch, post)
		if len(batch) >= p.cfg.BatchSize {
			if err := flush(); err != nil {
				p.observe(summary)
				span.RecordError(err)
				return summary, err
			}
		}
	}
	if err := flush(); err != nil {
		p.observe(summary)
		span.RecordError(err)
		return summary, err
	}

	p.observe(summary)
	span.SetAttributes(
		attribute.Int("ingest.created", summary.Created),
		attribute.Int("ingest.skipped", summary.Skipped),
		attribute.Int("ingest.rejected", summary.Rejected),
	)
	p.logger.Info("ingest finished",
		zap.Int("items", len(items)),
		zap.Int("created", summary.Created),
		zap.Int("skipped", summary.Skipped),
		zap.Int("rejected", summary.Rejected),
		zap.Int("repeated", repeated),
	)
	return summary, nil
}

func (p *Pipeline) observe(summary listing.IngestSummary) {
	telemetry.ObserveIngest(telemetry.OutcomeCreated, summary.Created)
	telemetry.ObserveIngest(telemetry.OutcomeSkipped, summary.Skipped)
	telemetry.ObserveIngest(telemetry.OutcomeRejected, summary.Rejected)
}

// buildPost derives the candidate post for a raw item.
func (p *Pipeline) buildPost(item listing.RawItem) (listing.Post, error) {
	fields := item.Fields()
	ident, err := listing.IdentityFromFields(fields)
	if err != nil {
		return listing.Post{}, err
	}
	now := p.clock.Now()
	postedAt := now
	if fields.Time != nil {
		postedAt = fields.Time.UTC()
	}
	return listing.Post{
		ID:               ident.Key(),
		PostID:           listing.StringPtr(ident.PostID),
		GroupID:          ident.GroupIDPtr(),
		Source:           listing.SourceFacebook,
		PostedAt:         postedAt,
		RawData:          append(json.RawMessage(nil), item...),
		ProcessedContent: listing.StringPtr(p.normalizer.Normalize(fields.Text)),
		ImageLinks:       []string{},
		CreatedAt:        now,
	}, nil
}

// ScrapeAndIngest runs a scrape job and ingests its dataset. Archiving and
// notification are best effort and only logged on failure.
func (p *Pipeline) ScrapeAndIngest(ctx context.Context, params listing.ScrapeParams) (listing.IngestSummary, error) {
	if p.runner == nil {
		return listing.IngestSummary{}, fmt.Errorf("scrape: %w", listing.ErrMissingCredential)
	}
	res, err := p.runner.Run(ctx, params)
	if err != nil {
		return listing.IngestSummary{}, fmt.Errorf("run scrape job: %w", err)
	}
	logger := p.logger.With(zap.String("run_id", res.Run.RunID))

	if p.cfg.ArchiveRaw {
		p.archiveRaw(ctx, res, logger)
	}

	summary, err := p.Ingest(ctx, res.Items)
	if err != nil {
		return summary, err
	}

	p.publishCompleted(ctx, res.Run, summary, logger)
	return summary, nil
}

func (p *Pipeline) archiveRaw(ctx context.Context, res scrape.Result, logger *zap.Logger) {
	if p.blobs == nil {
		return
	}
	items := res.Items
	if items == nil {
		items = []listing.RawItem{}
	}
	body, err := json.Marshal(items)
	if err != nil {
		logger.Error("encode raw dataset", zap.Error(err))
		return
	}
	path := p.archivePath("raw", res.Run.RunID+".json")
	uri, err := p.blobs.PutObject(ctx, path, "application/json", bytes.NewReader(body))
	if err != nil {
		logger.Error("archive raw dataset failed", zap.String("path", path), zap.Error(err))
		return
	}
	logger.Info("raw dataset archived", zap.String("uri", uri), zap.Int("items", len(items)))
}

func (p *Pipeline) archivePath(kind, name string) string {
	prefix := strings.Trim(p.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return kind + "/" + name
	}
	return prefix + "/" + kind + "/" + name
}

// CompletedEvent is published after a successful scrape-and-ingest.
type CompletedEvent struct {
	EventID     string    `json:"eventId"`
	Type        string    `json:"type"`
	RunID       string    `json:"runId"`
	DatasetID   string    `json:"datasetId"`
	Created     int       `json:"created"`
	Skipped     int       `json:"skipped"`
	Rejected    int       `json:"rejected"`
	CompletedAt time.Time `json:"completedAt"`
}

func (p *Pipeline) publishCompleted(ctx context.Context, run listing.JobRun, summary listing.IngestSummary, logger *zap.Logger) {
	if p.cfg.Topic == "" || p.publisher == nil {
		return
	}
	event := CompletedEvent{
		Type:        EventIngestCompleted,
		RunID:       run.RunID,
		DatasetID:   run.DatasetID,
		Created:     summary.Created,
		Skipped:     summary.Skipped,
		Rejected:    summary.Rejected,
		CompletedAt: p.clock.Now(),
	}
	if p.ids != nil {
		id, err := p.ids.NewID()
		if err != nil {
			logger.Warn("generate event id", zap.Error(err))
		}
		event.EventID = id
	}
	msgID, err := p.publisher.Publish(ctx, p.cfg.Topic, event)
	if err != nil {
		logger.Error("publish ingest event failed", zap.String("topic", p.cfg.Topic), zap.Error(err))
		return
	}
	logger.Info("ingest event published", zap.String("topic", p.cfg.Topic), zap.String("message_id", msgID))
}

// EventType implements the publisher's typed payload hook.
func (CompletedEvent) EventType() string {
	return EventIngestCompleted
}
