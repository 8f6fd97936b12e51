// Package scrape drives asynchronous provider scrape jobs to completion.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/realtime-listings-ingest/internal/listing"
	"github.com/JakeFAU/realtime-listings-ingest/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Default polling cadence.
const (
	DefaultInterval = 5 * time.Second
	DefaultBudget   = 1200 * time.Second
)

// Config controls polling cadence.
type Config struct {
	Interval time.Duration
	Budget   time.Duration
}

// Result is the output of a finished job.
type Result struct {
	Run   listing.JobRun
	Items []listing.RawItem
}

// Poller starts a job and polls it on a fixed interval until a terminal
// state or the budget is exhausted. Nothing is retried.
type Poller struct {
	client listing.JobClient
	cfg    Config
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewPoller builds a Poller. Zero config values fall back to the defaults.
func NewPoller(client listing.JobClient, cfg Config, logger *zap.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		client: client,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Run starts a job with params and returns its dataset items once it succeeds.
// It fails with *listing.JobFailedError on FAILED, ABORTED or TIMED_OUT and with
// listing.ErrJobTimeout when the budget elapses first.
func (p *Poller) Run(ctx context.Context, params listing.ScrapeParams) (Result, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "scrape.Poller.Run")
	defer span.End()

	started := time.Now()
	outcome, res, err := p.run(ctx, params)
	telemetry.ObserveScrapeJob(outcome, time.Since(started))
	span.SetAttributes(
		attribute.String("scrape.run_id", res.Run.RunID),
		attribute.String("scrape.status", outcome),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	return res, nil
}

// run returns the metric label for how the job ended alongside its result.
func (p *Poller) run(ctx context.Context, params listing.ScrapeParams) (string, Result, error) {
	run, err := p.client.Start(ctx, params)
	if err != nil {
		return telemetry.ScrapeStartError, Result{}, fmt.Errorf("start scrape job: %w", err)
	}
	res := Result{Run: run}
	logger := p.logger.With(zap.String("run_id", run.RunID), zap.String("dataset_id", run.DatasetID))
	logger.Info("scrape job started")

	var waited time.Duration
	for {
		if err := p.sleep(ctx, p.cfg.Interval); err != nil {
			return telemetry.ScrapeCanceled, res, fmt.Errorf("wait for scrape job %s: %w", run.RunID, err)
		}
		waited += p.cfg.Interval

		status, err := p.client.Status(ctx, run.RunID)
		if err != nil {
			return telemetry.ScrapeStatusError, res, fmt.Errorf("get scrape job %s status: %w", run.RunID, err)
		}
		logger.Debug("scrape job polled", zap.String("status", string(status)), zap.Duration("waited", waited))

		switch status {
		case listing.JobSucceeded:
			items, err := p.client.FetchResults(ctx, run.DatasetID)
			if err != nil {
				return string(status), res, fmt.Errorf("fetch scrape results for %s: %w", run.RunID, err)
			}
			res.Items = items
			logger.Info("scrape job succeeded", zap.Int("items", len(items)), zap.Duration("waited", waited))
			return string(status), res, nil
		case listing.JobFailed, listing.JobAborted, listing.JobTimedOut:
			logger.Warn("scrape job failed", zap.String("status", string(status)))
			return string(status), res, &listing.JobFailedError{RunID: run.RunID, Status: status}
		}

		if waited >= p.cfg.Budget {
			logger.Warn("scrape job exceeded budget", zap.Duration("budget", p.cfg.Budget))
			return string(listing.JobTimedOut), res, fmt.Errorf("%w: run %s after %s", listing.ErrJobTimeout, run.RunID, waited)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsJobFailure reports whether err is a provider job failure or timeout.
func IsJobFailure(err error) bool {
	var failed *listing.JobFailedError
	return errors.As(err, &failed) || errors.Is(err, listing.ErrJobTimeout)
}
