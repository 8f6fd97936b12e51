// Package main hosts the listings service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, scrape, and post endpoints. Handlers decode and
//     validate requests and delegate to the ingest pipeline.
//   - Scrape: internal/scrape.Poller starts an Apify actor run through internal/scrape/apify.Client, polls its
//     status on a fixed interval within a total budget, and fetches the dataset once the run succeeds. Outbound
//     provider calls are paced by a per-host token bucket.
//   - Ingest: internal/ingest.Pipeline derives the composite "{groupId}_{postId}" id, normalizes the post text,
//     and writes posts in batches with skip-on-conflict semantics. Unidentifiable items are counted as rejected.
//   - Persistence & fanout: posts live in Postgres (pgx), SQLite, or memory. Raw datasets and exports are
//     optionally archived to GCS, local disk, or memory, and an ingest.completed event is published to Pub/Sub
//     when notifications are enabled.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging;
//     Prometheus metrics are exported at /metrics; OpenTelemetry spans cover scrape and ingest.
//
// Quick checklist:
//   - Configure env vars: APIFY_API_TOKEN (or INGEST_APIFY_TOKEN), INGEST_SERVER_PORT, INGEST_STORAGE_BACKEND
//     with INGEST_DATABASE_DSN or INGEST_SQLITE_PATH, and INGEST_ARCHIVE_* / INGEST_PUBSUB_* when needed.
//   - Run locally: go run ./cmd/listings serve --config config.yaml
//   - One-shot scrape: go run ./cmd/listings scrape --url https://www.facebook.com/groups/<id> --results-limit 50
package main
