// Package pipeline orchestrates the three ingestion flows over the boundary
// interfaces: pull-to-store, pull-to-blob, and load-batch. One invocation
// handles one batch end to end, synchronously.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	shared "github.com/fitstash/ingest/pkg"
	"github.com/fitstash/ingest/pkg/activity"
	infrapubsub "github.com/fitstash/ingest/pkg/infrastructure/pubsub"
	"github.com/fitstash/ingest/pkg/strava"
)

// ContentTypeJSON is the content type for staged batches.
const ContentTypeJSON = "application/json"

// StorageError wraps a failed persistence write, blob or row.
type StorageError struct {
	WID    any    // set for row upserts
	Object string // set for blob writes
	Err    error
}

func (e *StorageError) Error() string {
	if e.Object != "" {
		return fmt.Sprintf("storage: write blob %s: %v", e.Object, e.Err)
	}
	return fmt.Sprintf("storage: upsert wid %v: %v", e.WID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ActivitySource is the upstream boundary; satisfied by *strava.Client.
type ActivitySource interface {
	RefreshToken(ctx context.Context) (string, error)
	FetchActivities(ctx context.Context, token string, page, perPage int) (*strava.Batch, error)
}

// Result is the structured outcome of one invocation. Trigger-driven entry
// points have nobody watching logs in real time, so counts and failed ids
// are returned (and persisted as a run record) rather than only logged.
type Result struct {
	Fetched   int      `json:"fetched"`
	Upserted  int      `json:"upserted"`
	Failed    int      `json:"failed"`
	FailedIDs []string `json:"failed_ids,omitempty"`
	Pages     int      `json:"pages,omitempty"`
	Blob      string   `json:"blob,omitempty"`
}

// Pipeline holds the collaborators for a single invocation. Construct it
// explicitly and pass it down; there is no process-wide instance.
type Pipeline struct {
	Source ActivitySource
	Store  shared.ActivityStore
	Blobs  shared.BlobStore
	Pub    shared.Publisher
	Logger *slog.Logger

	Bucket  string
	PerPage int

	// Now is overridable for deterministic blob names in tests.
	Now func() time.Time
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) perPage() int {
	if p.PerPage > 0 {
		return p.PerPage
	}
	return strava.DefaultPerPage
}

// PullToStore refreshes the token, walks the activities pages, and upserts
// every record. Auth and fetch failures are terminal; row failures are not
// (continue-on-error, collected in the result).
func (p *Pipeline) PullToStore(ctx context.Context) (*Result, error) {
	token, err := p.Source.RefreshToken(ctx)
	if err != nil {
		p.Logger.Error("Could not refresh token", "error", err)
		return nil, err
	}
	p.Logger.Info("Token refreshed")

	res := &Result{}
	perPage := p.perPage()
	for page := 1; ; page++ {
		batch, err := p.Source.FetchActivities(ctx, token, page, perPage)
		if err != nil {
			p.Logger.Error("Could not retrieve activities", "page", page, "error", err)
			if page == 1 {
				return nil, err
			}
			// A later page failing still loses the remainder of the batch;
			// the committed prefix stays, and the partial result says so.
			return res, err
		}
		res.Pages++
		res.Fetched += len(batch.Records)
		p.ingest(ctx, batch.Records, res)
		if len(batch.Records) < perPage {
			break
		}
	}

	p.Logger.Info("Pull complete", "fetched", res.Fetched, "upserted", res.Upserted, "failed", res.Failed)
	return res, nil
}

// PullToBlob refreshes the token, fetches one batch with upstream-default
// paging, and stages the verbatim response body under a timestamp-derived
// name. A publish failure does not fail the staging run.
func (p *Pipeline) PullToBlob(ctx context.Context) (*Result, error) {
	token, err := p.Source.RefreshToken(ctx)
	if err != nil {
		p.Logger.Error("Could not refresh token", "error", err)
		return nil, err
	}

	batch, err := p.Source.FetchActivities(ctx, token, 0, 0)
	if err != nil {
		p.Logger.Error("Could not retrieve activities", "error", err)
		return nil, err
	}
	p.Logger.Info("Activities obtained", "count", len(batch.Records))

	name := activity.BlobName(p.now())
	if err := p.Blobs.EnsureBucket(ctx, p.Bucket); err != nil {
		return nil, &StorageError{Object: name, Err: fmt.Errorf("ensure bucket %s: %w", p.Bucket, err)}
	}
	if err := p.Blobs.Write(ctx, p.Bucket, name, batch.Raw, ContentTypeJSON); err != nil {
		return nil, &StorageError{Object: name, Err: err}
	}

	res := &Result{Fetched: len(batch.Records), Blob: name}
	if p.Pub != nil {
		e, err := infrapubsub.NewStagedBatchEvent(p.Bucket, name, len(batch.Records))
		if err == nil {
			_, err = p.Pub.PublishCloudEvent(ctx, shared.TopicStagedBatch, e)
		}
		if err != nil {
			p.Logger.Warn("Staged-batch event not published", "blob", name, "error", err)
		}
	}

	p.Logger.Info("Batch staged", "bucket", p.Bucket, "blob", name, "bytes", len(batch.Raw))
	return res, nil
}

// LoadBatch parses a staged batch and upserts every record with the same
// continue-on-error policy as PullToStore.
func (p *Pipeline) LoadBatch(ctx context.Context, data []byte) (*Result, error) {
	var records []activity.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode staged batch: %w", err)
	}

	res := &Result{Fetched: len(records)}
	p.ingest(ctx, records, res)
	p.Logger.Info("Batch loaded", "fetched", res.Fetched, "upserted", res.Upserted, "failed", res.Failed)
	return res, nil
}

// ingest projects and upserts each record, committing row by row. A failed
// row is counted and skipped; the rest of the batch still processes.
func (p *Pipeline) ingest(ctx context.Context, records []activity.Record, res *Result) {
	for _, rec := range records {
		row := activity.Project(rec)
		p.Logger.Debug("Projected activity",
			"wid", row.WID,
			"name", row.Name,
			"distance", row.Distance,
			"moving_time", row.MovingTime,
			"elapsed_time", row.ElapsedTime,
			"average_speed", row.AverageSpeed,
			"average_heartrate", row.AverageHeartrate,
			"start_date", row.StartDate,
		)

		if err := p.Store.UpsertActivity(ctx, row); err != nil {
			serr := &StorageError{WID: row.WID, Err: err}
			p.Logger.Error("Row not persisted", "wid", row.WID, "error", serr)
			res.Failed++
			res.FailedIDs = append(res.FailedIDs, fmt.Sprint(row.WID))
			continue
		}
		res.Upserted++
	}
}
