package shared

import (
	"context"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"

	"github.com/fitstash/ingest/pkg/activity"
)

// --- Persistence Interfaces ---

type ActivityStore interface {
	// UpsertActivity inserts the row or overwrites the existing row with the
	// same wid, as one atomic statement.
	UpsertActivity(ctx context.Context, row *activity.Row) error
	InsertRun(ctx context.Context, run *RunRecord) error
	Close()
}

// RunRecord summarizes one pipeline invocation for the ingest_runs table.
// It is the durable form of the per-run result every entry point returns.
type RunRecord struct {
	RunID       string
	Service     string
	TriggerType string
	Status      string
	Fetched     int
	Upserted    int
	Failed      int
	FailedIDs   []string
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// --- Storage Interfaces ---

type BlobStore interface {
	// EnsureBucket creates the bucket if needed; an already-existing bucket
	// is success, not an error.
	EnsureBucket(ctx context.Context, bucket string) error
	Write(ctx context.Context, bucket, object string, data []byte, contentType string) error
	Read(ctx context.Context, bucket, object string) ([]byte, error)
}

// --- Messaging Interfaces ---

type Publisher interface {
	PublishCloudEvent(ctx context.Context, topic string, e event.Event) (string, error)
}

// PubSubMessage mirrors the envelope Eventarc wraps Pub/Sub-delivered
// events in. Data is base64-decoded by encoding/json.
type PubSubMessage struct {
	Message struct {
		Data       []byte            `json:"data"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}
