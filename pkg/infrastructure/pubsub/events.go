package pubsub

import (
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	shared "github.com/fitstash/ingest/pkg"
)

// StagedBatchData is the payload of the event published after a raw batch
// lands in the staging bucket.
type StagedBatchData struct {
	Bucket  string `json:"bucket"`
	Name    string `json:"name"`
	Records int    `json:"records"`
}

// NewStagedBatchEvent creates the CloudEvent announcing a staged batch.
func NewStagedBatchEvent(bucket, name string, records int) (cloudevents.Event, error) {
	e := cloudevents.NewEvent()
	e.SetSpecVersion("1.0")
	e.SetID(uuid.NewString())
	e.SetType(shared.EventTypeStagedBatch)
	e.SetSource("timer-puller")

	if err := e.SetData(cloudevents.ApplicationJSON, StagedBatchData{
		Bucket:  bucket,
		Name:    name,
		Records: records,
	}); err != nil {
		return e, err
	}
	return e, nil
}
