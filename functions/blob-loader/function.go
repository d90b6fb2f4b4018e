// Package blobloader is the storage-triggered entry point: when a staged
// batch object lands in the bucket, it reads the object, projects each
// record, and upserts the rows.
package blobloader

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/cloudevents/sdk-go/v2/event"

	shared "github.com/fitstash/ingest/pkg"
	"github.com/fitstash/ingest/pkg/bootstrap"
	"github.com/fitstash/ingest/pkg/framework"
	"github.com/fitstash/ingest/pkg/pipeline"
)

var (
	svc     *bootstrap.Service
	svcOnce sync.Once
	svcErr  error
)

func init() {
	functions.CloudEvent("LoadStagedBatch", LoadStagedBatch)
}

func initService(ctx context.Context) (*bootstrap.Service, error) {
	if svc != nil {
		return svc, nil
	}
	svcOnce.Do(func() {
		baseSvc, err := bootstrap.NewService(ctx, "blob-loader")
		if err != nil {
			slog.Error("Failed to initialize service", "error", err)
			svcErr = err
			return
		}
		svc = baseSvc
	})
	return svc, svcErr
}

// LoadStagedBatch is the entry point, invoked on object finalize.
func LoadStagedBatch(ctx context.Context, e event.Event) error {
	svc, err := initService(ctx)
	if err != nil {
		return fmt.Errorf("service init failed: %v", err)
	}
	return framework.WrapCloudEvent("blob-loader", svc, loadHandler)(ctx, e)
}

// storageObject is the slice of the event payload we need.
type storageObject struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
	Size   string `json:"size"`
}

// loadHandler contains the business logic.
func loadHandler(ctx context.Context, e event.Event, fwCtx *framework.Context) (*pipeline.Result, error) {
	obj, err := objectFromEvent(e)
	if err != nil {
		return nil, err
	}

	fwCtx.Logger.Info("Loading staged batch", "bucket", obj.Bucket, "object", obj.Name, "size", obj.Size)

	data, err := fwCtx.Service.Blobs.Read(ctx, obj.Bucket, obj.Name)
	if err != nil {
		return nil, &pipeline.StorageError{Object: obj.Name, Err: err}
	}

	p := &pipeline.Pipeline{
		Store:  fwCtx.Service.Store,
		Blobs:  fwCtx.Service.Blobs,
		Logger: fwCtx.Logger,
	}
	res, err := p.LoadBatch(ctx, data)
	if res != nil {
		res.Blob = obj.Name
	}
	return res, err
}

// objectFromEvent extracts the bucket/object reference from either shape the
// platform delivers: a direct Eventarc storage payload, a Pub/Sub-wrapped
// GCS notification, or our own staged-batch event.
func objectFromEvent(e event.Event) (*storageObject, error) {
	var obj storageObject
	if err := e.DataAs(&obj); err == nil && obj.Bucket != "" && obj.Name != "" {
		return &obj, nil
	}

	var msg shared.PubSubMessage
	if err := e.DataAs(&msg); err == nil {
		if len(msg.Message.Data) > 0 {
			if err := json.Unmarshal(msg.Message.Data, &obj); err == nil && obj.Bucket != "" && obj.Name != "" {
				return &obj, nil
			}
		}
		if b, n := msg.Message.Attributes["bucketId"], msg.Message.Attributes["objectId"]; b != "" && n != "" {
			return &storageObject{Bucket: b, Name: n}, nil
		}
	}

	return nil, fmt.Errorf("event %q carries no storage object reference", e.Type())
}
