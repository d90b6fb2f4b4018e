// Package timerpuller is the scheduler-triggered entry point: it refreshes
// the Strava token, fetches one batch of activities, and stages the verbatim
// response body in the raw-batch bucket for the blob loader to pick up.
package timerpuller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/cloudevents/sdk-go/v2/event"

	"github.com/fitstash/ingest/pkg/bootstrap"
	"github.com/fitstash/ingest/pkg/framework"
	"github.com/fitstash/ingest/pkg/pipeline"
	"github.com/fitstash/ingest/pkg/strava"
)

var (
	svc     *bootstrap.Service
	svcOnce sync.Once
	svcErr  error
)

func init() {
	functions.CloudEvent("PullActivities", PullActivities)
}

func initService(ctx context.Context) (*bootstrap.Service, error) {
	if svc != nil {
		return svc, nil
	}
	svcOnce.Do(func() {
		baseSvc, err := bootstrap.NewService(ctx, "timer-puller")
		if err != nil {
			slog.Error("Failed to initialize service", "error", err)
			svcErr = err
			return
		}
		svc = baseSvc
	})
	return svc, svcErr
}

// PullActivities is the entry point, invoked by Cloud Scheduler.
func PullActivities(ctx context.Context, e event.Event) error {
	svc, err := initService(ctx)
	if err != nil {
		return fmt.Errorf("service init failed: %v", err)
	}
	return framework.WrapCloudEvent("timer-puller", svc, pullHandler(nil))(ctx, e)
}

// pullHandler contains the business logic.
// source can be injected for testing; if nil, the real Strava client is used.
func pullHandler(source pipeline.ActivitySource) framework.HandlerFunc {
	return func(ctx context.Context, e event.Event, fwCtx *framework.Context) (*pipeline.Result, error) {
		cfg := fwCtx.Service.Config
		if source == nil {
			source = strava.NewClient(strava.Credentials{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				RefreshToken: cfg.RefreshToken,
			}, strava.BaseURL)
		}

		fwCtx.Logger.Info("Starting timed activity pull", "bucket", cfg.BlobBucket)

		p := &pipeline.Pipeline{
			Source: source,
			Store:  fwCtx.Service.Store,
			Blobs:  fwCtx.Service.Blobs,
			Pub:    fwCtx.Service.Pub,
			Logger: fwCtx.Logger,
			Bucket: cfg.BlobBucket,
		}
		return p.PullToBlob(ctx)
	}
}
