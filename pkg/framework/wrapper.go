// Package framework wraps cloud function handlers with run accounting:
// every invocation gets a run id, a scoped logger, and a persisted summary
// row, so the outcome is observable without anyone tailing logs.
package framework

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"

	shared "github.com/fitstash/ingest/pkg"
	"github.com/fitstash/ingest/pkg/bootstrap"
	infrasentry "github.com/fitstash/ingest/pkg/infrastructure/sentry"
	"github.com/fitstash/ingest/pkg/pipeline"
)

// Context carries the dependencies injected into a handler.
type Context struct {
	Service *bootstrap.Service
	Logger  *slog.Logger
	RunID   string
}

// HandlerFunc is the signature for a cloud function handler.
type HandlerFunc func(ctx context.Context, e event.Event, fwCtx *Context) (*pipeline.Result, error)

// WrapCloudEvent wraps a handler with logging, sentry capture, and run
// recording. A failure to persist the run record never fails the function.
func WrapCloudEvent(serviceName string, svc *bootstrap.Service, handler HandlerFunc) func(context.Context, event.Event) error {
	return func(ctx context.Context, e event.Event) error {
		runID := uuid.NewString()
		logger := svc.Logger.With("run_id", runID)
		started := time.Now().UTC()

		logger.Info("Function started", "event_type", e.Type())

		res, handlerErr := handler(ctx, e, &Context{
			Service: svc,
			Logger:  logger,
			RunID:   runID,
		})

		RecordRun(ctx, svc, logger, runID, serviceName, triggerType(e), started, res, handlerErr)

		if handlerErr != nil {
			logger.Error("Function failed", "error", handlerErr)
			infrasentry.CaptureException(handlerErr, map[string]interface{}{
				"service": serviceName,
				"run_id":  runID,
			}, logger)
			infrasentry.Flush(2 * time.Second)
			return handlerErr
		}

		if res == nil {
			res = &pipeline.Result{}
		}
		logger.Info("Function completed",
			"fetched", res.Fetched,
			"upserted", res.Upserted,
			"failed", res.Failed,
		)
		return nil
	}
}

// RecordRun persists one invocation summary. Shared with the CLI entry
// point, which is not event-triggered.
func RecordRun(ctx context.Context, svc *bootstrap.Service, logger *slog.Logger, runID, serviceName, trigger string, started time.Time, res *pipeline.Result, runErr error) {
	run := &shared.RunRecord{
		RunID:       runID,
		Service:     serviceName,
		TriggerType: trigger,
		Status:      "SUCCESS",
		StartedAt:   started,
		FinishedAt:  time.Now().UTC(),
	}
	if res != nil {
		run.Fetched = res.Fetched
		run.Upserted = res.Upserted
		run.Failed = res.Failed
		run.FailedIDs = res.FailedIDs
	}
	if runErr != nil {
		run.Status = "FAILED"
		run.Error = runErr.Error()
	} else if run.Failed > 0 {
		run.Status = "PARTIAL"
	}

	if err := svc.Store.InsertRun(ctx, run); err != nil {
		// Don't fail the invocation just because accounting failed.
		logger.Warn("Failed to record run", "error", err)
	}
}

func triggerType(e event.Event) string {
	switch {
	case strings.HasPrefix(e.Type(), "google.cloud.storage"):
		return "storage"
	case e.Type() == "google.cloud.functions.http":
		return "http"
	default:
		return "pubsub"
	}
}
