package framework

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shared "github.com/fitstash/ingest/pkg"
	"github.com/fitstash/ingest/pkg/activity"
	"github.com/fitstash/ingest/pkg/bootstrap"
	"github.com/fitstash/ingest/pkg/pipeline"
)

type runCapturingStore struct {
	runs []*shared.RunRecord
}

func (s *runCapturingStore) UpsertActivity(ctx context.Context, row *activity.Row) error { return nil }

func (s *runCapturingStore) InsertRun(ctx context.Context, run *shared.RunRecord) error {
	s.runs = append(s.runs, run)
	return nil
}

func (s *runCapturingStore) Close() {}

func testService(store shared.ActivityStore) *bootstrap.Service {
	return &bootstrap.Service{
		Store:  store,
		Config: &bootstrap.Config{},
		Logger: slog.Default(),
	}
}

func testEvent(eventType string) event.Event {
	e := cloudevents.NewEvent()
	e.SetSpecVersion("1.0")
	e.SetType(eventType)
	e.SetSource("test")
	return e
}

func TestWrapCloudEventRecordsSuccess(t *testing.T) {
	store := &runCapturingStore{}
	svc := testService(store)

	handler := func(ctx context.Context, e event.Event, fwCtx *Context) (*pipeline.Result, error) {
		require.NotEmpty(t, fwCtx.RunID)
		return &pipeline.Result{Fetched: 3, Upserted: 3}, nil
	}

	err := WrapCloudEvent("timer-puller", svc, handler)(context.Background(), testEvent("google.cloud.pubsub.topic.v1.messagePublished"))

	require.NoError(t, err)
	require.Len(t, store.runs, 1)
	run := store.runs[0]
	assert.Equal(t, "SUCCESS", run.Status)
	assert.Equal(t, "timer-puller", run.Service)
	assert.Equal(t, "pubsub", run.TriggerType)
	assert.Equal(t, 3, run.Fetched)
	assert.Equal(t, 3, run.Upserted)
	assert.NotEmpty(t, run.RunID)
	assert.False(t, run.FinishedAt.Before(run.StartedAt))
}

func TestWrapCloudEventRecordsFailure(t *testing.T) {
	store := &runCapturingStore{}
	svc := testService(store)

	boom := fmt.Errorf("upstream on fire")
	handler := func(ctx context.Context, e event.Event, fwCtx *Context) (*pipeline.Result, error) {
		return nil, boom
	}

	err := WrapCloudEvent("blob-loader", svc, handler)(context.Background(), testEvent("google.cloud.storage.object.v1.finalized"))

	require.ErrorIs(t, err, boom)
	require.Len(t, store.runs, 1)
	run := store.runs[0]
	assert.Equal(t, "FAILED", run.Status)
	assert.Equal(t, "storage", run.TriggerType)
	assert.Equal(t, "upstream on fire", run.Error)
}

func TestWrapCloudEventPartialStatus(t *testing.T) {
	store := &runCapturingStore{}
	svc := testService(store)

	handler := func(ctx context.Context, e event.Event, fwCtx *Context) (*pipeline.Result, error) {
		return &pipeline.Result{Fetched: 5, Upserted: 4, Failed: 1, FailedIDs: []string{"13"}}, nil
	}

	err := WrapCloudEvent("blob-loader", svc, handler)(context.Background(), testEvent("google.cloud.storage.object.v1.finalized"))

	require.NoError(t, err, "row-level failures do not fail the invocation")
	require.Len(t, store.runs, 1)
	run := store.runs[0]
	assert.Equal(t, "PARTIAL", run.Status)
	assert.Equal(t, []string{"13"}, run.FailedIDs)
}

type insertRunFailingStore struct {
	runCapturingStore
}

func (s *insertRunFailingStore) InsertRun(ctx context.Context, run *shared.RunRecord) error {
	return fmt.Errorf("runs table unreachable")
}

func TestRunRecordFailureIsNotFatal(t *testing.T) {
	svc := testService(&insertRunFailingStore{})

	handler := func(ctx context.Context, e event.Event, fwCtx *Context) (*pipeline.Result, error) {
		return &pipeline.Result{}, nil
	}

	err := WrapCloudEvent("timer-puller", svc, handler)(context.Background(), testEvent("google.cloud.pubsub.topic.v1.messagePublished"))
	assert.NoError(t, err)
}
