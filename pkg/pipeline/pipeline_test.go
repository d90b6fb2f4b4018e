package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shared "github.com/fitstash/ingest/pkg"
	"github.com/fitstash/ingest/pkg/activity"
	"github.com/fitstash/ingest/pkg/strava"
)

// --- Fakes ---

type fakeSource struct {
	refreshErr error
	fetchErr   error
	pages      [][]activity.Record
	raw        []byte

	refreshCalls int
	fetchCalls   int
}

func (s *fakeSource) RefreshToken(ctx context.Context) (string, error) {
	s.refreshCalls++
	if s.refreshErr != nil {
		return "", s.refreshErr
	}
	return "tok-123", nil
}

func (s *fakeSource) FetchActivities(ctx context.Context, token string, page, perPage int) (*strava.Batch, error) {
	s.fetchCalls++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var records []activity.Record
	if page <= 0 {
		if len(s.pages) > 0 {
			records = s.pages[0]
		}
	} else if page <= len(s.pages) {
		records = s.pages[page-1]
	}
	raw := s.raw
	if raw == nil {
		raw, _ = json.Marshal(records)
	}
	return &strava.Batch{Raw: raw, Records: records}, nil
}

type fakeStore struct {
	rows     map[string]*activity.Row
	failWIDs map[string]bool
	runs     []*shared.RunRecord
	upserts  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[string]*activity.Row{}, failWIDs: map[string]bool{}}
}

func (s *fakeStore) UpsertActivity(ctx context.Context, row *activity.Row) error {
	s.upserts++
	key := fmt.Sprint(row.WID)
	if s.failWIDs[key] {
		return fmt.Errorf("constraint violation")
	}
	s.rows[key] = row
	return nil
}

func (s *fakeStore) InsertRun(ctx context.Context, run *shared.RunRecord) error {
	s.runs = append(s.runs, run)
	return nil
}

func (s *fakeStore) Close() {}

type fakeBlobs struct {
	ensureCalls int
	objects     map[string][]byte
	types       map[string]string
	writeErr    error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: map[string][]byte{}, types: map[string]string{}}
}

func (b *fakeBlobs) EnsureBucket(ctx context.Context, bucket string) error {
	// Creating an existing bucket is not an error, so every call succeeds.
	b.ensureCalls++
	return nil
}

func (b *fakeBlobs) Write(ctx context.Context, bucket, object string, data []byte, contentType string) error {
	if b.writeErr != nil {
		return b.writeErr
	}
	key := bucket + "/" + object
	b.objects[key] = data
	b.types[key] = contentType
	return nil
}

func (b *fakeBlobs) Read(ctx context.Context, bucket, object string) ([]byte, error) {
	data, ok := b.objects[bucket+"/"+object]
	if !ok {
		return nil, fmt.Errorf("object not found: %s/%s", bucket, object)
	}
	return data, nil
}

type fakePublisher struct {
	events []event.Event
	topics []string
}

func (p *fakePublisher) PublishCloudEvent(ctx context.Context, topic string, e event.Event) (string, error) {
	p.topics = append(p.topics, topic)
	p.events = append(p.events, e)
	return "msg-1", nil
}

func rec(kv ...any) activity.Record {
	r := activity.Record{}
	for i := 0; i+1 < len(kv); i += 2 {
		r[kv[i].(string)] = kv[i+1]
	}
	return r
}

func newPipeline(src *fakeSource, store *fakeStore, blobs *fakeBlobs, pub shared.Publisher) *Pipeline {
	return &Pipeline{
		Source: src,
		Store:  store,
		Blobs:  blobs,
		Pub:    pub,
		Logger: slog.Default(),
		Bucket: "test-bucket",
		Now:    func() time.Time { return time.Date(2021, time.March, 5, 7, 9, 11, 0, time.UTC) },
	}
}

// --- PullToStore ---

func TestPullToStoreUpsertsEveryRecord(t *testing.T) {
	src := &fakeSource{pages: [][]activity.Record{{
		rec("id", float64(1), "name", "Ride"),
		rec("id", float64(2), "name", "Run", "distance", 5.2),
	}}}
	store := newFakeStore()
	p := newPipeline(src, store, newFakeBlobs(), nil)

	res, err := p.PullToStore(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 2, res.Upserted)
	assert.Equal(t, 0, res.Failed)
	assert.Len(t, store.rows, 2)
	assert.Equal(t, "Ride", store.rows["1"].Name)
}

func TestPullToStoreWalksPages(t *testing.T) {
	// Two full pages then a short one.
	src := &fakeSource{pages: [][]activity.Record{
		{rec("id", float64(1)), rec("id", float64(2))},
		{rec("id", float64(3)), rec("id", float64(4))},
		{rec("id", float64(5))},
	}}
	store := newFakeStore()
	p := newPipeline(src, store, newFakeBlobs(), nil)
	p.PerPage = 2

	res, err := p.PullToStore(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 5, res.Fetched)
	assert.Equal(t, 5, res.Upserted)
	assert.Len(t, store.rows, 5)
}

func TestTokenRefreshGating(t *testing.T) {
	src := &fakeSource{refreshErr: &strava.AuthError{Err: fmt.Errorf("status 401")}}
	store := newFakeStore()
	blobs := newFakeBlobs()
	p := newPipeline(src, store, blobs, nil)

	_, err := p.PullToStore(context.Background())
	var authErr *strava.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Zero(t, src.fetchCalls, "no fetch after a failed refresh")
	assert.Zero(t, store.upserts)

	_, err = p.PullToBlob(context.Background())
	require.ErrorAs(t, err, &authErr)
	assert.Zero(t, src.fetchCalls)
	assert.Empty(t, blobs.objects, "no blob write after a failed refresh")
}

func TestFetchGating(t *testing.T) {
	src := &fakeSource{fetchErr: &strava.FetchError{Err: fmt.Errorf("status 500")}}
	store := newFakeStore()
	blobs := newFakeBlobs()
	p := newPipeline(src, store, blobs, nil)

	_, err := p.PullToStore(context.Background())
	var fetchErr *strava.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Zero(t, store.upserts, "no row upsert after a failed fetch")

	_, err = p.PullToBlob(context.Background())
	require.ErrorAs(t, err, &fetchErr)
	assert.Empty(t, blobs.objects, "no blob write after a failed fetch")
}

func TestUpsertIdempotence(t *testing.T) {
	store := newFakeStore()
	p := newPipeline(&fakeSource{}, store, newFakeBlobs(), nil)

	first, _ := json.Marshal([]activity.Record{rec("id", float64(7), "name", "Morning Ride", "distance", 10.0)})
	second, _ := json.Marshal([]activity.Record{rec("id", float64(7), "name", "Renamed Ride", "distance", 12.5)})

	_, err := p.LoadBatch(context.Background(), first)
	require.NoError(t, err)
	_, err = p.LoadBatch(context.Background(), second)
	require.NoError(t, err)

	require.Len(t, store.rows, 1, "same wid twice leaves exactly one row")
	assert.Equal(t, "Renamed Ride", store.rows["7"].Name)
	assert.Equal(t, 12.5, store.rows["7"].Distance)
}

func TestUpsertInsertVsOverwriteRowCount(t *testing.T) {
	store := newFakeStore()
	p := newPipeline(&fakeSource{}, store, newFakeBlobs(), nil)

	batch := func(id float64) []byte {
		data, _ := json.Marshal([]activity.Record{rec("id", id)})
		return data
	}

	p.LoadBatch(context.Background(), batch(1))
	assert.Len(t, store.rows, 1)
	p.LoadBatch(context.Background(), batch(2))
	assert.Len(t, store.rows, 2, "new wid adds exactly one row")
	p.LoadBatch(context.Background(), batch(2))
	assert.Len(t, store.rows, 2, "existing wid leaves the count unchanged")
}

func TestContinueOnError(t *testing.T) {
	store := newFakeStore()
	store.failWIDs["13"] = true
	src := &fakeSource{pages: [][]activity.Record{{
		rec("id", float64(12)),
		rec("id", float64(13)),
		rec("id", float64(14)),
	}}}
	p := newPipeline(src, store, newFakeBlobs(), nil)

	res, err := p.PullToStore(context.Background())

	require.NoError(t, err, "a poisoned row fails the row, not the run")
	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, 2, res.Upserted)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []string{"13"}, res.FailedIDs)
	assert.Len(t, store.rows, 2, "rows after the failure still land")
}

func TestProjectionToleratesMalformedRecords(t *testing.T) {
	store := newFakeStore()
	p := newPipeline(&fakeSource{}, store, newFakeBlobs(), nil)

	data := []byte(`[{}, {"unrelated": true}]`)
	res, err := p.LoadBatch(context.Background(), data)

	require.NoError(t, err)
	assert.Equal(t, 2, res.Upserted, "empty records upsert as all-NULL rows")
	row := store.rows["<nil>"]
	require.NotNil(t, row)
	assert.Nil(t, row.Name)
}

// --- PullToBlob ---

func TestPullToBlobStagesVerbatimBody(t *testing.T) {
	raw := []byte(`[{"id": 1, "name": "Ride", "extra": {"nested": true}}]`)
	src := &fakeSource{raw: raw, pages: [][]activity.Record{{rec("id", float64(1))}}}
	blobs := newFakeBlobs()
	pub := &fakePublisher{}
	store := newFakeStore()
	p := newPipeline(src, store, blobs, pub)

	res, err := p.PullToBlob(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "ST05_03_2021_07_09_11.json", res.Blob)
	key := "test-bucket/" + res.Blob
	assert.Equal(t, raw, blobs.objects[key], "staged payload is the verbatim response body")
	assert.Equal(t, ContentTypeJSON, blobs.types[key])
	assert.Equal(t, 1, blobs.ensureCalls)
	assert.Zero(t, store.upserts, "staging writes no rows")

	require.Len(t, pub.events, 1)
	assert.Equal(t, []string{shared.TopicStagedBatch}, pub.topics)
	var payload struct {
		Bucket string `json:"bucket"`
		Name   string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(pub.events[0].Data(), &payload))
	assert.Equal(t, "test-bucket", payload.Bucket)
	assert.Equal(t, res.Blob, payload.Name)
}

func TestPullToBlobTwiceEnsuresBucketBothTimes(t *testing.T) {
	src := &fakeSource{pages: [][]activity.Record{{rec("id", float64(1))}}}
	blobs := newFakeBlobs()
	p := newPipeline(src, newFakeStore(), blobs, nil)

	_, err := p.PullToBlob(context.Background())
	require.NoError(t, err)
	_, err = p.PullToBlob(context.Background())
	require.NoError(t, err, "second ensure against an existing bucket is not an error")
	assert.Equal(t, 2, blobs.ensureCalls)
}

func TestPullToBlobWriteFailureIsStorageError(t *testing.T) {
	src := &fakeSource{pages: [][]activity.Record{{rec("id", float64(1))}}}
	blobs := newFakeBlobs()
	blobs.writeErr = fmt.Errorf("unreachable")
	p := newPipeline(src, newFakeStore(), blobs, nil)

	_, err := p.PullToBlob(context.Background())

	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "ST05_03_2021_07_09_11.json", serr.Object)
}

// --- LoadBatch ---

func TestLoadBatchRejectsMalformedJSON(t *testing.T) {
	p := newPipeline(&fakeSource{}, newFakeStore(), newFakeBlobs(), nil)

	_, err := p.LoadBatch(context.Background(), []byte(`{"not": "an array"`))
	require.Error(t, err)
}

func TestLoadBatchRoundTripFromStagedBlob(t *testing.T) {
	// Stage with one pipeline, load with another, as the two functions do.
	raw := []byte(`[{"id": 21, "name": "Swim", "moving_time": 1800}]`)
	src := &fakeSource{raw: raw, pages: [][]activity.Record{{rec("id", float64(21))}}}
	blobs := newFakeBlobs()
	stager := newPipeline(src, newFakeStore(), blobs, nil)

	staged, err := stager.PullToBlob(context.Background())
	require.NoError(t, err)

	data, err := blobs.Read(context.Background(), "test-bucket", staged.Blob)
	require.NoError(t, err)

	store := newFakeStore()
	loader := newPipeline(&fakeSource{}, store, blobs, nil)
	res, err := loader.LoadBatch(context.Background(), data)

	require.NoError(t, err)
	assert.Equal(t, 1, res.Upserted)
	assert.Equal(t, "Swim", store.rows["21"].Name)
	assert.Equal(t, float64(1800), store.rows["21"].MovingTime)
}
