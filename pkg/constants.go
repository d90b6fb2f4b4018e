package shared

const (
	ProjectID = "fitstash-project" // Can be overridden by GOOGLE_CLOUD_PROJECT

	// DefaultBlobBucket stages raw activity batches between the timer puller
	// and the blob loader.
	DefaultBlobBucket = "fitstash-raw-batches"

	TopicStagedBatch = "topic-staged-batch"

	EventTypeStagedBatch = "com.fitstash.ingest.batch.staged"

	TableActivities = "strava_activities"
	TableRuns       = "ingest_runs"
)
