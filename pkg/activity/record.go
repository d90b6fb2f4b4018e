// Package activity holds the Strava activity record projection, the one
// piece of domain logic every entry point shares.
package activity

import "time"

// Record is one upstream activity entry exactly as decoded from the Strava
// API response. The upstream owns the shape; we only ever read eight keys.
type Record map[string]any

// Row is the projected form of a Record, one row per workout id.
// Fields stay untyped on purpose: values pass through exactly as JSON
// decoding produced them, and a missing key becomes a NULL column. Callers
// ingest partial data by design, so there is no validation here.
type Row struct {
	WID              any
	Name             any
	Distance         any
	MovingTime       any
	ElapsedTime      any
	AverageSpeed     any
	AverageHeartrate any
	StartDate        any
}

// Project maps a record to its row shape. It is total: any record, including
// an empty one, yields a row. Keys beyond the eight consumed here are ignored.
func Project(rec Record) *Row {
	return &Row{
		WID:              rec["id"],
		Name:             rec["name"],
		Distance:         rec["distance"],
		MovingTime:       rec["moving_time"],
		ElapsedTime:      rec["elapsed_time"],
		AverageSpeed:     rec["average_speed"],
		AverageHeartrate: rec["average_heartrate"],
		StartDate:        rec["start_date"],
	}
}

// BlobName returns the staging object name for a batch fetched at t:
// "ST" + UTC DD_MM_YYYY_HH_MM_SS + ".json". Two invocations within the same
// second collide; the upload overwrites, which is acceptable for staging.
func BlobName(t time.Time) string {
	return "ST" + t.UTC().Format("02_01_2006_15_04_05") + ".json"
}
