// Package database persists projected activity rows and run summaries in
// Postgres.
package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	shared "github.com/fitstash/ingest/pkg"
	"github.com/fitstash/ingest/pkg/activity"
)

// PostgresAdapter implements shared.ActivityStore on a pgx pool.
type PostgresAdapter struct {
	Pool *pgxpool.Pool
}

func NewPostgresAdapter(pool *pgxpool.Pool) *PostgresAdapter {
	return &PostgresAdapter{Pool: pool}
}

// EnsureSchema applies the declared schema. Idempotent.
func (a *PostgresAdapter) EnsureSchema(ctx context.Context) error {
	if _, err := a.Pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// UpsertActivity merges one row by wid in a single statement, so overlapping
// ingestion of the same activity converges instead of duplicating. Each call
// commits on its own; there is no batching across rows.
func (a *PostgresAdapter) UpsertActivity(ctx context.Context, row *activity.Row) error {
	const stmt = `INSERT INTO strava_activities
        (wid, name, distance, moving_time, elapsed_time, average_speed, average_heartrate, start_date)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (wid) DO UPDATE SET
            name = EXCLUDED.name,
            distance = EXCLUDED.distance,
            moving_time = EXCLUDED.moving_time,
            elapsed_time = EXCLUDED.elapsed_time,
            average_speed = EXCLUDED.average_speed,
            average_heartrate = EXCLUDED.average_heartrate,
            start_date = EXCLUDED.start_date`

	_, err := a.Pool.Exec(ctx, stmt,
		asBigint(row.WID),
		row.Name,
		row.Distance,
		asBigint(row.MovingTime),
		asBigint(row.ElapsedTime),
		row.AverageSpeed,
		row.AverageHeartrate,
		row.StartDate,
	)
	return err
}

// InsertRun records one invocation summary.
func (a *PostgresAdapter) InsertRun(ctx context.Context, run *shared.RunRecord) error {
	var failedIDs any
	if len(run.FailedIDs) > 0 {
		data, err := json.Marshal(run.FailedIDs)
		if err != nil {
			return err
		}
		failedIDs = data
	}

	const stmt = `INSERT INTO ingest_runs
        (run_id, service, trigger_type, status, fetched, upserted, failed, failed_ids, error, started_at, finished_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	_, err := a.Pool.Exec(ctx, stmt,
		run.RunID,
		run.Service,
		run.TriggerType,
		run.Status,
		run.Fetched,
		run.Upserted,
		run.Failed,
		failedIDs,
		nullIfEmpty(run.Error),
		run.StartedAt,
		run.FinishedAt,
	)
	return err
}

func (a *PostgresAdapter) Close() {
	a.Pool.Close()
}

// asBigint converts integral JSON numbers (always float64 after decoding)
// for BIGINT columns. Anything else passes through untouched; a genuinely
// corrupt value is the database's call to reject, not ours.
func asBigint(v any) any {
	f, ok := v.(float64)
	if !ok {
		return v
	}
	if f == float64(int64(f)) {
		return int64(f)
	}
	return v
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
