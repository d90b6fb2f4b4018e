// puller is the direct command-line entry point for the ingestion pipeline.
// It drives the same flows as the two cloud functions: pull straight to the
// database, stage a raw batch to the bucket, load a staged batch, or apply
// the schema.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fitstash/ingest/pkg/bootstrap"
	"github.com/fitstash/ingest/pkg/framework"
	"github.com/fitstash/ingest/pkg/pipeline"
	"github.com/fitstash/ingest/pkg/strava"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "puller",
		Short: "Pull Strava activities into blob storage and Postgres",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(runCmd(), stageCmd(), loadCmd(), migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newPipeline(svc *bootstrap.Service) *pipeline.Pipeline {
	cfg := svc.Config
	return &pipeline.Pipeline{
		Source: strava.NewClient(strava.Credentials{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RefreshToken: cfg.RefreshToken,
		}, strava.BaseURL),
		Store:  svc.Store,
		Blobs:  svc.Blobs,
		Pub:    svc.Pub,
		Logger: svc.Logger,
		Bucket: cfg.BlobBucket,
	}
}

// record persists the run summary and reports failed row ids on stderr.
func record(svc *bootstrap.Service, started time.Time, name string, res *pipeline.Result, err error) {
	ctx := context.Background()
	framework.RecordRun(ctx, svc, svc.Logger, uuid.NewString(), name, "cli", started, res, err)
	if res != nil && res.Failed > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d rows failed: %v\n", res.Failed, res.Fetched, res.FailedIDs)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Fetch activities and upsert them into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := bootstrap.NewService(ctx, "puller")
			if err != nil {
				return err
			}
			defer svc.Close()

			started := time.Now().UTC()
			res, err := newPipeline(svc).PullToStore(ctx)
			record(svc, started, "puller-run", res, err)
			return err
		},
	}
}

func stageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stage",
		Short: "Fetch activities and stage the raw batch in the bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := bootstrap.NewService(ctx, "puller")
			if err != nil {
				return err
			}
			defer svc.Close()

			started := time.Now().UTC()
			res, err := newPipeline(svc).PullToBlob(ctx)
			record(svc, started, "puller-stage", res, err)
			if err == nil {
				fmt.Println(res.Blob)
			}
			return err
		},
	}
}

func loadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <bucket> <object>",
		Short: "Load one staged batch into the database",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := bootstrap.NewService(ctx, "puller")
			if err != nil {
				return err
			}
			defer svc.Close()

			data, err := svc.Blobs.Read(ctx, args[0], args[1])
			if err != nil {
				return &pipeline.StorageError{Object: args[1], Err: err}
			}

			started := time.Now().UTC()
			res, err := newPipeline(svc).LoadBatch(ctx, data)
			record(svc, started, "puller-load", res, err)
			return err
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the declared schema to the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := bootstrap.NewService(ctx, "puller")
			if err != nil {
				return err
			}
			defer svc.Close()

			type migrator interface {
				EnsureSchema(ctx context.Context) error
			}
			m, ok := svc.Store.(migrator)
			if !ok {
				return fmt.Errorf("store does not support migration")
			}
			if err := m.EnsureSchema(ctx); err != nil {
				return err
			}
			svc.Logger.Info("Schema applied")
			return nil
		},
	}
}
