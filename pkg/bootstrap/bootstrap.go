// Package bootstrap wires configuration, logging, and the infrastructure
// adapters every entry point shares. Connections are constructed here and
// passed down explicitly; nothing is initialized at package load.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"

	shared "github.com/fitstash/ingest/pkg"
	"github.com/fitstash/ingest/pkg/infrastructure/database"
	infrapubsub "github.com/fitstash/ingest/pkg/infrastructure/pubsub"
	infrasentry "github.com/fitstash/ingest/pkg/infrastructure/sentry"
	infrastorage "github.com/fitstash/ingest/pkg/infrastructure/storage"
)

// Config holds standard configuration for all entry points.
type Config struct {
	ProjectID string

	// Relational store
	Server   string
	Database string
	User     string
	Password string

	// Strava credentials
	ClientID     string
	ClientSecret string
	RefreshToken string

	BlobBucket    string
	Debug         bool
	EnablePublish bool
	SentryDSN     string
}

// LoadConfig resolves configuration from the process environment. When a
// local .env file exists its values take precedence, matching how the
// deployables behave during local development.
func LoadConfig() *Config {
	v := viper.New()
	v.AutomaticEnv()

	file := viper.New()
	file.SetConfigFile(".env")
	file.SetConfigType("env")
	if err := file.ReadInConfig(); err == nil {
		slog.Info("Local .env found, overlaying process environment")
		for key, value := range file.AllSettings() {
			v.Set(key, value)
		}
	}

	projectID := v.GetString("GOOGLE_CLOUD_PROJECT")
	if projectID == "" {
		projectID = shared.ProjectID // Fallback
	}

	bucket := v.GetString("BLOB_BUCKET")
	if bucket == "" {
		bucket = shared.DefaultBlobBucket
	}

	return &Config{
		ProjectID:     projectID,
		Server:        v.GetString("SERVER"),
		Database:      v.GetString("DB"),
		User:          v.GetString("USR"),
		Password:      v.GetString("PWD"),
		ClientID:      v.GetString("CLIENT_ID"),
		ClientSecret:  v.GetString("CLIENT_SECRET"),
		RefreshToken:  v.GetString("REFRESH_TOKEN"),
		BlobBucket:    bucket,
		Debug:         v.GetBool("DEBUG"),
		EnablePublish: v.GetString("ENABLE_PUBLISH") == "true",
		SentryDSN:     v.GetString("SENTRY_DSN"),
	}
}

// PostgresDSN assembles the connection string from the individual keys.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:5432/%s",
		url.QueryEscape(c.User), url.QueryEscape(c.Password), c.Server, c.Database)
}

// GetSlogHandlerOptions returns standard handler options for GCP
func GetSlogHandlerOptions(level slog.Level) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Map standard keys to Cloud Logging keys
			if a.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: a.Value}
			}
			if a.Key == slog.LevelKey {
				return slog.Attr{Key: "severity", Value: a.Value}
			}
			return a
		},
	}
}

// ComponentHandler wraps a slog.Handler to prepend [component] to the message
type ComponentHandler struct {
	slog.Handler
	component string
}

// WithGroup implements slog.Handler
func (h *ComponentHandler) WithGroup(name string) slog.Handler {
	return &ComponentHandler{
		Handler:   h.Handler.WithGroup(name),
		component: h.component,
	}
}

// WithAttrs implements slog.Handler
func (h *ComponentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newComp := h.component
	for _, a := range attrs {
		if a.Key == "component" {
			newComp = a.Value.String()
		}
	}
	return &ComponentHandler{
		Handler:   h.Handler.WithAttrs(attrs),
		component: newComp,
	}
}

// Handle implements slog.Handler
func (h *ComponentHandler) Handle(ctx context.Context, r slog.Record) error {
	comp := h.component
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			comp = a.Value.String()
			return false
		}
		return true
	})

	if comp != "" {
		newRecord := slog.NewRecord(r.Time, r.Level, fmt.Sprintf("[%s] %s", comp, r.Message), r.PC)
		r.Attrs(func(a slog.Attr) bool {
			newRecord.AddAttrs(a)
			return true
		})
		r = newRecord
	}

	return h.Handler.Handle(ctx, r)
}

// NewLogger creates a configured logger instance, level taken from LOG_LEVEL.
func NewLogger(serviceName string) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := GetSlogHandlerOptions(level)
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(&ComponentHandler{Handler: handler}).With("service", serviceName)
}

// Service holds initialized dependencies
type Service struct {
	Store  shared.ActivityStore
	Blobs  shared.BlobStore
	Pub    shared.Publisher
	Config *Config
	Logger *slog.Logger

	gcsClient *gcs.Client
}

// NewService initializes all standard dependencies.
func NewService(ctx context.Context, serviceName string) (*Service, error) {
	cfg := LoadConfig()
	logger := NewLogger(serviceName)
	slog.SetDefault(logger)

	logger.Info("Initializing service", "project_id", cfg.ProjectID, "debug", cfg.Debug)

	if err := infrasentry.Init(infrasentry.Config{
		DSN:         cfg.SentryDSN,
		Environment: environmentName(cfg.Debug),
		ServerName:  serviceName,
	}, logger); err != nil {
		logger.Error("Sentry init failed", "error", err)
		return nil, err
	}

	// Debug mode targets the storage emulator only. Refusing to start without
	// it is what keeps this path off production endpoints.
	if cfg.Debug && os.Getenv("STORAGE_EMULATOR_HOST") == "" {
		return nil, fmt.Errorf("debug mode requires STORAGE_EMULATOR_HOST")
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN())
	if err != nil {
		logger.Error("Postgres init failed", "error", err)
		return nil, fmt.Errorf("postgres init: %w", err)
	}

	gcsClient, err := gcs.NewClient(ctx)
	if err != nil {
		logger.Error("Storage init failed", "error", err)
		pool.Close()
		return nil, fmt.Errorf("storage init: %w", err)
	}

	var pub shared.Publisher
	if cfg.EnablePublish {
		psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			logger.Error("PubSub init failed", "error", err)
			pool.Close()
			gcsClient.Close()
			return nil, fmt.Errorf("pubsub init: %w", err)
		}
		pub = &infrapubsub.PubSubAdapter{Client: psClient}
		logger.Info("Pub/Sub: REAL (ENABLE_PUBLISH=true)")
	} else {
		pub = &infrapubsub.LogPublisher{}
		logger.Info("Pub/Sub: MOCK (LogPublisher)")
	}

	return &Service{
		Store:     database.NewPostgresAdapter(pool),
		Blobs:     &infrastorage.StorageAdapter{Client: gcsClient, ProjectID: cfg.ProjectID},
		Pub:       pub,
		Config:    cfg,
		Logger:    logger,
		gcsClient: gcsClient,
	}, nil
}

// Close releases the connections the service owns.
func (s *Service) Close() {
	if s.Store != nil {
		s.Store.Close()
	}
	if s.gcsClient != nil {
		s.gcsClient.Close()
	}
}

func environmentName(debug bool) string {
	if debug {
		return "development"
	}
	return "production"
}
