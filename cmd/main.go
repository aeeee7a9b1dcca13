package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/devicebridge/internal/archive"
	"github.com/yungbote/devicebridge/internal/clients/gcs"
	"github.com/yungbote/devicebridge/internal/clients/rediscache"
	"github.com/yungbote/devicebridge/internal/data/db"
	"github.com/yungbote/devicebridge/internal/data/repos/records"
	"github.com/yungbote/devicebridge/internal/harvest"
	"github.com/yungbote/devicebridge/internal/identity"
	"github.com/yungbote/devicebridge/internal/inventory"
	"github.com/yungbote/devicebridge/internal/observability"
	"github.com/yungbote/devicebridge/internal/pipeline"
	"github.com/yungbote/devicebridge/internal/pkg/logger"
	"github.com/yungbote/devicebridge/internal/registry"
	"github.com/yungbote/devicebridge/internal/utils"
)

// main runs one batch pass over every configured device platform. The
// binary is cron-driven; there is no internal scheduler.
func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	if shutdown := observability.InitTracing(ctx, log, observability.TracingConfig{
		ServiceName: "devicebridge",
		Environment: os.Getenv("DEPLOY_ENV"),
		Version:     os.Getenv("SERVICE_VERSION"),
	}); shutdown != nil {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				log.Warn("otel shutdown failed", "error", err)
			}
		}()
	}

	// Env
	log.Info("Loading environment variables from main...")
	storageRoot := utils.GetEnv("STORAGE_ROOT", "storage", log)
	uploadRoot := utils.GetEnv("UPLOAD_ROOT", "upload", log)
	credentialsPath := utils.GetEnv("VENDOR_CREDENTIALS_FILE", "credentials.yaml", log)
	harvestDays := utils.GetEnvAsInt("HARVEST_DAYS", 8, log)
	backfillDays := utils.GetEnvAsInt("BACKFILL_TOTAL_DAYS", 0, log)
	backfillWindow := utils.GetEnvAsInt("BACKFILL_WINDOW_DAYS", 50, log)
	placeholderAccounts := []string{utils.GetEnv("PLACEHOLDER_ACCOUNT_MARKER", "@gmail.", log)}

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Fatal("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	recordRepo := records.NewRecordRepo(thePG, log)

	// Reference systems
	log.Info("Setting up reference system clients from main...")
	cache, err := rediscache.New(log)
	if err != nil {
		log.Warn("Redis cache unavailable, continuing without it", "error", err)
		cache = nil
	}
	registryClient, err := registry.NewClient(log)
	if err != nil {
		log.Fatal("Could not init registry client", "error", err)
	}
	inventoryClient, err := inventory.NewClient(log, cache)
	if err != nil {
		log.Fatal("Could not init inventory client", "error", err)
	}
	engine := identity.NewEngine(log, inventoryClient,
		registry.NewResolver(registryClient),
		inventory.NewResolver(inventoryClient),
		placeholderAccounts)

	archiveClient, err := archive.NewClient(log)
	if err != nil {
		log.Fatal("Could not init archive client", "error", err)
	}

	// Harvesters
	log.Info("Setting up harvesters from main...")
	creds, err := harvest.LoadCredentials(credentialsPath)
	if err != nil {
		log.Fatal("Could not load vendor credentials", "error", err)
	}
	var harvesters []harvest.Harvester
	if len(creds.Sleepband) > 0 {
		h, err := harvest.NewSleepband(log, creds.Sleepband)
		if err != nil {
			log.Fatal("Could not init sleepband harvester", "error", err)
		}
		harvesters = append(harvesters, h)
	}
	if creds.Patch.Username != "" {
		h, err := harvest.NewPatch(log, creds.Patch)
		if err != nil {
			log.Fatal("Could not init patch harvester", "error", err)
		}
		harvesters = append(harvesters, h)
	}
	if os.Getenv("VTT_GCS_BUCKET_NAME") != "" {
		bucket, err := gcs.NewBucketService(ctx, log)
		if err != nil {
			log.Fatal("Could not init dump bucket client", "error", err)
		}
		h, err := harvest.NewStressapp(log, bucket, registryClient)
		if err != nil {
			log.Fatal("Could not init stressapp harvester", "error", err)
		}
		harvesters = append(harvesters, h)
	}
	if len(creds.Cogtest) > 0 {
		h, err := harvest.NewCogtest(log, creds.Cogtest)
		if err != nil {
			log.Fatal("Could not init cogtest harvester", "error", err)
		}
		harvesters = append(harvesters, h)
	}
	if len(harvesters) == 0 {
		log.Fatal("No harvesters configured")
	}

	// Windows: one recent window normally, a backfill ladder on demand.
	now := time.Now().UTC()
	windows := []pipeline.Window{{From: now.AddDate(0, 0, -harvestDays), To: now}}
	if backfillDays > 0 {
		windows = pipeline.BackfillWindows(now, backfillDays, backfillWindow, 1)
		log.Info("Backfill requested", "total_days", backfillDays, "windows", len(windows))
	}

	// One pipeline per platform, platforms in parallel, windows in order.
	// A failing platform never cancels its siblings; their data still
	// moves.
	var g errgroup.Group
	for _, h := range harvesters {
		pipe := pipeline.New(log, recordRepo, h, engine, archiveClient, storageRoot, uploadRoot)
		dt := h.DeviceType()
		g.Go(func() error {
			for _, w := range windows {
				if err := pipe.Run(ctx, w.From, w.To); err != nil {
					return fmt.Errorf("platform %s: %w", dt, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Error("Batch run failed", "error", err)
		os.Exit(1)
	}
	log.Info("Batch run complete", "platforms", len(harvesters), "windows", len(windows))
}
