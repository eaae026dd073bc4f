// ContentGate server
//
// A multi-backend content storage gateway: versioned content records,
// encrypted range-capable streaming, resumable multipart uploads, and
// cross-process resource locks. This binary wires the stores together and
// runs the background reclamation sweeps.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/contentgate/contentgate/internal/config"
	"github.com/contentgate/contentgate/internal/content"
	"github.com/contentgate/contentgate/internal/database"
	"github.com/contentgate/contentgate/internal/encryption"
	"github.com/contentgate/contentgate/internal/lock"
	"github.com/contentgate/contentgate/internal/logging"
	"github.com/contentgate/contentgate/internal/metrics"
	"github.com/contentgate/contentgate/internal/process"
	"github.com/contentgate/contentgate/internal/storage/local"
	"github.com/contentgate/contentgate/internal/storage/registry"
	s3backend "github.com/contentgate/contentgate/internal/storage/s3"
	"github.com/contentgate/contentgate/internal/tasks"
	"github.com/contentgate/contentgate/internal/upload"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("ContentGate server starting...",
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("backend", cfg.StorageBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logging.Info("connecting to PostgreSQL...")
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if dir := findMigrationsDir(); dir != "" {
		logging.Info("running migrations...", zap.String("dir", dir))
		if err := database.Migrate(db, dir); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}
	}

	// Backbone registry; auto-create a default on first run.
	backboneStore := registry.NewBackboneStore(db)
	backbones, err := registry.New(ctx, backboneStore)
	if err != nil {
		logging.Fatal("backbone registry init failed", zap.Error(err))
	}
	defer backbones.Close()

	if backbones.Default() == nil {
		var name, backendType string
		var backendConfig json.RawMessage

		if cfg.StorageBackend == "s3" {
			name = "Default S3"
			backendType = "s3"
			backendConfig, _ = json.Marshal(s3backend.Config{
				Endpoint:  cfg.S3Endpoint,
				Bucket:    cfg.S3Bucket,
				AccessKey: cfg.S3AccessKey,
				SecretKey: cfg.S3SecretKey,
				Region:    cfg.S3Region,
				UseSSL:    cfg.S3UseSSL,
			})
		} else {
			name = "Default Local"
			backendType = "local"
			backendConfig, _ = json.Marshal(local.Config{
				RootPath:   cfg.LocalStoragePath,
				CreateDirs: true,
			})
		}

		_, err := backboneStore.Create(ctx, &registry.BackboneRow{
			Name:        name,
			BackendType: backendType,
			Config:      backendConfig,
			IsDefault:   true,
		})
		if err != nil {
			logging.Fatal("failed to create default backbone", zap.Error(err))
		}
		if err := backbones.Reload(ctx); err != nil {
			logging.Fatal("failed to reload backbone registry", zap.Error(err))
		}
		logging.Info("auto-created default backbone",
			zap.String("backend", backendType),
			zap.String("name", name))
	}

	// Detached task runner for best-effort cleanup work.
	runner := tasks.NewRunner(cfg.CleanupWorkers, 1024)
	runner.Start(ctx)
	defer runner.Stop()

	locks := lock.NewManager(lock.NewPostgresStore(db))

	contentStore := content.NewStore(
		content.NewPostgresRepository(db),
		backbones,
		process.NewDefaultProcessor(),
		content.Config{
			EncryptionAlgorithm: encryption.Algorithm(cfg.EncryptionAlgorithm),
			DeleteGracePeriod:   cfg.DeleteGracePeriod,
			DraftStaleAfter:     cfg.DraftStaleAfter,
			DeleteRetryAfter:    cfg.DeleteRetryAfter,
			SweepPageSize:       cfg.SweepPageSize,
		},
	)

	coordinator := upload.NewCoordinator(
		upload.NewPostgresSessionRepository(db),
		upload.NewPostgresPartRepository(db),
		contentStore,
		locks,
		runner,
		upload.Config{
			UploadRoot:       cfg.UploadRoot,
			MaxSessionSize:   cfg.MaxSessionSize,
			MaxPartSize:      cfg.MaxPartSize,
			MaxParts:         cfg.MaxParts,
			SessionTTL:       cfg.SessionTTL,
			ClearedRetention: cfg.ClearedRetention,
		},
	)
	logging.Info("content store and upload coordinator initialized")

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Periodic DB connection gauge.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetDBConnectionsOpen(db.Stats().OpenConnections)
			}
		}
	}()

	// Periodic reclamation: deletable content, expired sessions, cleared rows.
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := contentStore.Sweep(ctx); err != nil {
					logging.Error("content sweep failed", zap.Error(err))
				} else if n > 0 {
					logging.Info("content sweep completed", zap.Int("reclaimed", n))
				}

				if n, err := coordinator.PurgeExpired(ctx); err != nil {
					logging.Error("expired session purge failed", zap.Error(err))
				} else if n > 0 {
					logging.Info("expired sessions purged", zap.Int("count", n))
				}

				if _, err := coordinator.PurgeCleared(ctx); err != nil {
					logging.Error("cleared session purge failed", zap.Error(err))
				}
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logging.Info("shutting down...")
	cancel()
	metricsServer.Close()
}

func findMigrationsDir() string {
	candidates := []string{
		"migrations",
		"../migrations",
	}

	exe, _ := os.Executable()
	if exe != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "migrations"))
	}

	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}
