package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"chunkedupload/internal/api"
	"chunkedupload/internal/chunkfile"
	"chunkedupload/internal/config"
	"chunkedupload/internal/database"
	"chunkedupload/internal/ingest"
	"chunkedupload/internal/janitor"
	"chunkedupload/internal/logging"
	"chunkedupload/internal/migrations"
	"chunkedupload/internal/repository/postgres"
	"chunkedupload/internal/service"
	"chunkedupload/internal/session"
	"chunkedupload/internal/sizing"
	"chunkedupload/internal/storage"
	"chunkedupload/internal/storage/local"
	"chunkedupload/internal/storage/s3"

	"github.com/go-redis/redis/v8"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.Environment)
	defer logger.Sync()
	logger.Info("configuration loaded, starting service")

	ctx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()

	db, err := database.Connect(ctx, cfg)
	if err != nil {
		logger.Fatalw("connect postgres", "error", err)
	}
	defer db.Close()

	if err := migrations.Apply(ctx, db); err != nil {
		logger.Fatalw("apply migrations", "error", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.SessionRedisAddr,
		Password: cfg.SessionRedisPassword,
		DB:       cfg.SessionRedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatalw("connect redis", "error", err)
	}
	defer redisClient.Close()

	sessionStore := session.NewRedisStore(redisClient)

	chunkWriter, err := chunkfile.NewWriter(cfg.ChunkedUploadsDir, chunkfile.ValidationRules{
		MaxSizeBytes: cfg.ChunkedUploadMaxMB * 1024 * 1024,
		AllowedMime:  cfg.ChunkedAllowedMime,
		AllowedExt:   cfg.ChunkedAllowedExt,
	}, cfg.StorageDriver == "local")
	if err != nil {
		logger.Fatalw("init chunk writer", "error", err)
	}

	fileRepo := postgres.NewFileRepository(db)

	storageBackend, err := buildStorageBackend(ctx, cfg)
	if err != nil {
		logger.Fatalw("init storage backend", "error", err)
	}

	fileService := service.NewFileService(fileRepo, storageBackend)
	fileHandler := api.NewFileHandler(fileService, cfg.ChunkedUploadMaxMB*1024*1024)

	ingestHandler := &ingest.Handler{
		Sizing: sizing.Policy{
			Enabled:    cfg.ChunkingEnabled,
			MaxChunkKB: cfg.ChunkMaxKB,
			MinChunks:  cfg.ChunkMinChunks,
			LocalOnly:  cfg.StorageDriver == "local",
		},
		Store:         sessionStore,
		Chunks:        chunkWriter,
		SessionTTL:    cfg.ChunkSessionTTL,
		RetryAttempts: cfg.ChunkRetryAttempts,
		MaxSizeBytes:  cfg.ChunkedUploadMaxMB * 1024 * 1024,
		Logger:        logger,
		Registry:      fileService,
	}

	router := api.NewRouter(cfg, fileHandler, ingestHandler)

	if cfg.JanitorEnabled {
		janitorCtx, stopJanitor := context.WithCancel(context.Background())
		defer stopJanitor()
		go janitor.Run(janitorCtx, janitor.Config{
			UploadsDir: cfg.ChunkedUploadsDir,
			MaxAge:     cfg.ChunkSessionTTL,
			Interval:   cfg.JanitorInterval,
		}, sessionStore, logger)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
		Handler:      router,
	}

	logger.Infof("service listening on :%s", cfg.HTTPPort)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("listen failed", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("graceful shutdown failed", "error", err)
	}

	logger.Info("service stopped")
}

// buildStorageBackend selects the whole-file upload storage backend.
// Both implementations satisfy storage.Writer; RegisterFile only ever
// writes, so a Writer is all FileService needs.
func buildStorageBackend(ctx context.Context, cfg *config.Config) (storage.Writer, error) {
	if cfg.StorageDriver == "s3" {
		return s3.New(ctx, s3.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
			PathStyle: cfg.S3PathStyle,
		})
	}

	return local.NewWriter(cfg.StorageDir, "/files"), nil
}
