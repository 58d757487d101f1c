package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mosaic/sync/internal/app"
	"mosaic/sync/internal/blob"
	"mosaic/sync/internal/collab"
	"mosaic/sync/internal/config"
	"mosaic/sync/internal/history"
	"mosaic/sync/internal/sandbox"
	"mosaic/sync/internal/search"
	"mosaic/sync/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
		log.Fatalf("failed to create history dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	historyService := history.New(cfg.HistoryDir)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
	}

	var blobs blob.Store
	if strings.TrimSpace(cfg.BlobEndpoint) != "" {
		s3, err := blob.NewS3(ctx, cfg.BlobEndpoint, cfg.BlobAccessKey, cfg.BlobSecretKey, cfg.BlobBucket, cfg.BlobUseSSL)
		if err != nil {
			log.Fatalf("blob store connection failed: %v", err)
		}
		blobs = s3
		log.Printf("Content blobs offloaded to %s/%s", cfg.BlobEndpoint, cfg.BlobBucket)
	}

	relay, err := collab.NewRedisRelay(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer relay.Close()

	sandboxes := sandbox.NewManager(
		sandbox.EnvCapabilities{Root: cfg.SandboxRoot},
		sandbox.DirBoot(cfg.SandboxRoot),
	)

	service := app.NewService(app.Options{
		Store:   dataStore,
		Search:  searchService,
		Blobs:   blobs,
		History: historyService,
		Relay:   relay,
		Sandbox: sandboxes,

		SyncToken: cfg.SyncToken,

		SyncDebounce:   cfg.SyncDebounce,
		BackendTimeout: cfg.BackendTimeout,

		PresenceHeartbeat: cfg.PresenceHeartbeat,
		PresenceTTL:       cfg.PresenceTTL,
	})
	defer service.Close()

	if err := service.Start(ctx); err != nil {
		if errors.Is(err, sandbox.ErrUnsupported) {
			log.Printf("WARNING: sandbox runtime unsupported, file sync disabled: %v", err)
		} else {
			log.Fatalf("sandbox boot failed: %v", err)
		}
	}

	go searchService.ReindexAllFromPG(ctx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No write timeout: /api/events holds long-lived SSE streams.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Mosaic sync service listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
