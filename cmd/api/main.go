package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"annolab/api/internal/app"
	"annolab/api/internal/authn"
	"annolab/api/internal/config"
	"annolab/api/internal/export"
	"annolab/api/internal/ingest"
	"annolab/api/internal/session"
	"annolab/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	// IdP login stays disabled unless all three settings are present.
	var idp *authn.Verifier
	if cfg.IdPIssuer != "" && cfg.IdPJWKSURL != "" && cfg.IdPAudience != "" {
		idp, err = authn.NewVerifier(cfg.IdPIssuer, cfg.IdPJWKSURL, cfg.IdPAudience)
		if err != nil {
			log.Fatalf("identity provider setup failed: %v", err)
		}
		log.Printf("Identity provider login enabled (issuer %s)", cfg.IdPIssuer)
	} else {
		log.Printf("Identity provider login disabled")
	}

	var archive *ingest.Archive
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		archive, err = ingest.NewArchive(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL)
		if err != nil {
			log.Fatalf("upload archive setup failed: %v", err)
		}
		bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = archive.EnsureBucket(bucketCtx)
		cancel()
		if err != nil {
			log.Fatalf("upload archive bucket check failed: %v", err)
		}
		log.Printf("Archiving uploads to bucket %s", cfg.S3Bucket)
	}

	exporter := export.NewService(dataStore, cfg.ExportBatchSize)

	var service *app.Service
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for admin token revocation")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		service = app.NewWithRevocationStore(cfg, dataStore, redisStore, idp, archive, exporter)
	} else {
		log.Printf("Using PostgreSQL for admin token revocation")
		service = app.New(cfg, dataStore, idp, archive, exporter)
	}
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("annolab API listening on %s", cfg.Addr)
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
