package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sonet/e2ee/internal/config"
	"github.com/sonet/e2ee/internal/device"
	"github.com/sonet/e2ee/internal/envelope"
	"github.com/sonet/e2ee/internal/group"
	"github.com/sonet/e2ee/internal/keystore"
	"github.com/sonet/e2ee/internal/maintenance"
	"github.com/sonet/e2ee/internal/metrics"
	"github.com/sonet/e2ee/internal/transparency"

	_ "github.com/lib/pq"
)

func main() {
	cfg := config.Load()

	log.Printf("starting keyserver: %s", cfg.ServerID)

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("warning: failed to close database: %v", err)
		}
	}()
	if err := db.Ping(); err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	redisOpts, err := redis.ParseURL("redis://" + cfg.RedisURL)
	if err != nil {
		redisOpts = &redis.Options{Addr: cfg.RedisURL}
	}
	redisClient := redis.NewClient(redisOpts)
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Printf("warning: failed to close redis: %v", err)
		}
	}()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}

	archiveCtx, archiveCancel := context.WithTimeout(context.Background(), 10*time.Second)
	archiver, err := transparency.NewMinioArchiver(archiveCtx, cfg.MinioURL, cfg.MinioKey, cfg.MinioSecret, cfg.MinioBucket, false)
	archiveCancel()
	if err != nil {
		log.Fatalf("failed to connect to minio: %v", err)
	}

	deviceStore := device.NewStore(db)
	transparencyLog := transparency.NewLog(db, archiver)
	keyStore := keystore.New(1000)
	groupRegistry := group.NewRegistry()
	replayCache := envelope.NewReplayCache(redisClient, cfg.ReplayTTL)
	validator := envelope.NewValidator(replayCache, groupRegistry)

	scheduler := maintenance.NewScheduler(cfg.MaintenanceInterval, maintenance.DefaultSweeps(deviceStore, transparencyLog, keyStore, replayCache))
	scheduler.Start()

	mux := http.NewServeMux()
	mux.Handle("/v1/envelopes", envelope.NewRouter(validator, cfg.AllowedOrigins))
	mux.HandleFunc("POST /v1/groups", createGroupHandler(groupRegistry))
	mux.HandleFunc("POST /v1/groups/{groupId}/members", addMemberHandler(groupRegistry, cfg.SigningSeed))
	mux.HandleFunc("DELETE /v1/groups/{groupId}/members/{userId}", removeMemberHandler(groupRegistry))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           metrics.MetricsMiddleware(mux),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("keyserver listening on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("received signal %v, starting graceful shutdown", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	shutdownDone := make(chan struct{})
	go func() {
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("warning: http server shutdown error: %v", err)
		}
		close(shutdownDone)
	}()

	scheduler.Stop()
	<-shutdownDone

	log.Println("keyserver stopped gracefully")
}
