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

	"github.com/google/uuid"

	"arbor/api/internal/app"
	"arbor/api/internal/config"
	"arbor/api/internal/history"
	"arbor/api/internal/registry"
	"arbor/api/internal/relay"
	"arbor/api/internal/search"
	"arbor/api/internal/store"
	"arbor/api/internal/ws"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	// This instance's replica id: stamped into every server-side CRDT
	// write and used to filter relay echoes.
	instanceID := "srv-" + uuid.NewString()

	var snapshots store.SnapshotStore
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		snapshots = store.NewPostgresStore(db)
	} else {
		log.Printf("DATABASE_URL not set, trees live in memory only")
		snapshots = store.NewMemoryStore()
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, snapshots)

	opts := []registry.Option{
		registry.WithIndexer(searchService),
	}
	var historyService *history.Service
	if strings.TrimSpace(cfg.HistoryDir) != "" {
		if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
			log.Fatalf("failed to create history dir: %v", err)
		}
		historyService = history.New(cfg.HistoryDir)
		opts = append(opts, registry.WithHistorian(historyService))
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis relay for cross-instance sync")
		redisRelay, err := relay.NewRedisRelay(cfg.RedisURL, instanceID)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisRelay.Close()
		opts = append(opts, registry.WithRelay(redisRelay))
	}

	reg := registry.New(snapshots, instanceID, cfg.FlushInterval, cfg.IdleEvict, opts...)
	defer reg.Close()

	service := app.NewService(reg, snapshots, searchService, historyService)
	wsHandler := ws.NewHandler(reg, cfg.CORSOrigin)
	httpServer := app.NewHTTPServer(service, wsHandler, cfg.CORSOrigin)

	// No global read/write timeouts: sync connections are long-lived
	// and carry their own deadlines.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Arbor API listening on %s", cfg.Addr)
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
