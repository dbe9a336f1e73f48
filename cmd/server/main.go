package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"mediavault-backend/internal/api"
	"mediavault-backend/internal/chunkstore"
	"mediavault-backend/internal/config"
	"mediavault-backend/internal/media"
	"mediavault-backend/internal/pipeline"
	"mediavault-backend/internal/store"
	"mediavault-backend/internal/upload"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	var registry store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to database", slog.Any("error", err))
			os.Exit(1)
		}
		defer pg.Close()
		registry = pg
	} else {
		log.Warn("DATABASE_URL not set, using in-memory session registry")
		registry = store.NewMemoryStore()
	}

	chunks, err := chunkstore.NewStore(cfg.ChunkDir)
	if err != nil {
		log.Error("failed to initialize chunk store", slog.Any("error", err))
		os.Exit(1)
	}

	processor := media.NewFFmpeg(cfg.FFmpegPath, cfg.FFprobePath)
	pipe := pipeline.New(cfg, registry, chunks, processor, log)
	pipe.Start(ctx)

	svc := upload.NewService(cfg, registry, chunks, pipe, log)
	handler := api.NewHandler(cfg, svc)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Router(),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		log.Info("upload service listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutting down upload service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", slog.Any("error", err))
	}
	cancel()
	pipe.Stop()
}
