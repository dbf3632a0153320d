package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/nstogner/backrooms/pkg/config"
	"github.com/nstogner/backrooms/pkg/connection"
	"github.com/nstogner/backrooms/pkg/model"
	"github.com/nstogner/backrooms/pkg/model/dispatch"
	"github.com/nstogner/backrooms/pkg/registry"
	"github.com/nstogner/backrooms/pkg/server"
	"github.com/nstogner/backrooms/pkg/store/sqlite"
	"github.com/nstogner/backrooms/pkg/transcript"
	"github.com/nstogner/backrooms/pkg/turn"
	"github.com/nstogner/backrooms/pkg/turn/lock"
)

func main() {
	cfgPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("Failed to load .env", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger.
	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize store.
	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("Failed to create data directory", "dir", dir, "error", err)
			os.Exit(1)
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		slog.Error("Failed to reach database", "path", cfg.Database.Path, "error", err)
		os.Exit(1)
	}

	// Turn lock: shared through Redis when configured, in-process otherwise.
	var locker lock.Locker = lock.NewMemory()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("Failed to reach redis", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		locker = lock.NewRedis(rdb, cfg.Redis.KeyPrefix, cfg.Redis.LockTTL)
		slog.Info("Using redis turn lock", "addr", cfg.Redis.Addr)
	}

	// Load the encoding before serving so no turn waits on the download.
	counter := model.NewTokenCounter(cfg.Turn.TokenEncoding)
	warmCtx, cancelWarm := context.WithTimeout(ctx, 30*time.Second)
	if !counter.Load(warmCtx) {
		slog.Warn("Token encoding not loaded, estimating prompt sizes", "encoding", cfg.Turn.TokenEncoding)
	}
	cancelWarm()
	adapters := dispatch.New(dispatch.WithTokenCounter(counter))
	reg := registry.New(store, store)
	tr := transcript.New(store, store)
	engine := turn.New(tr, reg, adapters,
		turn.WithLocker(locker),
		turn.WithTokenCounter(counter),
		turn.WithTimeout(cfg.Turn.Timeout),
	)
	tester := connection.New(adapters, cfg.Connection.TestTimeout)

	srv := server.New(reg, tr, engine, tester, adapters, cfg.HTTP.UserHeader)

	errc := make(chan error, 1)
	go func() { errc <- srv.Start(cfg.HTTP.Addr) }()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Graceful shutdown failed", "error", err)
		}
	}
}
