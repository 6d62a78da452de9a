package main

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"stashbin/cfg"
	"stashbin/svc/api"
	"stashbin/svc/cache"
	"stashbin/svc/db"
	"stashbin/svc/ids"
	"stashbin/svc/lim"
	"stashbin/svc/svc"
	"stashbin/svc/util"
)

func main() {
	_ = godotenv.Load()

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Msg("starting stashbin API")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sqlDB, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize database")
		os.Exit(1)
	}
	defer sqlDB.Close()
	util.Info().Str("path", c.DatabasePath).Msg("database initialized")

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.Environment == "production" {
				util.Fatal().Err(err).Msg("redis required in production")
				os.Exit(1)
			}
			util.Warn().Err(err).Msg("redis unavailable (dev mode)")
			rdb = nil
		} else {
			util.Info().Msg("redis connected")
		}
	}
	if rdb != nil {
		defer rdb.Close()
	}

	lruCache, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create LRU cache")
		os.Exit(1)
	}
	util.Info().Int("size", c.LRUCacheSize).Msg("LRU cache initialized")

	codec, err := ids.NewCodec([]byte(c.SlugSalt.Value()))
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize slug codec")
		os.Exit(1)
	}

	hasher, err := util.NewIPHasher([]byte(c.IPHashPepper.Value()), c.IPHashRotation)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize IP hasher")
		os.Exit(1)
	}
	util.Info().Dur("rotation_interval", c.IPHashRotation).Msg("IP hasher initialized")

	pasteSvc := svc.NewPaste(sqlDB, lruCache, rdb, codec, c)
	util.Info().Int("workers", c.WorkerPoolSize).Msg("paste service initialized")

	var backend lim.WindowBackend
	if rdb != nil {
		backend = rdb
	}
	limiter := lim.New(backend, c.RateLimit.Window)
	defer limiter.Stop()
	util.Info().
		Int("create_limit", c.RateLimit.CreateLimit).
		Int("read_limit", c.RateLimit.ReadLimit).
		Dur("window", c.RateLimit.Window).
		Msg("rate limiter initialized")

	server := api.NewServer(c, pasteSvc, limiter, hasher, sqlDB, rdb)

	quitWAL := make(chan struct{})
	go db.StartWALMaintenance(sqlDB.DB(), quitWAL)
	util.Info().Msg("WAL maintenance worker started")

	if err := svc.StartSweeper(ctx, sqlDB, c.SweepInterval); err != nil {
		util.Error().Err(err).Msg("failed to start sweeper")
	} else {
		util.Info().Msg("expiry sweeper started")
	}

	if c.Environment == "development" {
		go func() {
			util.Info().Msg("starting pprof server on :6060")
			if err := http.ListenAndServe(":6060", nil); err != nil {
				util.Warn().Err(err).Msg("pprof server failed")
			}
		}()
	}

	util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server starting")
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	close(quitWAL)
	cancel()
	pasteSvc.Shutdown()
	util.Info().Msg("shutdown complete")
}
