package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/freeeve/regionstore/internal/evict"
	"github.com/freeeve/regionstore/internal/httpapi"
	"github.com/freeeve/regionstore/internal/logx"
	"github.com/freeeve/regionstore/internal/store"
)

// parseSize parses a size string like "512m", "4g", "1024" into bytes
func parseSize(s string) int64 {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "0" {
		return 0
	}

	multiplier := int64(1)
	if strings.HasSuffix(s, "k") {
		multiplier = 1024
		s = s[:len(s)-1]
	} else if strings.HasSuffix(s, "m") {
		multiplier = 1024 * 1024
		s = s[:len(s)-1]
	} else if strings.HasSuffix(s, "g") {
		multiplier = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n * multiplier
}

func main() {
	var (
		// Storage
		dir      = flag.String("dir", "./data/regions", "region store root directory")
		sourceID = flag.String("source", "local", "source id (first path component)")
		worldID  = flag.String("world", "world", "world id (second path component)")
		level    = flag.String("compression", "", "zstd level: fast, best or default")

		// Server
		addr     = flag.String("addr", ":8017", "listen address")
		logLevel = flag.String("log-level", "info", "log level (debug, info, warn, error)")
		timeout  = flag.Duration("request-timeout", 10*time.Second, "max wait on scheduled work per request")

		// Workers
		ioWorkers       = flag.Int("io-workers", 2, "load/save workers")
		mutationWorkers = flag.Int("mutation-workers", 0, "mutation workers (0 = NumCPU/2)")
		renderWorkers   = flag.Int("render-workers", 2, "render workers")

		// Budgets
		blockBudget = flag.String("block-budget", "256m", "memory budget for primary layers (e.g. 512m, 4g)")
		auxBudget   = flag.String("aux-budget", "64m", "memory budget for auxiliary layers")
		highImages  = flag.Int64("high-images", 64, "cached high resolution renders")
		lowImages   = flag.Int64("low-images", 1024, "cached low resolution renders")
		idle        = flag.Duration("idle-timeout", 0, "release layers not read for this long (0 = never)")
		saveRate    = flag.String("save-rate", "0", "save write pacing in bytes per second (0 = unpaced)")

		// Background
		cleanupEvery = flag.Duration("cleanup-interval", 10*time.Second, "periodic cleanup interval")
		resortEvery  = flag.Duration("resort-interval", 2*time.Second, "priority re-sort interval")
		shutdown     = flag.Duration("shutdown-timeout", 30*time.Second, "drain timeout on shutdown")
	)
	flag.Parse()

	logger := logx.NewLogger(os.Stdout, logx.ParseLevel(*logLevel))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	budgets := evict.DefaultBudgets()
	budgets.BlockBytes = evict.Budget{Limit: parseSize(*blockBudget), Timeout: *idle}
	budgets.AuxBytes = evict.Budget{Limit: parseSize(*auxBudget), Timeout: *idle}
	budgets.HighRes.Limit = *highImages
	budgets.LowRes.Limit = *lowImages

	st, err := store.New(store.Config{
		Dir:             *dir,
		SourceID:        *sourceID,
		WorldID:         *worldID,
		Logger:          logger,
		Registerer:      reg,
		IOWorkers:       *ioWorkers,
		MutationWorkers: *mutationWorkers,
		RenderWorkers:   *renderWorkers,
		CleanupInterval: *cleanupEvery,
		ResortInterval:  *resortEvery,
		ShutdownTimeout: *shutdown,
		Budgets:         budgets,
		SaveBytesPerSec: parseSize(*saveRate),
		Compression:     *level,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("open region store")
	}

	stats := st.Stats().Store
	logger.Info().
		Str("dir", st.Dir()).
		Uint64("loads", stats.Loads).
		Uint64("saves", stats.Saves).
		Msg("opened region store")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:         *addr,
		Handler:      httpapi.NewRouter(logger, st, reg, *timeout),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("api server")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop taking requests before the store drains
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown error")
	}

	logger.Info().Msg("flushing region store...")
	if err := st.Close(); err != nil {
		logger.Error().Err(err).Msg("region store close error")
	} else {
		stats := st.Stats().Store
		logger.Info().
			Uint64("saves", stats.Saves).
			Uint64("bytes_written", stats.BytesWritten).
			Msg("region store flushed successfully")
	}

	logger.Info().Msg("shutdown complete")
}
