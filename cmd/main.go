package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quakefeed/gateway/internal/config"
	"github.com/quakefeed/gateway/internal/gateway"
	"github.com/quakefeed/gateway/internal/httpcache"
	"github.com/quakefeed/gateway/internal/logging"
	"github.com/quakefeed/gateway/internal/metrics"
	"github.com/quakefeed/gateway/internal/relay"
	"github.com/quakefeed/gateway/internal/server"
	"github.com/quakefeed/gateway/internal/store"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to gateway configuration file")
		envPrefix  = flag.String("env-prefix", "QUAKEFEED", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	kv := store.New(cfg.Server.Store.URL, logger)
	defer kv.Close()

	policy := httpcache.NewPolicy(cfg.Server.Cache.DefaultTTLSeconds, cfg.Server.Cache.Routes, cfg.Server.Cache.NoCache)
	cache := httpcache.New(kv, policy, logger, recorder)

	if cfg.Server.Cache.PolicyFile != "" {
		watcher, err := config.WatchPolicy(ctx, cfg.Server.Cache.PolicyFile, func(doc config.PolicyDocument) {
			merged := cfg.Server.Cache.Merge(doc)
			cache.SetPolicy(httpcache.NewPolicy(merged.DefaultTTLSeconds, merged.Routes, merged.NoCache))
			logger.Info("cache policy reloaded", slog.String("file", cfg.Server.Cache.PolicyFile))
		}, func(err error) {
			logger.Error("policy watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("policy watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	session := relay.New(relay.Config{
		Endpoint:       cfg.Server.Relay.Endpoint,
		APIKey:         cfg.Server.Relay.APIKey,
		BoundingBox:    cfg.Server.Relay.BoundingBox,
		EventTypes:     cfg.Server.Relay.EventTypes,
		ReconnectDelay: time.Duration(cfg.Server.Relay.ReconnectSeconds) * time.Second,
	}, logger, recorder)
	defer session.Close()
	if !session.Enabled() {
		logger.Info("relay disabled, no upstream endpoint or api key configured")
	}

	adapter := gateway.NewAdapter(cache, logger)
	routes := buildRoutes(cfg.Routes, &http.Client{Timeout: 30 * time.Second})
	handler := server.NewRouter(routes, adapter, session, recorder)

	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}
