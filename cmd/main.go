package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/l0p7/gadgetrender/internal/admin"
	"github.com/l0p7/gadgetrender/internal/cache"
	"github.com/l0p7/gadgetrender/internal/config"
	"github.com/l0p7/gadgetrender/internal/dispatch"
	"github.com/l0p7/gadgetrender/internal/expr"
	"github.com/l0p7/gadgetrender/internal/fetch"
	"github.com/l0p7/gadgetrender/internal/gadget"
	"github.com/l0p7/gadgetrender/internal/logging"
	"github.com/l0p7/gadgetrender/internal/metrics"
	"github.com/l0p7/gadgetrender/internal/render"
	"github.com/l0p7/gadgetrender/internal/server"
	"github.com/l0p7/gadgetrender/internal/templates"
	"github.com/l0p7/gadgetrender/internal/uri"
	"github.com/prometheus/client_golang/prometheus"
)

type gadgetWatcher interface {
	Stop()
}

type configLoader interface {
	Load(context.Context) (config.Config, error)
	WatchGadgets(context.Context, config.Config, func(config.GadgetBundle), func(error)) (gadgetWatcher, error)
}

type runnableServer interface {
	Run(context.Context) error
}

type loaderAdapter struct {
	*config.Loader
}

func (a loaderAdapter) WatchGadgets(ctx context.Context, cfg config.Config, onChange func(config.GadgetBundle), onError func(error)) (gadgetWatcher, error) {
	watcher, err := a.Loader.WatchGadgets(ctx, cfg, onChange, onError)
	if err != nil {
		return nil, err
	}
	return watcher, nil
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return loaderAdapter{config.NewLoader(envPrefix, configFile)}
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		srv, err := server.New(cfg, logger, handler)
		if err != nil {
			return nil, err
		}
		return srv, nil
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "GADGETRENDER", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, logCloser, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}
	defer func() {
		_ = logCloser.Close()
	}()

	specCache := buildSpecCache(logger.With(slog.String("agent", "cache_factory")), cfg.Server.Cache)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := specCache.Close(closeCtx); err != nil {
			logger.Error("spec cache shutdown failed", slog.Any("error", err))
		}
	}()

	recorder := metrics.NewRecorder(prometheus.NewRegistry())

	var sandbox *templates.Sandbox
	if folder := strings.TrimSpace(cfg.Server.Templates.TemplatesFolder); folder != "" {
		sb, err := templates.NewSandbox(folder)
		if err != nil {
			logger.Warn("template sandbox setup failed", slog.String("templates_folder", folder), slog.Any("error", err))
		} else {
			sandbox = sb
		}
	}

	env, err := expr.NewEnvironment()
	if err != nil {
		return fmt.Errorf("build expression environment: %w", err)
	}
	registry := gadget.NewRegistry(logger, templates.NewRenderer(sandbox), env, recorder)
	registry.Reload(cfg.Bundle())

	if cfg.Server.Gadgets.GadgetsFile != "" || cfg.Server.Gadgets.GadgetsFolder != "" {
		watcher, err := loader.WatchGadgets(ctx, cfg, registry.Reload, func(err error) {
			if err != nil {
				logger.Error("gadgets watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("gadgets watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	fetcher := fetch.New(specCache, logger, fetch.Options{
		Enabled:      cfg.Server.Fetch.Enabled,
		Timeout:      time.Duration(cfg.Server.Fetch.TimeoutSeconds) * time.Second,
		MaxBodyBytes: cfg.Server.Fetch.MaxBodyBytes,
		AllowedHosts: cfg.Server.Fetch.AllowedHosts,
		LoopHeader:   cfg.Server.Render.LoopHeader,
		CacheTTL:     time.Duration(cfg.Server.Cache.TTLSeconds) * time.Second,
		MaxCacheTTL:  time.Duration(cfg.Server.Cache.MaxTTLSeconds) * time.Second,
		KeyPrefix:    cfg.Server.Cache.KeyPrefix,
		Metrics:      recorder,
	})
	resolver := render.NewResolver(registry, fetcher)

	renderer, err := render.New(resolver, logger, render.Options{})
	if err != nil {
		return err
	}
	versioner := uri.NewVersioner(cfg.Server.Versioning.KeySalt)
	validator, err := uri.NewValidator(resolver, versioner, logger)
	if err != nil {
		return err
	}

	dispatcher, err := dispatch.New(renderer, validator, logger, dispatch.Options{
		LoopHeader:        cfg.Server.Render.LoopHeader,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
		Policy: dispatch.PolicyOptions{
			DefaultTTL: time.Duration(cfg.Server.Render.DefaultTTLSeconds) * time.Second,
			ForeverTTL: time.Duration(cfg.Server.Render.ForeverTTLSeconds) * time.Second,
			MaxRefresh: time.Duration(cfg.Server.Render.MaxRefreshSeconds) * time.Second,
			Shared:     cfg.Server.Render.SharedCaching,
		},
		Metrics: recorder,
	})
	if err != nil {
		return err
	}

	adminOpts := admin.Options{
		RenderPath:   cfg.Server.Render.Path,
		CacheBackend: cacheBackendName(cfg.Server.Cache.Backend),
	}
	if cfg.Server.Cache.PurgeEnabled {
		adminOpts.Purger = fetcher
	}
	handlers, err := admin.New(registry, resolver, specCache, versioner, logger, adminOpts)
	if err != nil {
		return err
	}

	routes := server.Routes{
		RenderPath: cfg.Server.Render.Path,
		Render:     dispatcher,
		Health:     handlers.ServeHealth,
		Metadata:   handlers.ServeMetadata,
		Metrics:    recorder.Handler(),
	}
	if handlers.PurgeEnabled() {
		routes.Purge = handlers.ServePurge
	}
	router, err := server.NewRouter(routes)
	if err != nil {
		return err
	}

	srv, err := newHTTPServer(cfg, logger, router)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

func cacheBackendName(backend string) string {
	name := strings.TrimSpace(strings.ToLower(backend))
	if name == "" {
		return "memory"
	}
	return name
}

func buildSpecCache(logger *slog.Logger, cfg config.ServerCacheConfig) cache.SpecCache {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	switch cacheBackendName(cfg.Backend) {
	case "memory":
		logger.Info("using memory spec cache", slog.Duration("ttl", ttl))
		return cache.NewMemory(ttl)
	case "redis":
		redisCache, err := cache.NewRedis(cache.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.KeyPrefix,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory spec cache")
			return cache.NewMemory(ttl)
		}
		logger.Info("using redis spec cache", slog.String("address", cfg.Redis.Address))
		return redisCache
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return cache.NewMemory(ttl)
	}
}
