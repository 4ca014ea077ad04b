// Package main implements the pump automation synchronization server: it
// bridges the field-device MQTT broker, the durable state cache, and the
// websocket broadcast hub consumed by operator dashboards.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/Byounghakim/pc-ui-server-sub000/blobstore"
	"github.com/Byounghakim/pc-ui-server-sub000/blobstore/filestore"
	"github.com/Byounghakim/pc-ui-server-sub000/blobstore/memstore"
	"github.com/Byounghakim/pc-ui-server-sub000/config"
	"github.com/Byounghakim/pc-ui-server-sub000/fanout"
	"github.com/Byounghakim/pc-ui-server-sub000/gateway"
	"github.com/Byounghakim/pc-ui-server-sub000/hub"
	"github.com/Byounghakim/pc-ui-server-sub000/metric"
	"github.com/Byounghakim/pc-ui-server-sub000/service"
	"github.com/Byounghakim/pc-ui-server-sub000/statecache"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "pumpsync"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("configuration is valid")
		return nil
	}

	slog.Info("starting pump automation sync server",
		"version", Version,
		"http_addr", cfg.HTTP.Addr,
		"broker_url", cfg.Broker.URL)

	registry := metric.NewRegistry()

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	cache, err := statecache.New(ctx, store,
		statecache.WithLogger(logger),
		statecache.WithMetrics(registry.Metrics))
	if err != nil {
		return fmt.Errorf("build state cache: %w", err)
	}

	hubOpts := []hub.Option{
		hub.WithLogger(logger),
		hub.WithMetrics(registry.Metrics),
	}
	var backend *fanout.Backend
	if cfg.NATS.Enabled {
		backend, err = fanout.Connect(cfg.NATS.URL,
			fanout.WithSubject(cfg.NATS.Subject),
			fanout.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("connect fan-out backend: %w", err)
		}
		hubOpts = append(hubOpts, hub.WithBackend(backend))
	}
	h := hub.New(hubOpts...)

	gw, err := gateway.New(gateway.BrokerConfig{
		URL:      cfg.Broker.URL,
		Username: cfg.Broker.Username,
		Password: cfg.Broker.Password,
		ClientID: cfg.Broker.ClientID,
	},
		gateway.WithLogger(logger),
		gateway.WithStore(store),
		gateway.WithMetrics(registry.Metrics))
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	svc, err := service.New(gw, cache, h,
		service.WithLogger(logger),
		service.WithTopics(service.Topics{
			Valve:      cfg.Topics.Valve,
			PumpPrefix: cfg.Topics.PumpPrefix,
		}))
	if err != nil {
		return fmt.Errorf("build sync service: %w", err)
	}
	if err := svc.Start(); err != nil {
		return fmt.Errorf("start sync service: %w", err)
	}

	// The broker may be down at startup; the gateway keeps the process
	// useful in offline mode and recovers when Connect is retried.
	if err := gw.Connect(); err != nil {
		slog.Warn("initial broker connect failed, continuing offline", "error", err)
	}

	mux := http.NewServeMux()
	hub.NewServer(h).RegisterHandlers(mux)
	svc.RegisterHealth(mux)
	mux.Handle("/metrics", registry.Handler())

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}

	return shutdown(cliCfg.ShutdownTimeout, server, svc, gw, h, cache, backend)
}

func buildStore(cfg *config.Config) (blobstore.Store, error) {
	if cfg.Storage.Dir == "" {
		slog.Warn("no storage directory configured, state will not survive restarts")
		return memstore.New(), nil
	}
	store, err := filestore.New(cfg.Storage.Dir)
	if err != nil {
		return nil, fmt.Errorf("open blob store at %s: %w", cfg.Storage.Dir, err)
	}
	return store, nil
}

// shutdown tears the components down in reverse dependency order, ending
// with the state cache so its final flush captures everything.
func shutdown(timeout time.Duration, server *http.Server, svc *service.SyncService,
	gw *gateway.Gateway, h *hub.Hub, cache *statecache.Cache, backend *fanout.Backend) error {

	slog.Info("shutting down", "timeout", timeout)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Warn("http server shutdown incomplete", "error", err)
	}

	svc.Stop()
	if err := gw.Close(); err != nil {
		slog.Warn("gateway close failed", "error", err)
	}
	if err := h.Close(); err != nil {
		slog.Warn("hub close failed", "error", err)
	}
	if backend != nil {
		if err := backend.Close(); err != nil {
			slog.Warn("fan-out backend close failed", "error", err)
		}
	}
	if err := cache.Close(); err != nil {
		return fmt.Errorf("final state flush: %w", err)
	}

	slog.Info("shutdown complete")
	return nil
}
