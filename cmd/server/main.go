// Command server runs the scriptgate daemon: the privileged background
// process that executes network requests on behalf of sandboxed userscripts
// behind a permission gate.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/scriptgate/scriptgate/internal/config"
	"github.com/scriptgate/scriptgate/internal/correlate"
	"github.com/scriptgate/scriptgate/internal/grant"
	"github.com/scriptgate/scriptgate/internal/headrule"
	"github.com/scriptgate/scriptgate/internal/logging"
	"github.com/scriptgate/scriptgate/internal/monitoring"
	"github.com/scriptgate/scriptgate/internal/netobs"
	"github.com/scriptgate/scriptgate/internal/proxy"
	"github.com/scriptgate/scriptgate/internal/resilience"
	"github.com/scriptgate/scriptgate/internal/script"
	"github.com/scriptgate/scriptgate/internal/server"
	"github.com/scriptgate/scriptgate/internal/store"
	"github.com/scriptgate/scriptgate/internal/transport"
	"github.com/scriptgate/scriptgate/internal/ws"
)

func main() {
	cfg := config.LoadOrDefault()

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Development = cfg.Logging.Development
	logger, err := logging.New(logCfg)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics := monitoring.New()

	st, err := store.Open(filepath.Join(cfg.Storage.DataDir, "state"))
	if err != nil {
		logger.Fatal("store open failed", zap.Error(err))
	}
	defer func() { _ = st.Close() }()

	blobs, err := transport.NewBlobStore(filepath.Join(cfg.Storage.DataDir, "blobs"), cfg.Storage.BlobTTL, logger.Named("blobs"))
	if err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}
	blobs.StartSweeper(cfg.Storage.BlobTTL / 2)
	defer blobs.Close()
	codec := transport.NewCodec(blobs)

	scripts := script.NewRegistry()
	scriptsDir := filepath.Join(cfg.Storage.DataDir, "scripts")
	if n, err := scripts.SeedDir(scriptsDir); err != nil {
		logger.Warn("script manifest seeding failed", zap.String("dir", scriptsDir), zap.Error(err))
	} else if n > 0 {
		logger.Info("script manifests loaded", zap.Int("count", n))
	}

	queue := grant.NewQueue(cfg.Permission.ConfirmTimeout, logger.Named("queue"), metrics)
	queue.Start()
	defer queue.Close()
	gate := grant.NewGate(grant.DefaultRegistry(), st, queue, logger.Named("gate"), metrics)

	counter, err := headrule.OpenCounter(st)
	if err != nil {
		logger.Fatal("header rule counter init failed", zap.Error(err))
	}
	engine := headrule.NewEngine()
	jars := proxy.NewJarSet()
	rules := headrule.NewManager(engine, counter, jars, logger.Named("headrule"), metrics)

	correlator := correlate.New(cfg.Proxy.CorrelationWindow, logger.Named("correlate"), metrics)
	correlator.SetRedirectHandler(rules.OnRedirect)

	tap := netobs.NewTap(nil, engine, correlator)
	clients := proxy.NewClients(tap, jars, cfg.Proxy.UserAgent)
	breaker := resilience.New("proxy", resilience.Settings{})
	executor := proxy.NewExecutor(&cfg.Proxy, clients, correlator, rules, codec, breaker, logger.Named("proxy"), metrics)

	channel := ws.NewHandler(cfg, gate, executor, scripts, logger.Named("ws"), metrics)
	srv := server.New(cfg, channel, gate, scripts, logger.Named("server"))

	uptimeDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				metrics.TickUptime()
			case <-uptimeDone:
				return
			}
		}
	}()
	defer close(uptimeDone)

	errChan := make(chan error, 1)
	go func() {
		logger.Info("scriptgate daemon listening",
			zap.String("host", cfg.Server.Host),
			zap.String("port", cfg.Server.Port),
		)
		if err := srv.Run(); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	case err := <-errChan:
		logger.Fatal("server error", zap.Error(err))
	}
}
