// dealdeskd runs the learning coordination daemon: it owns the shared
// database, sweeps stale agent requests, runs pattern detection on the
// reflection interval, and serves metrics and health endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dealdesk/pkg/audit"
	"dealdesk/pkg/broker"
	"dealdesk/pkg/config"
	"dealdesk/pkg/logx"
	"dealdesk/pkg/metrics"
	"dealdesk/pkg/patterns"
	"dealdesk/pkg/persistence"
)

// Daemon wires the coordination components together.
type Daemon struct {
	cfg      *config.Config
	broker   *broker.Broker
	engine   *patterns.Engine
	recorder *audit.Recorder
	mirror   *audit.Writer
	server   *http.Server
	logger   *logx.Logger
	stop     chan struct{}
}

func main() {
	var configPath string
	var dbPath string
	var logDir string
	var listenAddr string
	flag.StringVar(&configPath, "config", "", "Path to config file (default: dealdesk.yaml)")
	flag.StringVar(&dbPath, "db", "", "Path to database file (default: dealdesk.db)")
	flag.StringVar(&logDir, "logdir", "logs", "Directory for audit log mirror files")
	flag.StringVar(&listenAddr, "listen", ":9090", "Address for /metrics and /healthz")
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv("DEALDESK_CONFIG")
	}
	if configPath == "" {
		configPath = config.ConfigFilename
	}
	if dbPath == "" {
		dbPath = config.DatabaseFilename
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := persistence.Initialize(dbPath); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	daemon, err := NewDaemon(cfg, logDir, listenAddr)
	if err != nil {
		log.Fatalf("Failed to create daemon: %v", err)
	}

	daemon.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	daemon.logger.Info("received signal %v, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := daemon.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error during shutdown: %v", err)
		os.Exit(1)
	}

	daemon.logger.Info("shutdown complete")
}

// NewDaemon creates the daemon and its component graph.
func NewDaemon(cfg *config.Config, logDir, listenAddr string) (*Daemon, error) {
	logger := logx.NewLogger("dealdeskd")

	mirror, err := audit.NewWriter(logDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit mirror: %w", err)
	}

	ops := persistence.Ops()
	recorder := audit.NewRecorder(ops, mirror)
	promRecorder := metrics.NewPrometheusRecorder()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !persistence.IsInitialized() {
			http.Error(w, "database not initialized", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	return &Daemon{
		cfg:      cfg,
		broker:   broker.NewBroker(ops, cfg, recorder, promRecorder),
		engine:   patterns.NewEngine(ops, cfg, recorder, promRecorder),
		recorder: recorder,
		mirror:   mirror,
		server:   &http.Server{Addr: listenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger:   logger,
		stop:     make(chan struct{}),
	}, nil
}

// Start launches the background loops and the HTTP listener.
func (d *Daemon) Start() {
	go d.broker.RunSweeper(d.stop)
	go d.runReflection()

	go func() {
		d.logger.Info("serving metrics on %s", d.server.Addr)
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("metrics server failed: %v", err)
		}
	}()

	d.recorder.Record(audit.Entry("daemon_started", "dealdeskd", map[string]any{
		"reflection_interval_minutes": d.cfg.Learning.ReflectionIntervalMinutes,
		"sweep_interval_minutes":      d.cfg.Broker.SweepIntervalMinutes,
	}))
}

// runReflection runs pattern detection on the reflection interval. Each pass
// scans the feedback accumulated since the last one.
func (d *Daemon) runReflection() {
	interval := d.cfg.ReflectionInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now().UTC().Add(-interval)
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			windowStart := last
			last = time.Now().UTC()
			proposed, err := d.engine.DetectPatterns(windowStart)
			if err != nil {
				d.logger.Error("pattern detection failed: %v", err)
				continue
			}
			if len(proposed) > 0 {
				d.logger.Info("reflection pass proposed %d patterns", len(proposed))
			}
		}
	}
}

// Shutdown stops the loops, the HTTP server, and closes storage.
func (d *Daemon) Shutdown(ctx context.Context) error {
	close(d.stop)

	d.recorder.Record(audit.Entry("daemon_stopped", "dealdeskd", nil))

	if err := d.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop metrics server: %w", err)
	}
	if err := d.mirror.Close(); err != nil {
		return fmt.Errorf("failed to close audit mirror: %w", err)
	}
	if err := persistence.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}
