package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scaneye/scaneye/internal/api"
	"github.com/scaneye/scaneye/internal/config"
	"github.com/scaneye/scaneye/internal/discovery"
	"github.com/scaneye/scaneye/internal/eventbus"
	"github.com/scaneye/scaneye/internal/metrics"
	"github.com/scaneye/scaneye/internal/scheduler"
	"github.com/scaneye/scaneye/internal/settings"
	"github.com/scaneye/scaneye/internal/speedtest"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	dumpConfig := flag.Bool("dump-config", false, "print an example configuration and exit")
	flag.Parse()

	if *dumpConfig {
		if err := config.DumpExample(os.Stdout); err != nil {
			log.Fatalf("Failed to dump configuration: %v", err)
		}
		return
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logger
	logger, err := config.InitLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger.Info("Starting ScanEye Server",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"storage", cfg.Storage.Driver,
		"engine", cfg.Scanner.Engine,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Settings store
	backend, closeBackend, err := openBackend(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("Settings storage init failed: %v", err)
	}
	defer closeBackend()
	store := settings.NewStore(backend, logger)

	bus := eventbus.NewEventBus(cfg.EventBus.SubscriberBuffer)

	// Executors
	detector := discovery.NewInterfaceDetector(logger)
	scanner := newScanner(cfg.Scanner, logger)
	runner := speedtest.NewRunner(speedtest.Options{
		Binary:   cfg.SpeedTest.Binary,
		ServerID: cfg.SpeedTest.ServerID,
		Timeout:  cfg.SpeedTest.Timeout(),
	}, logger)

	var (
		collector *metrics.Collector
		observer  scheduler.Observer
	)
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(version, bus)
		observer = collector
	}

	sched := scheduler.New(store, scanner, runner, detector, bus, scheduler.Options{
		Observer: observer,
		Logger:   logger,
	})

	deps := &api.Dependencies{
		Engine:  sched,
		Scanner: scanner,
		Network: detector,
		Bus:     bus,
		Logger:  logger,
	}
	if collector != nil {
		collector.TrackScans(sched)
		deps.Metrics = collector.Handler()
	}

	router := api.NewRouter(cfg, deps)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
	}

	sched.Start(ctx)

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error("Scheduler did not stop in time", "error", err)
	}

	// Closing the bus ends every websocket stream before the server drains.
	bus.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server stopped gracefully")
}

func openBackend(ctx context.Context, cfg config.StorageConfig) (settings.Backend, func(), error) {
	switch cfg.Driver {
	case "memory":
		return settings.NewMemoryBackend(nil), func() {}, nil
	case "postgres":
		pg, err := settings.OpenPostgres(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		return settings.NewFileBackend(cfg.FilePath), func() {}, nil
	}
}

func newScanner(cfg config.ScannerConfig, logger *slog.Logger) scheduler.ScanExecutor {
	enricher := discovery.NewEnricher(discovery.EnrichOptions{
		ReverseDNS:    cfg.Enrich.ReverseDNS,
		DNSServer:     cfg.Enrich.DNSServer,
		DNSTimeout:    cfg.Enrich.DNSTimeout(),
		MDNS:          cfg.Enrich.MDNS,
		MDNSServices:  cfg.Enrich.MDNSServices,
		MDNSTimeout:   cfg.Enrich.MDNSTimeout(),
		SNMP:          cfg.Enrich.SNMP,
		SNMPCommunity: cfg.Enrich.SNMPCommunity,
		SNMPTimeout:   cfg.Enrich.SNMPTimeout(),
		Workers:       cfg.Enrich.Workers,
	}, logger)

	if cfg.Engine == "native" {
		return discovery.NewSweepScanner(discovery.SweepOptions{
			Ports:       cfg.Native.Ports,
			Workers:     cfg.Native.Workers,
			DialTimeout: cfg.Native.DialTimeout(),
			ARPTable:    cfg.Native.ARPTable,
		}, enricher, logger)
	}

	return discovery.NewNmapScanner(discovery.NmapOptions{
		Binary:  cfg.Nmap.Path,
		Args:    cfg.Nmap.Args,
		Timeout: cfg.Nmap.Timeout(),
	}, enricher, logger)
}
