package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/relay/internal/config"
	"github.com/taskmesh/relay/internal/logger"
	"github.com/taskmesh/relay/pkg/api"
	"github.com/taskmesh/relay/pkg/bus"
	"github.com/taskmesh/relay/pkg/chains"
	"github.com/taskmesh/relay/pkg/delta"
	"github.com/taskmesh/relay/pkg/docstore"
	"github.com/taskmesh/relay/pkg/event"
	"github.com/taskmesh/relay/pkg/eventstore"
	"github.com/taskmesh/relay/pkg/normalize"
	"github.com/taskmesh/relay/pkg/notify"
	"github.com/taskmesh/relay/pkg/ratelimit"
)

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

const metricsNamespace = "relay"

func main() {
	var (
		configFile  = flag.String("config", "", "Path to configuration file (YAML)")
		showVersion = flag.Bool("version", false, "Show version information and exit")
		dbPath      = flag.String("db", "", "Database path")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat   = flag.String("log-format", "", "Log format (json, console)")
		apiHost     = flag.String("api-host", "", "API server host")
		apiPort     = flag.Int("api-port", 0, "API server port")
		devMode     = flag.Bool("dev", false, "Development mode (detailed errors, console logs)")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("relay version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, *dbPath, *logLevel, *logFormat, *apiHost, *apiPort, *devMode)

	log, err := initLogger(cfg.Log.Level, cfg.Log.Format, cfg.API.DevMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting relay",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_time", buildTime),
		zap.String("db_path", cfg.Database.Path),
		zap.Int("chains", len(cfg.Chains)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Storage
	kv, err := docstore.NewPebbleKV(&docstore.Config{
		Path:    cfg.Database.Path,
		CacheMB: cfg.Database.CacheMB,
	}, log)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer func() {
		if err := kv.Close(); err != nil {
			log.Error("Failed to close database", zap.Error(err))
		}
	}()
	docs := docstore.NewDocuments(kv, log)

	log.Info("Storage initialized", zap.String("path", cfg.Database.Path))

	// Event bus
	topic := bus.New(cfg.Bus.PublishBufferSize)
	topic.SetMetrics(bus.NewMetrics(metricsNamespace))
	go topic.Run()
	defer topic.Stop()

	// Event store
	events := eventstore.New(kv, topic, log)
	events.SetMetrics(eventstore.NewMetrics(metricsNamespace))

	// Normalizer with on-chain event mappers
	normalizer := normalize.New(log)
	lookup := normalize.NewStoreLookup(docs, "submissions")
	for _, mapper := range []normalize.Mapper{
		normalize.NewVerificationCompleteMapper(lookup, log),
		&normalize.RewardDistributedMapper{},
		&normalize.TaskStatusMapper{},
	} {
		if err := normalizer.Register(mapper); err != nil {
			log.Fatal("Failed to register event mapper", zap.Error(err))
		}
	}

	// Chain connectors
	cursors := chains.NewCursorStore(kv)
	registry := chains.NewRegistry(log)
	for i := range cfg.Chains {
		chainCfg := cfg.Chains[i]
		connector, err := chains.NewConnector(
			&chainCfg,
			chains.EthDialer(chainCfg.WSEndpoint),
			normalizer,
			events,
			cursors,
			log,
		)
		if err != nil {
			log.Fatal("Failed to create chain connector",
				zap.String("chain", chainCfg.ID),
				zap.Error(err),
			)
		}
		if err := registry.Register(connector); err != nil {
			log.Fatal("Failed to register chain connector",
				zap.String("chain", chainCfg.ID),
				zap.Error(err),
			)
		}
	}
	registry.StartAll(ctx)

	// Differential sync
	syncSvc := delta.NewService(docs, topic, log)
	syncSvc.RegisterCollection("tasks", delta.Rule{
		OwnerOnly:  true,
		PublicRead: true,
		Kind:       event.KindTaskUpdate,
	})
	syncSvc.RegisterCollection("submissions", delta.Rule{
		OwnerOnly: true,
		Kind:      event.KindSubmissionUpdate,
	})

	// Notification fan-out
	var gateway notify.PushGateway
	if cfg.Notifications.PushEndpoint != "" {
		gateway = notify.NewHTTPGateway(cfg.Notifications.PushEndpoint, cfg.Notifications.PushAPIKey, log)
	} else {
		log.Warn("No push endpoint configured, deliveries will only be logged")
		gateway = notify.NewLogGateway(log)
	}

	notifyStorage := notify.NewStorage(kv, log)
	notifySvc, err := notify.NewService(&cfg.Notifications, notifyStorage, topic, gateway, log)
	if err != nil {
		log.Fatal("Failed to create notification service", zap.Error(err))
	}
	notifySvc.SetMetrics(notify.NewMetrics(metricsNamespace))
	if err := notifySvc.Start(ctx); err != nil {
		log.Fatal("Failed to start notification service", zap.Error(err))
	}

	// Rate limiter and its janitor
	limiter := ratelimit.New(kv, log)
	limiter.SetMetrics(ratelimit.NewMetrics(metricsNamespace))
	go limiter.Janitor(ctx, cfg.RateLimit.JanitorInterval, cfg.RateLimit.Retention)

	// API server
	apiServer, err := api.NewServer(&cfg.API, syncSvc, events, notifySvc, registry, limiter, topic, nil, log)
	if err != nil {
		log.Fatal("Failed to create API server", zap.Error(err))
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- apiServer.Start()
	}()

	log.Info("Relay started", zap.String("address", cfg.API.Address()))

	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errChan:
		if err != nil {
			log.Error("API server stopped with error", zap.Error(err))
		}
	}

	log.Info("Shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error("Failed to stop API server gracefully", zap.Error(err))
	}
	if err := notifySvc.Stop(shutdownCtx); err != nil {
		log.Error("Failed to stop notification service gracefully", zap.Error(err))
	}
	registry.StopAll(shutdownCtx)

	log.Info("Relay stopped")
}

// applyFlags overrides configuration with command-line flags.
func applyFlags(cfg *config.Config, dbPath, logLevel, logFormat, apiHost string, apiPort int, devMode bool) {
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if apiHost != "" {
		cfg.API.Host = apiHost
	}
	if apiPort != 0 {
		cfg.API.Port = apiPort
	}
	if devMode {
		cfg.API.DevMode = true
	}
}

// initLogger creates the root logger from configuration.
func initLogger(level, format string, development bool) (*zap.Logger, error) {
	return logger.NewWithConfig(&logger.Config{
		Level:       level,
		Encoding:    format,
		Development: development,
	})
}
