package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/maxpert/sitesync/admin"
	"github.com/maxpert/sitesync/buffer"
	"github.com/maxpert/sitesync/cfg"
	"github.com/maxpert/sitesync/cursor"
	"github.com/maxpert/sitesync/driver"
	"github.com/maxpert/sitesync/filesync"
	"github.com/maxpert/sitesync/filter"
	"github.com/maxpert/sitesync/integration"
	"github.com/maxpert/sitesync/notify"
	"github.com/maxpert/sitesync/processor"
	"github.com/maxpert/sitesync/processor/sink"
	"github.com/maxpert/sitesync/protocol"
	"github.com/maxpert/sitesync/protocol/changelog"
	"github.com/maxpert/sitesync/protocol/legacy"
	"github.com/maxpert/sitesync/store"
	"github.com/maxpert/sitesync/synchroniser"
	"github.com/maxpert/sitesync/telemetry"
	"github.com/maxpert/sitesync/translator"
	"github.com/maxpert/sitesync/translator/tables"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("site_id", cfg.Config.SiteID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Sitesync - multi-site changelog replication")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Local database with commit notifications for processors
	hub := notify.NewHub()
	db, err := store.Open(cfg.DatabasePath(), hub)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open site database")
		return
	}
	defer db.Close()

	translators := tables.Default()
	tables.DeclareReferences(db, translators)
	registry, err := translator.NewRegistry(translators...)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid translator set")
		return
	}

	buf := buffer.New(cfg.Config.Sync.MaxIntegrationAttempts)
	cursors := cursor.NewStore(db)
	engine := integration.NewEngine(db, buf, registry)

	transport, err := protocol.NewHTTPTransport(protocol.TransportConfig{
		BaseURL:  cfg.Config.Sync.CentralURL,
		Username: cfg.Config.Sync.Username,
		Password: cfg.Config.Sync.Password,
		SiteID:   cfg.Config.SiteID,
		Timeout:  time.Duration(cfg.Config.Sync.RequestTimeoutMS) * time.Millisecond,
		Compress: cfg.Config.Sync.Compression,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create central transport")
		return
	}

	pipeline := &protocol.Pipeline{
		DB:        db,
		Cursors:   cursors,
		Buffer:    buf,
		Registry:  registry,
		SiteID:    cfg.Config.SiteID,
		BatchSize: cfg.Config.Sync.BatchSize,
	}
	if len(cfg.Config.Sync.PushTables) > 0 {
		pipeline.PushFilter, err = filter.NewGlobFilter(cfg.Config.Sync.PushTables)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid push table filter")
			return
		}
	}

	sync := synchroniser.New(db, buf, engine, newClient(transport, pipeline))

	// Attachment sidecar, paused around every sync cycle
	var files *filesync.Driver
	var fileQueue *filesync.Queue
	if cfg.Config.FileSync.Enabled {
		fileQueue, err = filesync.OpenQueue(cfg.FileQueuePath())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open file transfer queue")
			return
		}
		defer fileQueue.Close()

		files = filesync.NewDriver(fileQueue, filesync.NewHTTPTransfer(transport, cfg.Config.FileSync.FilesDir), filesync.Options{
			PollInterval: time.Duration(cfg.Config.FileSync.PollIntervalMS) * time.Millisecond,
			IdleInterval: time.Duration(cfg.Config.FileSync.IdleIntervalMS) * time.Millisecond,
			MaxAttempts:  cfg.Config.FileSync.MaxAttempts,
		})
		files.Run()
		defer files.Close()
		files.Start()
	}

	// Changelog processors
	processors := processor.NewManager(db)
	exporters, err := registerProcessors(ctx, db, cursors, processors, fileQueue)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to register processors")
		return
	}
	defer func() {
		for _, e := range exporters {
			if err := e.Close(); err != nil {
				log.Warn().Err(err).Str("sink", e.Name()).Msg("Failed to close sink")
			}
		}
	}()
	processors.Start()
	defer processors.Stop()

	var sidecar driver.Sidecar
	if files != nil {
		sidecar = files
	}
	syncDriver := driver.New(sync, cfg.SyncInterval, sidecar)
	if err := syncDriver.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start sync driver")
		return
	}
	defer syncDriver.Stop()

	collector := telemetry.NewMetricsCollector(&siteStats{sync: sync, processors: processors}, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	if cfg.Config.Admin.Enabled {
		opts := admin.Options{
			DB:           db,
			Buffer:       buf,
			Cursors:      cursors,
			Synchroniser: sync,
			Driver:       syncDriver,
			Processors:   processors,
			Secret:       cfg.Config.Admin.Secret,
		}
		if files != nil {
			opts.Files = files
		}

		server := startAdmin(admin.NewAdminHandlers(opts))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Admin server shutdown failed")
			}
		}()
	}

	log.Info().
		Uint64("site_id", cfg.Config.SiteID).
		Str("central_url", cfg.Config.Sync.CentralURL).
		Str("protocol", cfg.Config.Sync.Protocol).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Site is operational")

	<-ctx.Done()
	log.Info().Msg("Shutting down")
}

func newClient(transport *protocol.HTTPTransport, pipeline *protocol.Pipeline) protocol.Client {
	if cfg.Config.Sync.Protocol == cfg.ProtocolLegacy {
		return legacy.New(transport, pipeline)
	}
	return changelog.New(transport, pipeline, changelog.Options{
		IntegrationTimeout: time.Duration(cfg.Config.Sync.IntegrationTimeoutSeconds) * time.Second,
		PollInterval:       time.Duration(cfg.Config.Sync.IntegrationPollMS) * time.Millisecond,
	})
}

// registerProcessors adds the configured processors and returns the sink
// exporters, which own broker connections
func registerProcessors(ctx context.Context, db *store.Store, cursors *cursor.Store, mgr *processor.Manager, queue *filesync.Queue) ([]*sink.Exporter, error) {
	base := processor.RunnerConfig{
		DB:           db,
		Cursors:      cursors,
		BatchSize:    cfg.Config.Processors.BatchSize,
		PollInterval: time.Duration(cfg.Config.Processors.PollIntervalMS) * time.Millisecond,
	}

	add := func(config processor.RunnerConfig) error {
		r, err := processor.NewRunner(ctx, config)
		if err != nil {
			return err
		}
		return mgr.Add(r)
	}

	if cfg.Config.Processors.RequisitionTransfer {
		config := base
		config.Processor = processor.NewRequisitionTransfer(cfg.Config.SiteID)
		if err := add(config); err != nil {
			return nil, err
		}
	}

	if queue != nil {
		config := base
		config.Processor = processor.NewFileQueue(queue)
		if err := add(config); err != nil {
			return nil, err
		}
	}

	var exporters []*sink.Exporter
	for _, sc := range cfg.Config.Sinks {
		e, err := sink.New(sc, cfg.Config.SiteID)
		if err != nil {
			return exporters, err
		}
		exporters = append(exporters, e)

		config := base
		config.Processor = e
		if sc.BatchSize > 0 {
			config.BatchSize = sc.BatchSize
		}
		if sc.PollIntervalMS > 0 {
			config.PollInterval = time.Duration(sc.PollIntervalMS) * time.Millisecond
		}
		config.RetryInitial = time.Duration(sc.RetryInitialMS) * time.Millisecond
		config.RetryMax = time.Duration(sc.RetryMaxMS) * time.Millisecond
		config.RetryMultiplier = sc.RetryMultiplier
		if err := add(config); err != nil {
			return exporters, err
		}
		log.Info().Str("sink", sc.Name).Str("type", sc.Type).Msg("Changelog sink registered")
	}

	return exporters, nil
}

func startAdmin(handlers *admin.AdminHandlers) *http.Server {
	mux := http.NewServeMux()
	admin.RegisterRoutes(mux, handlers)

	addr := net.JoinHostPort(cfg.Config.Admin.BindAddress, strconv.Itoa(cfg.Config.Admin.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("address", addr).Msg("Admin server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
	return server
}

// siteStats samples backlogs for the metrics collector
type siteStats struct {
	sync       *synchroniser.Synchroniser
	processors *processor.Manager
}

func (s *siteStats) BufferStats() (pending, deadLettered int, err error) {
	return s.sync.BufferStats()
}

func (s *siteStats) ProcessorLags() map[string]uint64 {
	return s.processors.Lags()
}
