package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/trailguard/trailguard/admin"
	"github.com/trailguard/trailguard/capture"
	"github.com/trailguard/trailguard/cfg"
	"github.com/trailguard/trailguard/changelog"
	"github.com/trailguard/trailguard/dispatch"
	"github.com/trailguard/trailguard/publish"
	"github.com/trailguard/trailguard/telemetry"

	_ "github.com/trailguard/trailguard/publish/sink"
)

func main() {
	flag.Parse()

	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		panic(err)
	}
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
		Str("instance_id", cfg.Config.InstanceID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Trailguard - change capture and propagation pipeline")
	telemetry.Initialize()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Change log store. Total loss of storage access means no forward
	// progress is possible, so this is the one fatal startup failure.
	store, err := changelog.NewStore(cfg.Config.Storage.Path, cfg.Config.Storage.BusyTimeoutMS)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open change log store")
		return
	}
	defer store.Close()

	// Change Recorder, capability-selected at startup.
	recorder, degraded := capture.Select(ctx, store, cfg.Config.Capture.IdentityTable)
	if err := recorder.Install(ctx, cfg.Config.Capture.WatchTables); err != nil {
		log.Fatal().Err(err).Msg("Failed to install change capture")
		return
	}
	log.Info().
		Str("mode", string(recorder.Mode())).
		Bool("degraded", degraded).
		Strs("tables", cfg.Config.Capture.WatchTables).
		Msg("Change capture active")

	// Bus sink and publisher.
	snk, err := publish.NewSink(cfg.Config.Bus.Type, publish.SinkOptions{
		NatsURL: cfg.Config.Bus.NatsURL,
		Brokers: cfg.Config.Bus.Brokers,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create bus sink")
		return
	}
	defer snk.Close()

	filter, err := publish.NewWatchFilter(cfg.Config.Poller.PublishTables)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid publish table patterns")
		return
	}

	poller, err := publish.NewPoller(publish.PollerConfig{
		Store:     store,
		Publisher: publish.NewPublisher(snk),
		Filter:    filter,
		Group:     cfg.Config.Poller.Group,
		Interval:  time.Duration(cfg.Config.Poller.IntervalMS) * time.Millisecond,
		BatchSize: cfg.Config.Poller.BatchSize,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create poller")
		return
	}
	poller.Start()
	defer poller.Stop()

	// Consumer side.
	var dispatcher *dispatch.Dispatcher
	if cfg.Config.Dispatcher.Enabled {
		if cfg.Config.Bus.Type != "nats" {
			log.Warn().Str("bus", cfg.Config.Bus.Type).
				Msg("Dispatcher consumes via NATS only, skipping consumer side")
		} else {
			source, err := dispatch.NewNatsSource(cfg.Config.Bus.NatsURL, cfg.Config.Poller.Group)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to connect dispatcher to bus")
				return
			}
			dispatcher, err = dispatch.NewDispatcher(dispatch.Config{
				Source:    source,
				Workers:   cfg.Config.Dispatcher.Workers,
				DedupSize: cfg.Config.Dispatcher.DedupSize,
			})
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to create dispatcher")
				return
			}
			changes := &dispatch.DatabaseChangeHandler{}
			dispatcher.RegisterHandler(publish.TopicEntityChange, changes)
			dispatcher.RegisterHandler(publish.TopicCriticalChange, changes)
			dispatcher.RegisterHandler(publish.TopicUserActivity, &dispatch.UserActivityHandler{})
			dispatcher.RegisterHandler(publish.TopicSystemLog, &dispatch.SystemLogHandler{})
			if err := dispatcher.Start(context.Background()); err != nil {
				log.Fatal().Err(err).Msg("Failed to start dispatcher")
				return
			}
			defer dispatcher.Stop()
		}
	}

	// Status surface.
	if cfg.Config.Status.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Config.Status.BindAddress, cfg.Config.Status.Port)
		statusServer := admin.NewServer(addr, store, poller, dispatcher, recorder.Mode(), degraded)
		statusServer.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			statusServer.Stop(shutdownCtx)
		}()
	}

	log.Info().Msg("Pipeline running")
	<-ctx.Done()
	log.Info().Msg("Shutdown signal received, draining")
}
