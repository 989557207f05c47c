package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"futflow/config"
	"futflow/internal/bot"
	"futflow/internal/classifier"
	"futflow/internal/metrics"
	"futflow/internal/probe"
	"futflow/internal/scheduler"
	"futflow/internal/server"
	"futflow/internal/snapshot"
	"futflow/internal/store"
	"futflow/internal/telegram"
	"futflow/logger"
	"futflow/models"
	"futflow/processor"
	"futflow/reader"
	"futflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithEnv("APP_ENV", "LOG_LEVEL").WithFields(logger.Fields{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
		"env":     config.AppEnvironment(),
	}).Info("starting futflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	cls, err := classifier.New(cfg.Classifier.Keywords)
	if err != nil {
		log.WithError(err).Error("failed to build classifier")
		os.Exit(1)
	}
	hypeMin, err := models.ParseLevel(cfg.Classifier.HypeMinLevel)
	if err != nil {
		log.WithError(err).Error("invalid classifier.hype_min_level")
		os.Exit(1)
	}

	adapters, err := reader.BuildAdapters(cfg, cls)
	if err != nil {
		log.WithError(err).Error("failed to build source adapters")
		os.Exit(1)
	}
	if len(cfg.Source.PricePages) == 0 {
		log.WithComponent("main").Warn("no price pages configured; using synthetic prices")
	}

	subStore, seenStore, closeStores, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		log.WithError(err).Error("failed to open storage")
		os.Exit(1)
	}
	subs := store.LoadSubscribers(ctx, subStore)

	snapshots := snapshot.NewStore(cfg.Processor.SnapshotCapacity)
	analyzer := processor.NewAnalyzer(cfg.Processor, hypeMin, adapters, snapshots, seenStore)
	tg := telegram.NewClient(cfg.Telegram)

	var cw *metrics.CloudWatch
	if cfg.Metrics.CloudWatch.Enabled {
		cw, err = metrics.NewCloudWatch(ctx, cfg.Metrics.CloudWatch)
		if err != nil {
			log.WithError(err).Warn("CloudWatch metrics disabled")
			cw = nil
		}
	}
	recorder := metrics.NewRecorder(cw)
	if err := recorder.RegisterGauge("subscribers", "Current subscriber count", func() float64 { return float64(subs.Count()) }); err != nil {
		log.WithError(err).Warn("failed to register subscribers gauge")
	}
	if err := recorder.RegisterGauge("snapshots_retained", "Snapshots held in the rolling window", func() float64 { return float64(snapshots.Len()) }); err != nil {
		log.WithError(err).Warn("failed to register snapshots gauge")
	}

	var archive *writer.Archive
	if cfg.Archive.Enabled {
		s3Client, err := store.NewS3Client(ctx, cfg.Storage.S3)
		if err != nil {
			log.WithError(err).Error("failed to create S3 client for archive")
			os.Exit(1)
		}
		archive = writer.NewArchive(cfg.Archive, cfg.Storage.S3.Bucket, s3Client)
		snapshots.OnRecord(archive.Enqueue)
		if err := archive.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start snapshot archive")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("snapshot archive disabled")
	}

	sched := scheduler.New(cfg.Scheduler, analyzer, tg, subs, recorder)
	handler := bot.NewHandler(tg, subs, sched, analyzer, cfg.Processor.SparkWidth, cfg.Scheduler.CycleTimeout)

	webhookSet := false
	if cfg.Telegram.RegisterWebhook && cfg.Telegram.BaseURL != "" {
		hookURL := strings.TrimRight(cfg.Telegram.BaseURL, "/") + "/webhook/" + cfg.Telegram.WebhookSecret
		if err := tg.RegisterWebhook(ctx, hookURL); err != nil {
			log.WithError(err).Warn("failed to set webhook")
		} else {
			webhookSet = true
		}
	}

	deps := server.Deps{
		AppName:       cfg.App.Name,
		WebhookSecret: cfg.Telegram.WebhookSecret,
		WebhookSet:    webhookSet,
		Scheduler:     sched,
		Subscribers:   subs,
		Bot:           handler,
		Probe:         probe.New(cfg.Probe, cfg.Reader),
	}
	if cfg.Metrics.Prometheus {
		deps.Metrics = recorder.Handler()
	}
	srv := server.NewServer(cfg.Server, deps)

	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Run(serverCtx)
	}()

	if cfg.Scheduler.Enabled {
		if err := sched.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start scheduler")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("scheduler disabled; only on-demand scans will run")
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverDone := false
	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-serverErr:
		serverDone = true
		if err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("http server failed")
		}
	}

	log.Info("starting graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	stopServer()
	sched.Stop(shutdownCtx)
	handler.Wait()
	cancel()

	if archive != nil {
		log.Info("stopping snapshot archive")
		archive.Stop(shutdownCtx)
	}
	if err := closeStores(); err != nil {
		log.WithError(err).Warn("failed to close storage")
	}

	if !serverDone {
		select {
		case <-serverErr:
		case <-shutdownCtx.Done():
			log.Warn("graceful shutdown timeout exceeded")
		}
	}

	log.Info("futflow stopped")
}
