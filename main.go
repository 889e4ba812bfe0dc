package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"marketflow/config"
	"marketflow/logger"
	"marketflow/pipeline"
	"marketflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	targetsPath := flag.String("targets", "config/targets.yml", "Path to targets file")

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

	targets, err := config.LoadTargets(*targetsPath)
	if err != nil {
		log.WithError(err).Error("Failed to load targets")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":       cfg.Marketflow.Name,
		"version":       cfg.Marketflow.Version,
		"towns":         len(targets.Towns),
		"neighborhoods": len(targets.Neighborhoods),
	}).Info("starting marketflow")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}

	var publisher pipeline.Publisher
	if cfg.Publish.Grist.Enabled {
		publisher = writer.NewGristWriter(cfg)
	} else {
		log.WithComponent("main").Info("grist publishing disabled; records will not be pushed")
	}

	var archiver pipeline.Archiver
	if cfg.Storage.S3.Enabled {
		a, err := writer.NewArchiver(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create archiver")
			os.Exit(1)
		}
		archiver = a
	} else {
		log.WithComponent("main").Info("S3 archiving disabled")
	}

	stats := pipeline.New(cfg, targets, publisher, archiver).Run(ctx)

	logger.LogRunReport(ctx, log)

	log.WithFields(logger.Fields{
		"run_id":            stats.RunID,
		"records_published": stats.RecordsPublished,
		"publish_failures":  stats.PublishFailures,
	}).Info("marketflow finished")

	if ctx.Err() != nil {
		log.Warn("run interrupted by signal")
		os.Exit(1)
	}
}
