// Package pipeline runs one collection pass end to end: scrape the Redfin
// towns, pull the StreetEasy feeds, merge, normalize and publish. The run is
// strictly sequential and always completes; individual target failures are
// logged and skipped.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"marketflow/config"
	"marketflow/logger"
	"marketflow/models"
	"marketflow/processor"
	"marketflow/reader/redfin"
	"marketflow/reader/streeteasy"
)

// Publisher appends one normalized record to the remote datastore.
type Publisher interface {
	Publish(ctx context.Context, rec models.Record) error
}

// Archiver stores raw source documents and the final record batch.
type Archiver interface {
	StoreRaw(ctx context.Context, snap models.RawSnapshot) error
	StoreBatch(ctx context.Context, batch models.Batch) error
}

// Stats summarizes one run.
type Stats struct {
	RunID               string
	TownsScraped        int
	TownsFailed         int
	FeedsFetched        int
	FeedsFailed         int
	NeighborhoodsMerged int
	RecordsPublished    int
	PublishFailures     int
}

// Pipeline wires the readers, processor and writers for one run.
type Pipeline struct {
	config     *config.Config
	targets    *config.Targets
	redfin     *redfin.Reader
	streeteasy *streeteasy.Reader
	publisher  Publisher
	archiver   Archiver
	log        *logger.Log
}

// New builds a Pipeline. publisher may be nil for a dry run (records are
// collected and logged but not pushed); archiver may be nil when archiving is
// disabled.
func New(cfg *config.Config, targets *config.Targets, publisher Publisher, archiver Archiver) *Pipeline {
	var redfinSink redfin.ArchiveSink
	var streeteasySink streeteasy.ArchiveSink
	if archiver != nil {
		redfinSink = archiver
		streeteasySink = archiver
	}

	return &Pipeline{
		config:     cfg,
		targets:    targets,
		redfin:     redfin.NewReader(cfg, targets.Towns, redfinSink),
		streeteasy: streeteasy.NewReader(cfg, targets.Neighborhoods, streeteasySink),
		publisher:  publisher,
		archiver:   archiver,
		log:        logger.GetLogger(),
	}
}

// Run executes one collection pass and returns its stats. It never returns an
// error: every failure is scoped to a single town, feed or record and the run
// continues past it.
func (p *Pipeline) Run(ctx context.Context) Stats {
	stats := Stats{RunID: uuid.New().String()}
	log := p.log.WithComponent("pipeline").WithFields(logger.Fields{"run_id": stats.RunID})

	log.Info("starting collection run")

	records := make([]models.Record, 0, len(p.targets.Towns)+len(p.targets.Neighborhoods))

	if p.config.Source.Redfin.Enabled {
		townRecords := p.redfin.Collect(ctx)
		stats.TownsScraped = len(townRecords)
		stats.TownsFailed = len(p.targets.Towns) - len(townRecords)
		records = append(records, townRecords...)
		log.WithFields(logger.Fields{
			"scraped": stats.TownsScraped,
			"failed":  stats.TownsFailed,
		}).Info("redfin pass finished")
	} else {
		log.Info("redfin source disabled")
	}

	if p.config.Source.Streeteasy.Enabled {
		merged := p.collectStreeteasy(ctx, &stats)
		stats.NeighborhoodsMerged = len(merged)
		records = append(records, processor.SortedRecords(merged)...)
		log.WithFields(logger.Fields{
			"feeds_fetched": stats.FeedsFetched,
			"feeds_failed":  stats.FeedsFailed,
			"neighborhoods": stats.NeighborhoodsMerged,
		}).Info("streeteasy pass finished")
	} else {
		log.Info("streeteasy source disabled")
	}

	log.WithFields(logger.Fields{"records": len(records)}).Info("pushing records")

	published := make([]models.Record, 0, len(records))
	for _, rec := range records {
		p.checkCompleteness(rec)
		norm := models.Normalize(rec)

		if p.publisher == nil {
			log.WithFields(logger.Fields{"town": norm["Town"]}).Info("publishing disabled, record skipped")
			published = append(published, norm)
			continue
		}

		if err := p.publisher.Publish(ctx, norm); err != nil {
			stats.PublishFailures++
			logger.RecordPublish(false)
			log.WithFields(logger.Fields{"town": norm["Town"]}).WithError(err).Error("failed to publish record")
			continue
		}
		stats.RecordsPublished++
		logger.RecordPublish(true)
		published = append(published, norm)
	}

	if p.archiver != nil && len(published) > 0 {
		batch := models.Batch{
			BatchID:     stats.RunID,
			Source:      "marketflow",
			Records:     published,
			RecordCount: len(published),
			Timestamp:   time.Now().UTC(),
		}
		if err := p.archiver.StoreBatch(ctx, batch); err != nil {
			log.WithError(err).Warn("failed to archive record batch")
		}
	}

	p.log.LogMetric("pipeline", "TownsScraped", stats.TownsScraped, "counter", logger.Fields{"run_id": stats.RunID})
	p.log.LogMetric("pipeline", "RecordsPublished", stats.RecordsPublished, "counter", logger.Fields{"run_id": stats.RunID})
	p.log.LogMetric("pipeline", "PublishFailures", stats.PublishFailures, "counter", logger.Fields{"run_id": stats.RunID})

	log.WithFields(logger.Fields{
		"towns_scraped":     stats.TownsScraped,
		"towns_failed":      stats.TownsFailed,
		"feeds_fetched":     stats.FeedsFetched,
		"feeds_failed":      stats.FeedsFailed,
		"neighborhoods":     stats.NeighborhoodsMerged,
		"records_published": stats.RecordsPublished,
		"publish_failures":  stats.PublishFailures,
	}).Info("collection run finished")

	return stats
}

// collectStreeteasy fetches every configured feed, merges the per-metric
// passes and derives the premium column. A failed feed contributes an empty
// pass.
func (p *Pipeline) collectStreeteasy(ctx context.Context, stats *Stats) map[string]models.Record {
	log := p.log.WithComponent("pipeline")

	passes := make([]map[string]models.Record, 0, len(p.config.Source.Streeteasy.Feeds))
	for _, feed := range p.config.Source.Streeteasy.Feeds {
		pass, err := p.streeteasy.FetchFeed(ctx, feed)
		if err != nil {
			stats.FeedsFailed++
			log.WithFields(logger.Fields{"feed": feed.Name}).WithError(err).Warn("feed failed, continuing without it")
			continue
		}
		stats.FeedsFetched++
		passes = append(passes, pass)
	}

	merged := processor.MergeNeighborhoods(passes)
	processor.FinalizePremiums(merged)
	return merged
}

// checkCompleteness logs whether a record carries the keys every useful row
// needs before it is normalized and pushed.
func (p *Pipeline) checkCompleteness(rec models.Record) {
	log := p.log.WithComponent("pipeline")

	_, hasDate := rec["Date"]
	_, hasTown := rec["Town"]
	_, hasSale := rec["Median_Sale_Price"]
	_, hasList := rec["Median_List_Price"]

	if hasDate && hasTown && (hasSale || hasList) {
		log.WithFields(logger.Fields{"town": rec["Town"]}).Debug("record complete")
		return
	}
	log.WithFields(logger.Fields{
		"town":      rec["Town"],
		"has_date":  hasDate,
		"has_price": hasSale || hasList,
	}).Warn("record missing required keys")
}
