// Package streeteasy pulls the published StreetEasy neighborhood time series.
// Each feed is one CSV holding one metric for every neighborhood across many
// months; only the most recent observation per target neighborhood is kept.
package streeteasy

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"marketflow/config"
	"marketflow/extract"
	"marketflow/logger"
	"marketflow/models"
)

const csvDateLayout = "2006-01-02"

// ArchiveSink receives fetched feed bodies for archiving.
type ArchiveSink interface {
	StoreRaw(ctx context.Context, snap models.RawSnapshot) error
}

// Reader fetches StreetEasy CSV feeds and reduces them to one partial record
// per target neighborhood.
type Reader struct {
	config        *config.Config
	neighborhoods map[string]struct{}
	client        *http.Client
	limiter       *rate.Limiter
	archive       ArchiveSink
	log           *logger.Log
}

// NewReader creates a Reader tracking the given neighborhoods. The archive
// sink may be nil when raw archiving is disabled.
func NewReader(cfg *config.Config, neighborhoods []string, archive ArchiveSink) *Reader {
	log := logger.GetLogger()

	set := make(map[string]struct{}, len(neighborhoods))
	for _, n := range neighborhoods {
		set[n] = struct{}{}
	}

	reader := &Reader{
		config:        cfg,
		neighborhoods: set,
		client:        &http.Client{Timeout: cfg.Fetch.Timeout},
		limiter:       rate.NewLimiter(rate.Limit(cfg.Fetch.RateLimit.RequestsPerSecond), cfg.Fetch.RateLimit.BurstSize),
		archive:       archive,
		log:           log,
	}

	log.WithComponent("streeteasy_reader").WithFields(logger.Fields{
		"neighborhoods": len(set),
		"timeout":       cfg.Fetch.Timeout,
	}).Info("streeteasy reader initialized")

	return reader
}

// FetchFeed downloads one metric feed and returns a partial record per target
// neighborhood, each keyed to the latest observation available for it.
// Malformed rows are skipped individually; a transport or HTTP failure fails
// the whole feed.
func (r *Reader) FetchFeed(ctx context.Context, feed config.FeedConfig) (map[string]models.Record, error) {
	log := r.log.WithComponent("streeteasy_reader").WithFields(logger.Fields{
		"feed":  feed.Name,
		"field": feed.Field,
	})

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	body, err := r.fetch(ctx, feed)
	if err != nil {
		return nil, err
	}

	cols := r.config.Source.Streeteasy.Columns
	maxIndex := cols.Date
	if cols.Neighborhood > maxIndex {
		maxIndex = cols.Neighborhood
	}
	if cols.Value > maxIndex {
		maxIndex = cols.Value
	}

	reader := csv.NewReader(strings.NewReader(string(body)))
	reader.FieldsPerRecord = -1

	records := make(map[string]models.Record)
	latest := make(map[string]time.Time)
	headerSkipped := false
	skippedRows := 0

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Row-level malformation is never fatal to the feed.
			skippedRows++
			continue
		}
		if !headerSkipped {
			headerSkipped = true
			continue
		}
		if len(row) <= maxIndex {
			skippedRows++
			continue
		}

		name := row[cols.Neighborhood]
		if _, ok := r.neighborhoods[name]; !ok {
			continue
		}

		observed, err := time.Parse(csvDateLayout, row[cols.Date])
		if err != nil {
			skippedRows++
			continue
		}

		// Keep only the most recent observation; ties keep the first seen.
		if prev, ok := latest[name]; ok && !observed.After(prev) {
			continue
		}
		latest[name] = observed

		records[name] = models.Record{
			"Date":     formatDate(extract.LastDayOfMonth(observed)),
			"Town":     name,
			"Region":   r.config.Source.Streeteasy.Region,
			feed.Field: row[cols.Value],
		}
	}

	log.WithFields(logger.Fields{
		"neighborhoods": len(records),
		"skipped_rows":  skippedRows,
	}).Info("feed parsed")

	return records, nil
}

func (r *Reader) fetch(ctx context.Context, feed config.FeedConfig) ([]byte, error) {
	log := r.log.WithComponent("streeteasy_reader").WithFields(logger.Fields{"feed": feed.Name})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", r.config.Fetch.UserAgent)

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch feed: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}

	logger.LogPerformanceEntry(log, "streeteasy_reader", "fetch_feed", time.Since(start), logger.Fields{
		"feed": feed.Name,
	})
	logger.RecordFetch("streeteasy", len(body))

	if r.archive != nil {
		snap := models.RawSnapshot{
			Source:      "streeteasy",
			Target:      feed.Name,
			URL:         feed.URL,
			ContentType: "text/csv",
			Body:        body,
			FetchedAt:   time.Now().UTC(),
		}
		if err := r.archive.StoreRaw(ctx, snap); err != nil {
			log.WithError(err).Warn("failed to archive raw feed")
		}
	}

	return body, nil
}

// formatDate renders the date as MM/DD/YYYY zero-padded, matching the
// StreetEasy-sourced rows already in the remote table.
func formatDate(t time.Time) string {
	return t.Format("01/02/2006")
}
