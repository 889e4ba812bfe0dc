// Package redfin scrapes monthly market statistics from Redfin housing-market
// pages, one town at a time.
package redfin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"marketflow/config"
	"marketflow/extract"
	"marketflow/logger"
	"marketflow/models"
)

// CSS selectors for the market page. The summary date, sale price and
// sale-to-list ratio are critical; every other element may be missing without
// losing the record.
var selectors = map[string]string{
	"long_date":          "section.MarketInsightsSummarySection p",
	"sale_price":         "#home_prices div.ModeToggler.dataTabs button.selected div.value",
	"sale_to_list_ratio": "#compete div#demand.MarketInsightsGraphSection div.ModeToggler.dataTabs button.selected div.value",
	"median_dom":         "#home_prices div.ModeToggler.dataTabs button:nth-child(3) div.value",
	"avg_home_premium":   "#compete > div.CompeteScoreSectionV2 > div > div > div.scoreDetails > ul > li:nth-child(2) > span > b:nth-child(1)",
	"avg_home_dom":       "#compete > div.CompeteScoreSectionV2 > div > div > div.scoreDetails > ul > li:nth-child(2) > span > b:nth-child(2)",
	"hot_home_premium":   "#compete > div.CompeteScoreSectionV2 > div > div > div.scoreDetails > ul > li:nth-child(3) > span > b:nth-child(1)",
	"hot_home_dom":       "#compete > div.CompeteScoreSectionV2 > div > div > div.scoreDetails > ul > li:nth-child(3) > span > b:nth-child(2)",
	"num_of_homes_sold":  "#home_prices > div.desktop-section-content > div.ModeToggler.dataTabs > button:nth-child(2) > div > div.dataPoints > div.value",
	"compete_score":      "#compete > div.CompeteScoreSectionV2 > div > div > div.DemandRow--BarScore > div.score",
}

// monthYearRe captures the "Month YYYY" token from the summary paragraph,
// e.g. "In October 2025, Ridgewood home prices were up...".
var monthYearRe = regexp.MustCompile(`In\s+([A-Za-z]+\s+\d{4})`)

var nonDigitRe = regexp.MustCompile(`[^\d]`)

// ArchiveSink receives fetched page bodies for archiving.
type ArchiveSink interface {
	StoreRaw(ctx context.Context, snap models.RawSnapshot) error
}

// Reader fetches and parses one Redfin market page per configured town.
type Reader struct {
	config  *config.Config
	towns   []config.TownTarget
	client  *http.Client
	limiter *rate.Limiter
	archive ArchiveSink
	log     *logger.Log
}

// NewReader creates a Reader for the given towns. The archive sink may be nil
// when raw archiving is disabled.
func NewReader(cfg *config.Config, towns []config.TownTarget, archive ArchiveSink) *Reader {
	log := logger.GetLogger()

	reader := &Reader{
		config:  cfg,
		towns:   towns,
		client:  &http.Client{Timeout: cfg.Fetch.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.Fetch.RateLimit.RequestsPerSecond), cfg.Fetch.RateLimit.BurstSize),
		archive: archive,
		log:     log,
	}

	log.WithComponent("redfin_reader").WithFields(logger.Fields{
		"towns":   len(towns),
		"timeout": cfg.Fetch.Timeout,
	}).Info("redfin reader initialized")

	return reader
}

// Collect scrapes every configured town sequentially. Towns whose page cannot
// be fetched or whose critical fields cannot be extracted are logged and
// skipped; the remaining towns are still collected.
func (r *Reader) Collect(ctx context.Context) []models.Record {
	records := make([]models.Record, 0, len(r.towns))

	for _, town := range r.towns {
		if err := r.limiter.Wait(ctx); err != nil {
			r.log.WithComponent("redfin_reader").WithError(err).Warn("run cancelled while waiting for rate limiter")
			return records
		}

		rec, err := r.scrapeTown(ctx, town)
		if err != nil {
			r.log.WithComponent("redfin_reader").WithFields(logger.Fields{
				"town": town.Town,
				"url":  town.URL,
			}).WithError(err).Warn("skipping town")
			continue
		}
		records = append(records, rec)
	}

	return records
}

func (r *Reader) scrapeTown(ctx context.Context, town config.TownTarget) (models.Record, error) {
	log := r.log.WithComponent("redfin_reader").WithFields(logger.Fields{
		"town":      town.Town,
		"operation": "scrape_town",
	})

	body, err := r.fetch(ctx, town)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	// Date extraction is critical: without the reporting month the record
	// cannot be dated.
	summary := doc.Find(selectors["long_date"]).First()
	if summary.Length() == 0 {
		return nil, fmt.Errorf("market summary paragraph not found; selector may be outdated")
	}

	match := monthYearRe.FindStringSubmatch(strings.TrimSpace(summary.Text()))
	if match == nil {
		return nil, fmt.Errorf("no 'Month YYYY' token in summary text")
	}

	monthYear, err := extract.ParseMonthYear(match[1])
	if err != nil {
		return nil, fmt.Errorf("parse month-year %q: %w", match[1], err)
	}
	date := formatDate(extract.LastDayOfMonth(monthYear))

	salePrice, err := r.extractSalePrice(doc)
	if err != nil {
		return nil, err
	}

	ratio, err := r.extractRatio(doc)
	if err != nil {
		return nil, err
	}
	if ratio == 0 {
		return nil, fmt.Errorf("sale-to-list ratio is zero")
	}

	listPrice := int(math.Round(float64(salePrice) / ratio))
	overallPremium := math.Round((ratio-1.0)*10000) / 10000

	rec := models.Record{
		"Date":                         date,
		"Town":                         town.Town,
		"Region":                       town.Region,
		"Median_Sale_Price":            salePrice,
		"Median_List_Price":            listPrice,
		"Overall_Average_Premium_Paid": overallPremium,
		"Median_DOM":                   extract.Number(selectionText(doc, "median_dom"), 0),
		"Avg_Home_Premium":             extract.Premium(selectionText(doc, "avg_home_premium"), 0.0),
		"Avg_Home_DOM":                 extract.Number(selectionText(doc, "avg_home_dom"), 0),
		"Hot_Home_Premium":             extract.Premium(selectionText(doc, "hot_home_premium"), 0.0),
		"Hot_Home_DOM":                 extract.Number(selectionText(doc, "hot_home_dom"), 0),
		"Compete_Score":                extract.Number(selectionText(doc, "compete_score"), 0),
	}

	// Homes sold is carried verbatim when present, never coerced.
	if sold := doc.Find(selectors["num_of_homes_sold"]).First(); sold.Length() > 0 {
		rec["Num_of_Homes_Sold"] = strings.TrimSpace(sold.Text())
	} else {
		rec["Num_of_Homes_Sold"] = nil
	}

	log.WithFields(logger.Fields{"date": date, "median_sale_price": salePrice}).Info("town scraped")

	return rec, nil
}

func (r *Reader) fetch(ctx context.Context, town config.TownTarget) ([]byte, error) {
	log := r.log.WithComponent("redfin_reader").WithFields(logger.Fields{"town": town.Town})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, town.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", r.config.Fetch.UserAgent)

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch market page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch market page: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read market page: %w", err)
	}

	logger.LogPerformanceEntry(log, "redfin_reader", "fetch_market_page", time.Since(start), logger.Fields{
		"town": town.Town,
	})
	logger.RecordFetch("redfin", len(body))

	if r.archive != nil {
		snap := models.RawSnapshot{
			Source:      "redfin",
			Target:      town.Town,
			URL:         town.URL,
			ContentType: "text/html",
			Body:        body,
			FetchedAt:   time.Now().UTC(),
		}
		if err := r.archive.StoreRaw(ctx, snap); err != nil {
			log.WithError(err).Warn("failed to archive raw page")
		}
	}

	return body, nil
}

func (r *Reader) extractSalePrice(doc *goquery.Document) (int, error) {
	elem := doc.Find(selectors["sale_price"]).First()
	if elem.Length() == 0 {
		return 0, fmt.Errorf("sale price element not found")
	}
	clean := nonDigitRe.ReplaceAllString(strings.TrimSpace(elem.Text()), "")
	price, err := strconv.Atoi(clean)
	if err != nil {
		return 0, fmt.Errorf("parse sale price %q: %w", elem.Text(), err)
	}
	return price, nil
}

func (r *Reader) extractRatio(doc *goquery.Document) (float64, error) {
	elem := doc.Find(selectors["sale_to_list_ratio"]).First()
	if elem.Length() == 0 {
		return 0, fmt.Errorf("sale-to-list ratio element not found")
	}
	clean := strings.ReplaceAll(strings.TrimSpace(elem.Text()), "%", "")
	value, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, fmt.Errorf("parse sale-to-list ratio %q: %w", elem.Text(), err)
	}
	return value / 100, nil
}

func selectionText(doc *goquery.Document, key string) string {
	return strings.TrimSpace(doc.Find(selectors[key]).First().Text())
}

// formatDate renders the date as M/D/YYYY without leading zeros, the format
// the remote table's Redfin-sourced rows have always used.
func formatDate(t time.Time) string {
	return fmt.Sprintf("%d/%d/%d", int(t.Month()), t.Day(), t.Year())
}
