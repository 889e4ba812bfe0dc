package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"marketflow/config"
	"marketflow/models"
)

const marketPageTemplate = `<html><body>
<section class="MarketInsightsSummarySection">
<p>In October 2025, %s home prices were up compared to last year.</p>
</section>
<div id="home_prices">
<div class="desktop-section-content">
<div class="ModeToggler dataTabs">
<button class="selected"><div><div class="dataPoints"><div class="value">$615,000</div></div></div></button>
</div>
</div>
</div>
<div id="compete">
<div id="demand" class="MarketInsightsGraphSection">
<div class="ModeToggler dataTabs">
<button class="selected"><div class="value">103.0%%</div></button>
</div>
</div>
</div>
</body></html>`

const priceFeedCSV = `areaName,Borough,Date,areaType,value
Williamsburg,Brooklyn,2025-09-01,neighborhood,1250000
Park Slope,Brooklyn,2025-09-01,neighborhood,1825000
`

const ratioFeedCSV = `areaName,Borough,Date,areaType,value
Williamsburg,Brooklyn,2025-09-01,neighborhood,1.02
Park Slope,Brooklyn,2025-09-01,neighborhood,bad-ratio
`

type fakePublisher struct {
	records []models.Record
	failFor string
}

func (f *fakePublisher) Publish(ctx context.Context, rec models.Record) error {
	if town, _ := rec["Town"].(string); town == f.failFor {
		return fmt.Errorf("simulated publish failure for %s", town)
	}
	f.records = append(f.records, rec)
	return nil
}

func testConfig(priceURL, ratioURL string) *config.Config {
	return &config.Config{
		Marketflow: config.MarketflowConfig{Name: "MarketFlow", Version: "test"},
		Fetch: config.FetchConfig{
			Timeout:   time.Second,
			UserAgent: "test-agent",
			RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 1},
		},
		Source: config.SourceConfig{
			Redfin: config.RedfinSourceConfig{Enabled: true},
			Streeteasy: config.StreeteasySourceConfig{
				Enabled: true,
				Region:  "New York City",
				Columns: config.CSVColumns{Date: 2, Neighborhood: 0, Value: 4},
				Feeds: []config.FeedConfig{
					{Name: "median_asking_price", URL: priceURL, Field: "Median_List_Price"},
					{Name: "sale_to_list_ratio", URL: ratioURL, Field: "Overall_Average_Premium_Paid"},
				},
			},
		},
	}
}

func TestRunEndToEnd(t *testing.T) {
	pageSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprintf(w, marketPageTemplate, "Maplewood")
	}))
	defer pageSrv.Close()

	brokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "blocked", http.StatusForbidden)
	}))
	defer brokenSrv.Close()

	csvSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/price" {
			w.Write([]byte(priceFeedCSV))
			return
		}
		w.Write([]byte(ratioFeedCSV))
	}))
	defer csvSrv.Close()

	cfg := testConfig(csvSrv.URL+"/price", csvSrv.URL+"/ratio")
	targets := &config.Targets{
		Towns: []config.TownTarget{
			{Town: "Maplewood", Region: "North Jersey", URL: pageSrv.URL},
			{Town: "Montclair", Region: "North Jersey", URL: pageSrv.URL},
			{Town: "Broken", Region: "North Jersey", URL: brokenSrv.URL},
		},
		Neighborhoods: []string{"Williamsburg", "Park Slope"},
	}

	pub := &fakePublisher{}
	p := New(cfg, targets, pub, nil)

	stats := p.Run(context.Background())

	if stats.TownsScraped != 2 || stats.TownsFailed != 1 {
		t.Fatalf("towns scraped/failed = %d/%d, want 2/1", stats.TownsScraped, stats.TownsFailed)
	}
	if stats.FeedsFetched != 2 || stats.FeedsFailed != 0 {
		t.Fatalf("feeds fetched/failed = %d/%d, want 2/0", stats.FeedsFetched, stats.FeedsFailed)
	}
	if stats.NeighborhoodsMerged != 2 {
		t.Fatalf("neighborhoods merged = %d, want 2", stats.NeighborhoodsMerged)
	}

	// 2 successful towns + 2 merged neighborhoods.
	if stats.RecordsPublished != 4 {
		t.Fatalf("records published = %d, want 4", stats.RecordsPublished)
	}
	if len(pub.records) != 4 {
		t.Fatalf("publisher received %d records, want 4", len(pub.records))
	}

	byTown := map[string]models.Record{}
	for _, rec := range pub.records {
		// Every published record carries the full master schema.
		if len(rec) != len(models.MasterSchema) {
			t.Errorf("record for %v has %d keys, want %d", rec["Town"], len(rec), len(models.MasterSchema))
		}
		byTown[rec["Town"].(string)] = rec
	}

	wb := byTown["Williamsburg"]
	if wb == nil {
		t.Fatal("Williamsburg record missing")
	}
	if wb["Median_List_Price"] != "1250000" {
		t.Errorf("merged price = %v", wb["Median_List_Price"])
	}
	if premium, ok := wb["Overall_Average_Premium_Paid"].(float64); !ok || premium > 0.021 || premium < 0.019 {
		t.Errorf("finalized premium = %v, want ~0.02", wb["Overall_Average_Premium_Paid"])
	}

	// Unparsable stored ratio becomes explicit null.
	ps := byTown["Park Slope"]
	if ps == nil {
		t.Fatal("Park Slope record missing")
	}
	if ps["Overall_Average_Premium_Paid"] != nil {
		t.Errorf("unparsable ratio should be nil, got %v", ps["Overall_Average_Premium_Paid"])
	}

	if byTown["Maplewood"]["Date"] != "10/31/2025" {
		t.Errorf("redfin date = %v", byTown["Maplewood"]["Date"])
	}
	if wb["Date"] != "09/30/2025" {
		t.Errorf("streeteasy date = %v", wb["Date"])
	}
}

func TestRunPublishFailureContinues(t *testing.T) {
	pageSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprintf(w, marketPageTemplate, "Maplewood")
	}))
	defer pageSrv.Close()

	cfg := testConfig("http://127.0.0.1:0/price", "http://127.0.0.1:0/ratio")
	cfg.Source.Streeteasy.Enabled = false
	targets := &config.Targets{
		Towns: []config.TownTarget{
			{Town: "Maplewood", Region: "North Jersey", URL: pageSrv.URL},
			{Town: "Montclair", Region: "North Jersey", URL: pageSrv.URL},
		},
	}

	pub := &fakePublisher{failFor: "Maplewood"}
	p := New(cfg, targets, pub, nil)

	stats := p.Run(context.Background())
	if stats.PublishFailures != 1 {
		t.Fatalf("publish failures = %d, want 1", stats.PublishFailures)
	}
	if stats.RecordsPublished != 1 {
		t.Fatalf("records published = %d, want 1", stats.RecordsPublished)
	}
}

func TestRunFeedFailureYieldsEmptyPass(t *testing.T) {
	csvSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/price" {
			w.Write([]byte(priceFeedCSV))
			return
		}
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer csvSrv.Close()

	cfg := testConfig(csvSrv.URL+"/price", csvSrv.URL+"/ratio")
	cfg.Source.Redfin.Enabled = false
	targets := &config.Targets{Neighborhoods: []string{"Williamsburg", "Park Slope"}}

	pub := &fakePublisher{}
	p := New(cfg, targets, pub, nil)

	stats := p.Run(context.Background())
	if stats.FeedsFetched != 1 || stats.FeedsFailed != 1 {
		t.Fatalf("feeds fetched/failed = %d/%d, want 1/1", stats.FeedsFetched, stats.FeedsFailed)
	}
	// The surviving feed still yields merged records.
	if stats.NeighborhoodsMerged != 2 || stats.RecordsPublished != 2 {
		t.Fatalf("merged/published = %d/%d, want 2/2", stats.NeighborhoodsMerged, stats.RecordsPublished)
	}
}
