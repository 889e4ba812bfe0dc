package redfin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"marketflow/config"
	"marketflow/models"
)

const marketPage = `<html><body>
<section class="MarketInsightsSummarySection">
<p>In October 2025, Maplewood home prices were up 4.5% compared to last year.</p>
</section>
<div id="home_prices">
<div class="desktop-section-content">
<div class="ModeToggler dataTabs">
<button class="selected"><div><div class="dataPoints"><div class="value">$615,000</div></div></div></button>
<button><div><div class="dataPoints"><div class="value">142</div></div></div></button>
<button><div><div class="dataPoints"><div class="value">19</div></div></div></button>
</div>
</div>
</div>
<div id="compete">
<div id="demand" class="MarketInsightsGraphSection">
<div class="ModeToggler dataTabs">
<button class="selected"><div class="value">103.0%</div></button>
</div>
</div>
<div class="CompeteScoreSectionV2">
<div>
<div>
<div class="scoreDetails">
<ul>
<li><span>Overview</span></li>
<li><span><b>+3%</b><b>25</b></span></li>
<li><span><b>+8%</b><b>11</b></span></li>
</ul>
</div>
<div class="DemandRow--BarScore"><div class="score">78</div></div>
</div>
</div>
</div>
</div>
</body></html>`

// pageWithout serves the market page with one section removed.
const pageWithoutSummary = `<html><body><div id="home_prices"></div></body></html>`

const pageWithoutCompeteScore = `<html><body>
<section class="MarketInsightsSummarySection">
<p>In February 2024, Montclair home prices were down 1.0% compared to last year.</p>
</section>
<div id="home_prices">
<div class="desktop-section-content">
<div class="ModeToggler dataTabs">
<button class="selected"><div><div class="dataPoints"><div class="value">$820,000</div></div></div></button>
</div>
</div>
</div>
<div id="compete">
<div id="demand" class="MarketInsightsGraphSection">
<div class="ModeToggler dataTabs">
<button class="selected"><div class="value">100.0%</div></button>
</div>
</div>
</div>
</body></html>`

func testConfig() *config.Config {
	return &config.Config{
		Fetch: config.FetchConfig{
			Timeout:   time.Second,
			UserAgent: "test-agent",
			RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 1},
		},
	}
}

func TestScrapeTown(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotUA = req.Header.Get("User-Agent")
		w.Write([]byte(marketPage))
	}))
	defer srv.Close()

	r := NewReader(testConfig(), nil, nil)
	rec, err := r.scrapeTown(context.Background(), config.TownTarget{Town: "Maplewood", Region: "North Jersey", URL: srv.URL})
	if err != nil {
		t.Fatalf("scrapeTown failed: %v", err)
	}

	if gotUA != "test-agent" {
		t.Errorf("user agent not sent: %q", gotUA)
	}

	want := models.Record{
		"Date":                         "10/31/2025",
		"Town":                         "Maplewood",
		"Region":                       "North Jersey",
		"Median_Sale_Price":            615000,
		"Median_List_Price":            597087,
		"Overall_Average_Premium_Paid": 0.03,
		"Median_DOM":                   19,
		"Avg_Home_Premium":             0.03,
		"Avg_Home_DOM":                 25,
		"Hot_Home_Premium":             0.08,
		"Hot_Home_DOM":                 11,
		"Num_of_Homes_Sold":            "142",
		"Compete_Score":                78,
	}
	for key, value := range want {
		if rec[key] != value {
			t.Errorf("%s = %v, want %v", key, rec[key], value)
		}
	}
}

func TestScrapeTownMissingSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(pageWithoutSummary))
	}))
	defer srv.Close()

	r := NewReader(testConfig(), nil, nil)
	if _, err := r.scrapeTown(context.Background(), config.TownTarget{Town: "Maplewood", URL: srv.URL}); err == nil {
		t.Fatal("expected error for missing summary paragraph")
	}
}

func TestScrapeTownOptionalFieldsDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(pageWithoutCompeteScore))
	}))
	defer srv.Close()

	r := NewReader(testConfig(), nil, nil)
	rec, err := r.scrapeTown(context.Background(), config.TownTarget{Town: "Montclair", Region: "North Jersey", URL: srv.URL})
	if err != nil {
		t.Fatalf("scrapeTown failed: %v", err)
	}

	if rec["Date"] != "2/29/2024" {
		t.Errorf("leap-year date = %v, want 2/29/2024", rec["Date"])
	}
	if rec["Compete_Score"] != 0 {
		t.Errorf("Compete_Score = %v, want default 0", rec["Compete_Score"])
	}
	if rec["Hot_Home_Premium"] != 0.0 {
		t.Errorf("Hot_Home_Premium = %v, want default 0.0", rec["Hot_Home_Premium"])
	}
	if rec["Num_of_Homes_Sold"] != nil {
		t.Errorf("Num_of_Homes_Sold = %v, want nil", rec["Num_of_Homes_Sold"])
	}
	if rec["Median_List_Price"] != 820000 {
		t.Errorf("Median_List_Price = %v, want 820000", rec["Median_List_Price"])
	}
}

func TestCollectContinuesAfterFailure(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(marketPage))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "blocked", http.StatusForbidden)
	}))
	defer bad.Close()

	towns := []config.TownTarget{
		{Town: "Broken", Region: "North Jersey", URL: bad.URL},
		{Town: "Maplewood", Region: "North Jersey", URL: good.URL},
	}
	r := NewReader(testConfig(), towns, nil)

	records := r.Collect(context.Background())
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0]["Town"] != "Maplewood" {
		t.Errorf("unexpected record: %v", records[0]["Town"])
	}
}
