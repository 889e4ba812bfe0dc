package writer

import (
	"strings"
	"testing"
	"time"

	appconfig "marketflow/config"
	"marketflow/logger"
	"marketflow/models"
)

func testArchiver() *Archiver {
	return &Archiver{
		config: &appconfig.Config{
			Storage: appconfig.StorageConfig{
				S3: appconfig.S3Config{Bucket: "test-bucket", Prefix: "marketflow"},
			},
		},
		prefix: "marketflow",
		log:    logger.GetLogger(),
	}
}

func TestRawKeyLayout(t *testing.T) {
	a := testArchiver()
	snap := models.RawSnapshot{
		Source:      "redfin",
		Target:      "Upper West Side",
		ContentType: "text/html",
		FetchedAt:   time.Date(2025, 10, 31, 12, 0, 0, 0, time.UTC),
	}

	key := a.rawKey(snap)
	want := "marketflow/raw/source=redfin/2025/10/upper_west_side_20251031120000.html"
	if key != want {
		t.Errorf("rawKey = %q, want %q", key, want)
	}

	snap.ContentType = "text/csv"
	snap.Source = "streeteasy"
	snap.Target = "median_dom"
	if key := a.rawKey(snap); !strings.HasSuffix(key, ".csv") || !strings.Contains(key, "source=streeteasy") {
		t.Errorf("csv rawKey = %q", key)
	}
}

func TestBatchKeyLayout(t *testing.T) {
	a := testArchiver()
	batch := models.Batch{
		BatchID:   "run-1234",
		Timestamp: time.Date(2025, 10, 31, 12, 0, 0, 0, time.UTC),
	}

	key := a.batchKey(batch)
	want := "marketflow/records/2025/10/marketflow_run-1234.parquet"
	if key != want {
		t.Errorf("batchKey = %q, want %q", key, want)
	}
}

func TestToParquetRecord(t *testing.T) {
	rec := models.Normalize(models.Record{
		"Date":                         "10/31/2025",
		"Town":                         "Maplewood",
		"Region":                       "North Jersey",
		"Median_Sale_Price":            615000,
		"Median_List_Price":            597087,
		"Overall_Average_Premium_Paid": 0.03,
		"Median_DOM":                   19,
		"Num_of_Homes_Sold":            "142",
	})

	pr := toParquetRecord(rec)

	if pr.Date != "10/31/2025" || pr.Town != "Maplewood" {
		t.Errorf("identity fields wrong: %+v", pr)
	}
	if pr.MedianSalePrice == nil || *pr.MedianSalePrice != 615000 {
		t.Errorf("MedianSalePrice = %v", pr.MedianSalePrice)
	}
	if pr.OverallAveragePremiumPaid == nil || *pr.OverallAveragePremiumPaid != 0.03 {
		t.Errorf("OverallAveragePremiumPaid = %v", pr.OverallAveragePremiumPaid)
	}
	if pr.NumOfHomesSold == nil || *pr.NumOfHomesSold != "142" {
		t.Errorf("NumOfHomesSold = %v", pr.NumOfHomesSold)
	}
	// Fields normalized to nil stay nil in the parquet row.
	if pr.CompeteScore != nil {
		t.Errorf("CompeteScore should be nil, got %v", *pr.CompeteScore)
	}
	if pr.HotHomePremium != nil {
		t.Errorf("HotHomePremium should be nil, got %v", *pr.HotHomePremium)
	}
}

func TestToParquetRecordStringNumbers(t *testing.T) {
	// StreetEasy path carries numeric values as raw CSV strings.
	rec := models.Record{
		"Date":              "09/30/2025",
		"Town":              "Williamsburg",
		"Region":            "New York City",
		"Median_List_Price": "1250000",
		"Median_DOM":        "45",
		"Num_of_Homes_Sold": "88",
	}

	pr := toParquetRecord(rec)
	if pr.MedianListPrice == nil || *pr.MedianListPrice != 1250000 {
		t.Errorf("MedianListPrice = %v", pr.MedianListPrice)
	}
	if pr.MedianDOM == nil || *pr.MedianDOM != 45 {
		t.Errorf("MedianDOM = %v", pr.MedianDOM)
	}
}

func TestCreateParquetFile(t *testing.T) {
	a := testArchiver()
	records := []models.Record{
		models.Normalize(models.Record{"Date": "10/31/2025", "Town": "Maplewood", "Region": "North Jersey", "Median_Sale_Price": 615000}),
		models.Normalize(models.Record{"Date": "09/30/2025", "Town": "Williamsburg", "Region": "New York City", "Median_List_Price": "1250000"}),
	}

	data, err := a.createParquetFile(records)
	if err != nil {
		t.Fatalf("createParquetFile failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty parquet output")
	}
	// Parquet files end with the PAR1 magic.
	if !strings.HasSuffix(string(data), "PAR1") {
		t.Error("output does not look like a parquet file")
	}
}
