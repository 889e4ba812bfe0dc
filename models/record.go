package models

import "time"

// MasterSchema lists every column of the remote market table, in the order
// the table defines them. Published records carry exactly these keys.
var MasterSchema = []string{
	"Date",
	"Town",
	"Region",
	"Median_Sale_Price",
	"Median_List_Price",
	"Overall_Average_Premium_Paid",
	"Median_DOM",
	"Avg_Home_Premium",
	"Avg_Home_DOM",
	"Hot_Home_Premium",
	"Hot_Home_DOM",
	"Num_of_Homes_Sold",
	"Compete_Score",
}

// Record holds one town or neighborhood's monthly market statistics. Values
// are plain scalars (string, int, int64, float64) or nil for an explicit
// null. A record may carry a subset of the master schema until it is
// normalized for publication.
type Record map[string]any

// Normalize projects a record onto the master schema: the result contains
// every schema key, with nil substituted for keys the input does not carry.
// Input values, including present-but-nil ones, are kept unchanged.
func Normalize(rec Record) Record {
	out := make(Record, len(MasterSchema))
	for _, key := range MasterSchema {
		if v, ok := rec[key]; ok {
			out[key] = v
		} else {
			out[key] = nil
		}
	}
	return out
}

// Batch groups the normalized records of one collection run.
type Batch struct {
	BatchID     string    `json:"batch_id"`
	Source      string    `json:"source"`
	Records     []Record  `json:"records"`
	RecordCount int       `json:"record_count"`
	Timestamp   time.Time `json:"timestamp"`
}

// RawSnapshot carries one fetched source document for archiving.
type RawSnapshot struct {
	Source      string    `json:"source"`
	Target      string    `json:"target"`
	URL         string    `json:"url"`
	ContentType string    `json:"content_type"`
	Body        []byte    `json:"-"`
	FetchedAt   time.Time `json:"fetched_at"`
}
