// Package processor combines the per-metric StreetEasy passes into one record
// per neighborhood and derives the premium column from the stored ratio.
package processor

import (
	"sort"
	"strconv"

	"marketflow/logger"
	"marketflow/models"
)

// RatioKey is the schema field that carries the raw sale-to-list ratio until
// FinalizePremiums rewrites it as a premium.
const RatioKey = "Overall_Average_Premium_Paid"

// MergeNeighborhoods unions the partial records of every feed pass, keyed by
// neighborhood. Each feed writes a disjoint metric in practice, but when two
// passes define the same field the later pass wins.
func MergeNeighborhoods(passes []map[string]models.Record) map[string]models.Record {
	merged := make(map[string]models.Record)
	for _, pass := range passes {
		for name, partial := range pass {
			rec, ok := merged[name]
			if !ok {
				rec = make(models.Record, len(models.MasterSchema))
				merged[name] = rec
			}
			for key, value := range partial {
				rec[key] = value
			}
		}
	}
	return merged
}

// FinalizePremiums rewrites the stored sale-to-list ratio of every merged
// record as a premium (ratio - 1.0). Records without the ratio field are left
// alone; an unparsable stored value becomes an explicit nil.
func FinalizePremiums(merged map[string]models.Record) {
	log := logger.GetLogger().WithComponent("processor")

	for name, rec := range merged {
		stored, ok := rec[RatioKey]
		if !ok {
			continue
		}

		ratio, ok := toFloat(stored)
		if !ok {
			log.WithFields(logger.Fields{"neighborhood": name, "value": stored}).Warn("unparsable sale-to-list ratio")
			rec[RatioKey] = nil
			continue
		}
		rec[RatioKey] = ratio - 1.0
	}
}

// SortedRecords returns the merged records in alphabetical neighborhood order
// so every run publishes in a stable sequence.
func SortedRecords(merged map[string]models.Record) []models.Record {
	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	records := make([]models.Record, 0, len(names))
	for _, name := range names {
		records = append(records, merged[name])
	}
	return records
}

func toFloat(v any) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	case string:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
