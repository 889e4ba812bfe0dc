package logger

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types" //cloudwatch
)

type sourceStat struct {
	fetches int64
	bytes   int64
}

var (
	warnCounts  sync.Map // map[string]*int64, keyed by component
	errorCounts sync.Map // map[string]*int64, keyed by component
	sources     sync.Map // map[string]*sourceStat, keyed by source name
	published   int64
	pubFailures int64
)

func recordWarn(component string) {
	v, _ := warnCounts.LoadOrStore(component, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordError(component string) {
	v, _ := errorCounts.LoadOrStore(component, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

// RecordFetch accounts one completed fetch against the named source.
func RecordFetch(source string, size int) {
	v, _ := sources.LoadOrStore(source, &sourceStat{})
	st := v.(*sourceStat)
	atomic.AddInt64(&st.fetches, 1)
	atomic.AddInt64(&st.bytes, int64(size))
}

// RecordPublish accounts one publish attempt.
func RecordPublish(ok bool) {
	if ok {
		atomic.AddInt64(&published, 1)
	} else {
		atomic.AddInt64(&pubFailures, 1)
	}
}

// LogRunReport emits the accumulated run counters as a single summary entry
// and pushes them to CloudWatch when the client is configured. It is meant to
// be called once, at the end of a collection run.
func LogRunReport(ctx context.Context, log *Log) {
	warns := map[string]int64{}
	warnCounts.Range(func(k, v any) bool {
		warns[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	errs := map[string]int64{}
	errorCounts.Range(func(k, v any) bool {
		errs[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	sourceData := map[string]map[string]int64{}
	sources.Range(func(k, v any) bool {
		st := v.(*sourceStat)
		sourceData[k.(string)] = map[string]int64{
			"fetches": atomic.LoadInt64(&st.fetches),
			"bytes":   atomic.LoadInt64(&st.bytes),
		}
		return true
	})

	pub := atomic.LoadInt64(&published)
	fail := atomic.LoadInt64(&pubFailures)

	log.WithComponent("report").WithFields(Fields{
		"warns":             warns,
		"errors":            errs,
		"sources":           sourceData,
		"records_published": pub,
		"publish_failures":  fail,
	}).Info("run report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("RecordsPublished"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(pub))},
		cwtypes.MetricDatum{MetricName: aws.String("PublishFailures"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fail))},
	)

	for name, st := range sourceData {
		dims := []cwtypes.Dimension{{Name: aws.String("Source"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("SourceFetches"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
				Value:      aws.Float64(float64(st["fetches"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("SourceBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: dims,
				Value:      aws.Float64(float64(st["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
