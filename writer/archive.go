package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	parquetwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "marketflow/config"
	"marketflow/logger"
	"marketflow/models"
)

// parquetRecord mirrors the master schema for the archived record batch.
// Every market statistic is optional; only date, town and region are always
// present.
type parquetRecord struct {
	Date                      string   `parquet:"name=date, type=BYTE_ARRAY, convertedtype=UTF8"`
	Town                      string   `parquet:"name=town, type=BYTE_ARRAY, convertedtype=UTF8"`
	Region                    string   `parquet:"name=region, type=BYTE_ARRAY, convertedtype=UTF8"`
	MedianSalePrice           *int64   `parquet:"name=median_sale_price, type=INT64, repetitiontype=OPTIONAL"`
	MedianListPrice           *int64   `parquet:"name=median_list_price, type=INT64, repetitiontype=OPTIONAL"`
	OverallAveragePremiumPaid *float64 `parquet:"name=overall_average_premium_paid, type=DOUBLE, repetitiontype=OPTIONAL"`
	MedianDOM                 *int64   `parquet:"name=median_dom, type=INT64, repetitiontype=OPTIONAL"`
	AvgHomePremium            *float64 `parquet:"name=avg_home_premium, type=DOUBLE, repetitiontype=OPTIONAL"`
	AvgHomeDOM                *int64   `parquet:"name=avg_home_dom, type=INT64, repetitiontype=OPTIONAL"`
	HotHomePremium            *float64 `parquet:"name=hot_home_premium, type=DOUBLE, repetitiontype=OPTIONAL"`
	HotHomeDOM                *int64   `parquet:"name=hot_home_dom, type=INT64, repetitiontype=OPTIONAL"`
	NumOfHomesSold            *string  `parquet:"name=num_of_homes_sold, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	CompeteScore              *int64   `parquet:"name=compete_score, type=INT64, repetitiontype=OPTIONAL"`
}

// memoryFileWriter implements ParquetFile interface for in-memory writing
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{
		buffer: &bytes.Buffer{},
	}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error) {
	return mfw.buffer.Read(b)
}

func (mfw *memoryFileWriter) Write(b []byte) (int, error) {
	return mfw.buffer.Write(b)
}

func (mfw *memoryFileWriter) Close() error {
	return nil
}

func (mfw *memoryFileWriter) Bytes() []byte {
	return mfw.buffer.Bytes()
}

// Archiver stores fetched source documents and the run's normalized record
// batch in S3. It is optional; when archiving is disabled no Archiver is
// constructed and the readers run without a sink.
type Archiver struct {
	config   *appconfig.Config
	s3Client *s3.Client
	prefix   string
	log      *logger.Log
}

func NewArchiver(cfg *appconfig.Config) (*Archiver, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("archiver").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	archiver := &Archiver{
		config:   cfg,
		s3Client: s3Client,
		prefix:   strings.Trim(cfg.Storage.S3.Prefix, "/"),
		log:      log,
	}

	log.WithComponent("archiver").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("archiver initialized")

	return archiver, nil
}

// StoreRaw uploads one fetched source document under a source- and
// month-partitioned key.
func (a *Archiver) StoreRaw(ctx context.Context, snap models.RawSnapshot) error {
	key := a.rawKey(snap)

	if err := a.upload(ctx, key, snap.Body, snap.ContentType); err != nil {
		return fmt.Errorf("store raw snapshot: %w", err)
	}

	a.log.WithComponent("archiver").WithFields(logger.Fields{
		"source": snap.Source,
		"target": snap.Target,
		"s3_key": key,
		"bytes":  len(snap.Body),
	}).Info("raw snapshot archived")

	return nil
}

// StoreBatch encodes the run's normalized records as one parquet object and
// uploads it.
func (a *Archiver) StoreBatch(ctx context.Context, batch models.Batch) error {
	log := a.log.WithComponent("archiver").WithFields(logger.Fields{
		"batch_id":     batch.BatchID,
		"record_count": batch.RecordCount,
		"operation":    "store_batch",
	})

	if batch.RecordCount == 0 {
		log.Debug("batch has no records, skipping")
		return nil
	}

	data, err := a.createParquetFile(batch.Records)
	if err != nil {
		return fmt.Errorf("create parquet file: %w", err)
	}

	key := a.batchKey(batch)
	if err := a.upload(ctx, key, data, "application/octet-stream"); err != nil {
		return fmt.Errorf("store record batch: %w", err)
	}

	log.WithFields(logger.Fields{
		"s3_key":    key,
		"file_size": len(data),
	}).Info("record batch archived")

	return nil
}

func (a *Archiver) upload(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	return err
}

func (a *Archiver) rawKey(snap models.RawSnapshot) string {
	ext := "html"
	if snap.ContentType == "text/csv" {
		ext = "csv"
	}
	filename := fmt.Sprintf("%s_%s.%s",
		sanitizeKeyPart(snap.Target),
		snap.FetchedAt.UTC().Format("20060102150405"),
		ext)

	key := filepath.Join(
		a.prefix,
		"raw",
		fmt.Sprintf("source=%s", snap.Source),
		fmt.Sprintf("%04d", snap.FetchedAt.UTC().Year()),
		fmt.Sprintf("%02d", snap.FetchedAt.UTC().Month()),
		filename,
	)
	return filepath.ToSlash(key)
}

func (a *Archiver) batchKey(batch models.Batch) string {
	filename := fmt.Sprintf("marketflow_%s.parquet", batch.BatchID)
	key := filepath.Join(
		a.prefix,
		"records",
		fmt.Sprintf("%04d", batch.Timestamp.UTC().Year()),
		fmt.Sprintf("%02d", batch.Timestamp.UTC().Month()),
		filename,
	)
	return filepath.ToSlash(key)
}

func (a *Archiver) createParquetFile(records []models.Record) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := parquetwriter.NewParquetWriter(fw, new(parquetRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch a.config.Storage.S3.Parquet.Compression {
	case "snappy", "":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, rec := range records {
		if err := pw.Write(toParquetRecord(rec)); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}

	return fw.Bytes(), nil
}

func toParquetRecord(rec models.Record) parquetRecord {
	return parquetRecord{
		Date:                      stringValue(rec["Date"]),
		Town:                      stringValue(rec["Town"]),
		Region:                    stringValue(rec["Region"]),
		MedianSalePrice:           int64Ptr(rec["Median_Sale_Price"]),
		MedianListPrice:           int64Ptr(rec["Median_List_Price"]),
		OverallAveragePremiumPaid: float64Ptr(rec["Overall_Average_Premium_Paid"]),
		MedianDOM:                 int64Ptr(rec["Median_DOM"]),
		AvgHomePremium:            float64Ptr(rec["Avg_Home_Premium"]),
		AvgHomeDOM:                int64Ptr(rec["Avg_Home_DOM"]),
		HotHomePremium:            float64Ptr(rec["Hot_Home_Premium"]),
		HotHomeDOM:                int64Ptr(rec["Hot_Home_DOM"]),
		NumOfHomesSold:            stringPtr(rec["Num_of_Homes_Sold"]),
		CompeteScore:              int64Ptr(rec["Compete_Score"]),
	}
}

func stringValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func stringPtr(v any) *string {
	switch value := v.(type) {
	case string:
		return &value
	case int:
		s := strconv.Itoa(value)
		return &s
	default:
		return nil
	}
}

func int64Ptr(v any) *int64 {
	switch value := v.(type) {
	case int:
		n := int64(value)
		return &n
	case int64:
		return &value
	case float64:
		n := int64(value)
		return &n
	case string:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil
		}
		return &n
	default:
		return nil
	}
}

func float64Ptr(v any) *float64 {
	switch value := v.(type) {
	case float64:
		return &value
	case int:
		f := float64(value)
		return &f
	case string:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}

func sanitizeKeyPart(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "/", "-")
	return s
}
