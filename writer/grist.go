package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"marketflow/config"
	"marketflow/logger"
	"marketflow/models"
)

// GristWriter appends normalized records to a Grist document over its records
// API, one POST per record. Failures are reported to the caller, never
// retried here.
type GristWriter struct {
	cfg    config.GristConfig
	client *http.Client
	log    *logger.Log
}

type gristRecord struct {
	Fields models.Record `json:"fields"`
}

type gristPayload struct {
	Records []gristRecord `json:"records"`
}

func NewGristWriter(cfg *config.Config) *GristWriter {
	log := logger.GetLogger()

	w := &GristWriter{
		cfg:    cfg.Publish.Grist,
		client: &http.Client{Timeout: cfg.Publish.Grist.Timeout},
		log:    log,
	}

	log.WithComponent("grist_writer").WithFields(logger.Fields{
		"host":  cfg.Publish.Grist.Host,
		"doc":   cfg.Publish.Grist.DocID,
		"table": cfg.Publish.Grist.TableID,
	}).Info("grist writer initialized")

	return w
}

// Publish appends one record to the market table. The record must already
// carry the full master schema; callers normalize before publishing.
func (w *GristWriter) Publish(ctx context.Context, rec models.Record) error {
	endpoint := fmt.Sprintf("%s/api/docs/%s/tables/%s/records",
		strings.TrimSuffix(w.cfg.Host, "/"), w.cfg.DocID, w.cfg.TableID)

	payload := gristPayload{Records: []gristRecord{{Fields: rec}}}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("CF-Access-Client-Id", w.cfg.CFAccessClientID)
	req.Header.Set("CF-Access-Client-Secret", w.cfg.CFAccessClientSecret)

	start := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post record: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("grist returned status %d: %s", resp.StatusCode, string(snippet))
	}

	log := w.log.WithComponent("grist_writer").WithFields(logger.Fields{
		"town": rec["Town"],
	})
	logger.LogPerformanceEntry(log, "grist_writer", "publish_record", time.Since(start), nil)
	log.Info("record published")

	return nil
}
