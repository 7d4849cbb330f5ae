package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/timmy/sourcescan/internal/domain"
	"github.com/timmy/sourcescan/internal/logger"
	"github.com/timmy/sourcescan/internal/storage"
)

// exportURLExpiry is how long a presigned export link stays valid.
const exportURLExpiry = 24 * time.Hour

var exportHeader = []string{
	"row_index", "status", "error_kind", "error_message", "code", "asin",
	"resolution_source", "title", "cost", "price", "fees_total", "referral_fee",
	"fulfilment_fee", "net_profit", "roi_pct", "margin_pct", "tier",
	"sales_rank", "monthly_units", "partial_data",
}

// ExportResult describes a written export file.
type ExportResult struct {
	Key  string `json:"key"`
	URL  string `json:"url"`
	Rows int    `json:"rows"`
}

// Export writes a finished job's results as CSV to object storage.
func (s *JobService) Export(ctx context.Context, owner, jobID string) (*ExportResult, error) {
	if s.storage == nil {
		return nil, ErrStorageDisabled
	}
	job, err := s.get(ctx, owner, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.IsTerminal() {
		return nil, ErrJobNotTerminal
	}

	var buf bytes.Buffer
	rows, err := s.WriteResultsCSV(ctx, jobID, &buf)
	if err != nil {
		return nil, err
	}

	key := storage.ExportKey(jobID)
	if err := s.storage.Put(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "text/csv"); err != nil {
		return nil, fmt.Errorf("failed to upload export: %w", err)
	}
	url, err := s.storage.URL(ctx, key, exportURLExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to build export url: %w", err)
	}

	s.log(logger.SetJobID(ctx, jobID)).WithFields(logger.Fields{
		"key":             key,
		logger.FieldCount: rows,
	}).Info("Results exported")
	return &ExportResult{Key: key, URL: url, Rows: rows}, nil
}

// WriteResultsCSV streams a job's results in row order as CSV into buf.
// Returns the number of data rows written.
func (s *JobService) WriteResultsCSV(ctx context.Context, jobID string, buf *bytes.Buffer) (int, error) {
	w := csv.NewWriter(buf)
	if err := w.Write(exportHeader); err != nil {
		return 0, err
	}
	count := 0
	err := s.results.EachResult(ctx, jobID, 500, func(batch []domain.RowResult) error {
		for i := range batch {
			if err := w.Write(exportRecord(&batch[i])); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("failed to write export: %w", err)
	}
	w.Flush()
	return count, w.Error()
}

func exportRecord(r *domain.RowResult) []string {
	asin := ""
	if r.ASIN != nil {
		asin = *r.ASIN
	}
	roi := ""
	if r.ROIDefined {
		roi = money(r.ROIPct)
	}
	priced := r.Status == domain.RowStatusSucceeded && r.Price > 0
	optional := func(v float64) string {
		if !priced {
			return ""
		}
		return money(v)
	}
	return []string{
		strconv.Itoa(r.RowIndex),
		string(r.Status),
		string(r.ErrorKind),
		r.ErrorMessage,
		r.Code,
		asin,
		string(r.ResolutionSource),
		r.Title,
		money(r.Cost),
		optional(r.Price),
		optional(r.FeesTotal),
		optional(r.ReferralFee),
		optional(r.FulfilmentFee),
		optional(r.NetProfit),
		roi,
		optional(r.MarginPct),
		string(r.Tier),
		strconv.Itoa(r.SalesRank),
		strconv.Itoa(r.MonthlyUnits),
		strconv.FormatBool(r.PartialData),
	}
}

func money(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func contentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return "text/csv"
	case ".tsv", ".txt":
		return "text/tab-separated-values"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".xlsm":
		return "application/vnd.ms-excel.sheet.macroEnabled.12"
	default:
		return "application/octet-stream"
	}
}
