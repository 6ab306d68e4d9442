package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/schema"
)

// UTF-8 BOM for Excel compatibility.
const utf8BOM = "\xEF\xBB\xBF"

var csvColumns = []string{
	"run_id",
	"timestamp",
	"severity",
	"category",
	"source",
	"target",
	"url",
	"description",
	"evidence",
}

// CSVSink renders <outputPath>.csv, one row per finding.
type CSVSink struct {
	Log *slog.Logger
}

// Render implements Sink.
func (s CSVSink) Render(_ context.Context, agg *schema.ScanAggregate, outputPath string) error {
	path := outputPath + ".csv"
	if err := ensureDir(path); err != nil {
		return err
	}
	fh, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer fh.Close()

	if _, err := fh.WriteString(utf8BOM); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	w := csv.NewWriter(fh)
	if err := w.Write(csvColumns); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	for _, cat := range agg.Categories() {
		for _, f := range agg.FindingsByCategory[cat] {
			row := []string{
				agg.RunID,
				f.Timestamp.UTC().Format(time.RFC3339),
				f.Severity.String(),
				string(cat),
				string(f.Source),
				f.Target,
				f.URL,
				f.Description,
				formatEvidence(f.Evidence),
			}
			for i := range row {
				row[i] = sanitizeForCSV(row[i])
			}
			if err := w.Write(row); err != nil {
				return fmt.Errorf("write csv: %w", err)
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	orDefault(s.Log).Info("CSV report written", "path", path)
	return nil
}

// sanitizeForCSV prefixes cells that a spreadsheet would evaluate as a formula.
func sanitizeForCSV(s string) string {
	if len(s) == 0 {
		return s
	}
	switch s[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + s
	}
	return s
}
