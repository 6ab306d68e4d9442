// Package report renders a ScanAggregate into human-readable artifacts.
//
// Every renderer is a Sink. outputPath is the extension-less report path
// of a run (see utils.ReportPath); each sink adds its own extension next
// to it.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/schema"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/pkg/utils"
)

// Sink consumes a fully populated aggregate and produces an artifact.
type Sink interface {
	Render(ctx context.Context, agg *schema.ScanAggregate, outputPath string) error
}

// Multi renders with every sink, continuing past failures.
type Multi []Sink

// Render implements Sink.
func (m Multi) Render(ctx context.Context, agg *schema.ScanAggregate, outputPath string) error {
	var errs []error
	for _, s := range m {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.Render(ctx, agg, outputPath); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Formats lists the supported output formats.
var Formats = []string{"json", "html", "pdf", "csv"}

// SinksFor builds a Multi sink for a list of formats. JSON is always
// rendered first so a later failure still leaves results.json behind.
func SinksFor(formats []string, logger *slog.Logger) (Multi, error) {
	if logger == nil {
		logger = slog.Default()
	}
	want := map[string]bool{}
	for _, f := range formats {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		known := false
		for _, k := range Formats {
			known = known || k == f
		}
		if !known {
			return nil, schema.Config("report format", fmt.Errorf("unsupported format %q", f))
		}
		want[f] = true
	}
	if len(want) == 0 {
		return nil, schema.Config("report format", errors.New("no report format selected"))
	}

	var out Multi
	if want["json"] {
		out = append(out, JSONSink{Log: logger})
	}
	if want["html"] {
		out = append(out, HTMLSink{Log: logger})
	}
	if want["pdf"] {
		out = append(out, PDFSink{Log: logger})
	}
	if want["csv"] {
		out = append(out, CSVSink{Log: logger})
	}
	return out, nil
}

// JSONSink writes results.json next to the report, the input of
// `yoro report`.
type JSONSink struct {
	Log *slog.Logger
}

// Render implements Sink.
func (s JSONSink) Render(_ context.Context, agg *schema.ScanAggregate, outputPath string) error {
	file, err := utils.SaveResult(agg, filepath.Dir(outputPath))
	if err != nil {
		return err
	}
	orDefault(s.Log).Info("JSON results written", "path", file)
	return nil
}

func ensureDir(outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("create out dir: %w", err)
	}
	return nil
}

// orDefault returns l if non-nil, otherwise slog.Default().
func orDefault(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}
