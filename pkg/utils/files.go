package utils

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/schema"
)

// ResultsFile is the name of the machine-readable aggregate in a run dir.
const ResultsFile = "results.json"

// ReportBase is the file stem shared by the rendered reports of a run.
const ReportBase = "security_report"

// RunDir returns <outputDir>/<target>_<timestamp> for a run started at ts.
func RunDir(outputDir, target string, ts time.Time) string {
	return filepath.Join(outputDir, SafeName(target)+"_"+ts.Format("20060102_150405"))
}

// ReportPath returns the extension-less report path inside a run dir.
func ReportPath(outputDir, target string, ts time.Time) string {
	return filepath.Join(RunDir(outputDir, target, ts), ReportBase)
}

// SaveResult writes the aggregate into <dir>/results.json
func SaveResult(agg *schema.ScanAggregate, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	file := filepath.Join(dir, ResultsFile)
	fh, err := os.Create(file)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", ResultsFile, err)
	}
	defer fh.Close()

	enc := json.NewEncoder(fh)
	enc.SetIndent("", "  ")
	if err := enc.Encode(agg); err != nil {
		return "", fmt.Errorf("failed to encode results: %w", err)
	}

	return file, nil
}

// SafeName replaces characters not safe for file paths
func SafeName(s string) string {
	invalid := []rune{'/', '\\', ':', '*', '?', '"', '<', '>', '|', '&', '=', '#'}
	rs := []rune(s)
	for i, r := range rs {
		for _, bad := range invalid {
			if r == bad {
				rs[i] = '_'
			}
		}
	}
	return string(rs)
}
