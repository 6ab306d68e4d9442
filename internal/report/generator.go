package report

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/schema"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/pkg/utils"
)

//go:embed templates/report.html.tmpl
var reportHTMLTemplate string

// ---------- Public API ----------

// LoadAggregate reads results.json from a run directory.
func LoadAggregate(fromDir string) (*schema.ScanAggregate, error) {
	data, err := os.ReadFile(filepath.Join(fromDir, utils.ResultsFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", utils.ResultsFile, err)
	}
	res := schema.NewScanAggregate()
	if err := json.Unmarshal(data, res); err != nil {
		return nil, fmt.Errorf("parse %s: %w", utils.ResultsFile, err)
	}
	return res, nil
}

// HTMLSink renders <outputPath>.html.
type HTMLSink struct {
	Log *slog.Logger
}

// Render implements Sink.
func (s HTMLSink) Render(_ context.Context, agg *schema.ScanAggregate, outputPath string) error {
	path, err := GenerateHTML(agg, outputPath+".html")
	if err != nil {
		return err
	}
	orDefault(s.Log).Info("HTML report written", "path", path)
	return nil
}

// GenerateHTML writes the HTML report to htmlPath.
func GenerateHTML(agg *schema.ScanAggregate, htmlPath string) (string, error) {
	vm := buildViewModel(agg, time.Now())

	if err := ensureDir(htmlPath); err != nil {
		return "", err
	}

	tmpl, err := template.New("report").Parse(reportHTMLTemplate)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vm); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}

	if err := os.WriteFile(htmlPath, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", filepath.Base(htmlPath), err)
	}

	return htmlPath, nil
}

// ---------- View Model & helpers ----------

type viewModel struct {
	Target          string
	RunID           string
	ScanTime        string
	Duration        string
	TotalFindings   int
	Counts          []severityCount
	Score           int
	Grade           string
	Categories      []categoryRow
	Findings        []findingRow
	Failures        []sourceFailure
	Job             *jobRow
	Recommendations []recommendation
	Generator       string
	GeneratedAt     string
	Year            int
}

type severityCount struct {
	Severity string
	Count    int
}

type categoryRow struct {
	Name     string
	Count    int
	Severity string
}

type findingRow struct {
	Severity    string
	Category    string
	Source      string
	URL         string
	Description string
	Evidence    string
}

type sourceFailure struct {
	Source string
	Error  string
}

type jobRow struct {
	ID        string
	State     string
	RawStatus string
	Polls     int
}

type recommendation struct {
	Category string
	Items    []string
}

var titleCase = cases.Title(language.English)

func buildViewModel(agg *schema.ScanAggregate, now time.Time) viewModel {
	now = now.UTC()
	counts := agg.SeverityCounts()

	var rows []findingRow
	var cats []categoryRow
	for _, cat := range agg.Categories() {
		fs := agg.FindingsByCategory[cat]
		top, _ := agg.MaxSeverity(cat)
		cats = append(cats, categoryRow{Name: titleCase.String(string(cat)), Count: len(fs), Severity: strings.ToUpper(top.String())})
		for _, f := range fs {
			rows = append(rows, findingRow{
				Severity:    strings.ToUpper(f.Severity.String()),
				Category:    string(cat),
				Source:      string(f.Source),
				URL:         f.URL,
				Description: trimTo(emptyFallback(f.Description, "No description available"), 500),
				Evidence:    trimTo(formatEvidence(f.Evidence), 300),
			})
		}
	}

	// Sort findings: severity -> category, stable so discovery order holds
	sevRank := func(s string) int {
		v, _ := schema.ParseSeverity(s)
		return v.Score()
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := sevRank(rows[i].Severity), sevRank(rows[j].Severity)
		if a != b {
			return a > b
		}
		return rows[i].Category < rows[j].Category
	})

	var sevCounts []severityCount
	for _, s := range schema.Severities {
		sevCounts = append(sevCounts, severityCount{Severity: strings.ToUpper(s.String()), Count: counts[s]})
	}

	var failures []sourceFailure
	for _, src := range agg.Failed() {
		failures = append(failures, sourceFailure{Source: string(src), Error: agg.SourceErrors[src].Error()})
	}

	var job *jobRow
	if agg.Job != nil {
		job = &jobRow{ID: agg.Job.ID, State: agg.Job.State.String(), RawStatus: agg.Job.RawStatus, Polls: agg.Job.Polls}
	}

	score := Score(counts)
	vm := viewModel{
		Target:          agg.Target,
		RunID:           agg.RunID,
		ScanTime:        agg.StartedAt.UTC().Format(time.RFC3339),
		TotalFindings:   agg.Total(),
		Counts:          sevCounts,
		Score:           score,
		Grade:           scoreToGrade(score),
		Categories:      cats,
		Findings:        rows,
		Failures:        failures,
		Job:             job,
		Recommendations: recommendationsFor(agg),
		Generator:       "yorosec-webscan",
		GeneratedAt:     now.Format(time.RFC3339),
		Year:            now.Year(),
	}
	if !agg.FinishedAt.IsZero() && !agg.StartedAt.IsZero() {
		vm.Duration = agg.FinishedAt.Sub(agg.StartedAt).Round(time.Second).String()
	}
	return vm
}

// Score is a 0..100 heuristic: more high/critical findings lower it.
func Score(counts map[schema.Severity]int) int {
	total, weighted := 0, 0
	for sev, c := range counts {
		total += c
		weighted += (sev.Score() - 1) * c
	}
	if total == 0 {
		return 100
	}
	penalty := min(100, (weighted*100)/(total*4)) // normalize to 0..100
	return 100 - penalty
}

func scoreToGrade(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

func formatEvidence(ev map[string]string) string {
	if len(ev) == 0 {
		return ""
	}
	keys := make([]string, 0, len(ev))
	for k := range ev {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+ev[k])
	}
	return strings.Join(parts, "; ")
}

func trimTo(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func emptyFallback(s, fb string) string {
	if strings.TrimSpace(s) == "" {
		return fb
	}
	return s
}
