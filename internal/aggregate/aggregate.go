// Package aggregate merges local probe output and external engine output
// into one ScanAggregate keyed by vulnerability category.
//
// Aggregation is a pure function of its input: no I/O, and the same input
// always produces the same aggregate. Findings are never deduplicated
// across sources.
package aggregate

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/engine"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/probes"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/schema"
)

// Evidence keys set on translated engine findings.
const (
	EvidenceEngineSeverity = "engine_severity"
	EvidenceEngineCategory = "engine_category"
	EvidenceEngineRaw      = "engine_evidence"
	EvidenceConfidence     = "confidence"
)

// External is what the poller produced for the engine source.
type External struct {
	// Result is nil when nothing was fetched.
	Result *engine.Result
	// Err is the error the engine source terminated with, if any.
	Err error
	// Skipped marks a run without an engine; the source is then absent
	// from SourceErrors rather than failed.
	Skipped bool
}

// Input carries everything one aggregate is built from.
type Input struct {
	RunID      string
	Target     string
	StartedAt  time.Time
	FinishedAt time.Time
	Local      probes.Results
	// LocalErr is an error for the local source as a whole, e.g. when
	// the runner never ran.
	LocalErr error
	External External
	Job      *schema.ScanJob
}

// Aggregate builds the ScanAggregate for in.
func Aggregate(in Input) *schema.ScanAggregate {
	agg := schema.NewScanAggregate()
	agg.RunID = in.RunID
	agg.Target = in.Target
	agg.StartedAt = in.StartedAt
	agg.FinishedAt = in.FinishedAt
	if in.Job != nil {
		job := *in.Job
		agg.Job = &job
	}

	// 1. local findings, discovery order within each category
	var localErrs []error
	if in.LocalErr != nil {
		localErrs = append(localErrs, in.LocalErr)
	}
	for _, cat := range in.Local.Categories() {
		res := in.Local[cat]
		for _, f := range res.Findings {
			f.Source = schema.SourceLocal
			f.Normalize()
			appendFinding(agg, f)
		}
		if res.Err != nil {
			localErrs = append(localErrs, res.Err)
		}
	}
	if err := errors.Join(localErrs...); err != nil {
		agg.SourceErrors[schema.SourceLocal] = err
	}

	// 2-3. translated engine findings, engine return order, appended after
	// local findings of the same category
	var extErrs []error
	if in.External.Err != nil {
		extErrs = append(extErrs, in.External.Err)
	}
	if r := in.External.Result; r != nil {
		for _, raw := range r.Findings {
			f := TranslateExternal(raw)
			f.Target = in.Target
			f.Timestamp = in.FinishedAt
			appendFinding(agg, f)
		}
		extErrs = append(extErrs, r.Malformed...)
	}
	if err := errors.Join(extErrs...); err != nil && !in.External.Skipped {
		agg.SourceErrors[schema.SourceExternal] = err
	}

	return agg
}

func appendFinding(agg *schema.ScanAggregate, f schema.Finding) {
	agg.FindingsByCategory[f.Category] = append(agg.FindingsByCategory[f.Category], f)
}

// TranslateExternal converts an engine record into a Finding. Unrecognized
// severity tags become Info; the raw tag is always kept in the evidence.
func TranslateExternal(raw engine.RawFinding) schema.Finding {
	sev, _ := schema.ParseSeverity(raw.Severity)

	evidence := map[string]string{EvidenceEngineSeverity: raw.Severity}
	if class := raw.Class(); class != "" {
		evidence[EvidenceEngineCategory] = class
	}
	if raw.Confidence != "" {
		evidence[EvidenceConfidence] = raw.Confidence
	}
	if ev := evidenceString(raw.Evidence); ev != "" {
		evidence[EvidenceEngineRaw] = ev
	}

	desc := strings.TrimSpace(raw.Description)
	if desc == "" {
		desc = strings.TrimSpace(raw.Name)
	}

	f := schema.Finding{
		Category:    schema.NormalizeCategory(raw.Class()),
		Severity:    sev,
		Source:      schema.SourceExternal,
		URL:         raw.URL,
		Description: desc,
		Evidence:    evidence,
	}
	f.Normalize()
	return f
}

// evidenceString keeps a JSON string as its text and anything else as
// compact JSON.
func evidenceString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
