package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/schema"
)

// RawFinding is one vulnerability record as the engine reports it.
type RawFinding struct {
	Category    string          `json:"category"`
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Severity    string          `json:"severity"`
	Confidence  string          `json:"confidence,omitempty"`
	Description string          `json:"description"`
	URL         string          `json:"url,omitempty"`
	Evidence    json.RawMessage `json:"evidence,omitempty"`
}

// Class returns the engine's category for the record, falling back from
// category to type to name.
func (r RawFinding) Class() string {
	for _, s := range []string{r.Category, r.Type, r.Name} {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// Result is a parsed engine result payload.
type Result struct {
	// Findings in the order the engine returned them.
	Findings []RawFinding
	// Malformed holds one ErrAggregationInput per record that was skipped.
	Malformed []error
}

// SeverityBuckets is the order the engine's severity buckets are listed in.
var SeverityBuckets = []string{"critical", "high", "medium", "low", "info"}

// BySeverity groups findings into the engine's severity buckets. Tags
// outside the known buckets are grouped under "other".
func (r *Result) BySeverity() map[string][]RawFinding {
	out := make(map[string][]RawFinding, len(SeverityBuckets)+1)
	for _, b := range SeverityBuckets {
		out[b] = nil
	}
	for _, f := range r.Findings {
		tag := strings.ToLower(strings.TrimSpace(f.Severity))
		if tag == "" {
			tag = "info"
		}
		if _, ok := out[tag]; !ok {
			tag = "other"
		}
		out[tag] = append(out[tag], f)
	}
	return out
}

type payload struct {
	Findings        []json.RawMessage `json:"findings"`
	Vulnerabilities []json.RawMessage `json:"vulnerabilities"`
}

// ParseResults decodes an engine result payload record by record. A record
// that cannot be decoded is reported in Result.Malformed and skipped; the
// remaining records are still returned.
func ParseResults(data []byte) *Result {
	res := &Result{}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		res.Malformed = append(res.Malformed, inputError("payload", err))
		return res
	}

	records := append(p.Findings, p.Vulnerabilities...)
	for i, rec := range records {
		var f RawFinding
		if err := json.Unmarshal(rec, &f); err != nil {
			res.Malformed = append(res.Malformed, inputError(fmt.Sprintf("record %d", i), err))
			continue
		}
		res.Findings = append(res.Findings, f)
	}
	return res
}

func inputError(op string, err error) error {
	return schema.NewError(schema.ErrAggregationInput, schema.SourceExternal, op, err)
}
