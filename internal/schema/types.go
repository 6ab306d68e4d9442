package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Category is an open vulnerability class tag. Local probes use the
// constants below; the external engine may report any other tag.
type Category string

const (
	CategoryInjectedScript Category = "injected-script"
	CategoryQueryInjection Category = "query-injection"
	CategoryCSRF           Category = "csrf"
	CategoryUnknown        Category = "unknown"
)

// categoryAliases translates names used by external engines into the
// local tags where they describe the same class.
var categoryAliases = map[string]Category{
	"xss":                        CategoryInjectedScript,
	"cross-site scripting":       CategoryInjectedScript,
	"cross site scripting":       CategoryInjectedScript,
	"reflected xss":              CategoryInjectedScript,
	"injected-script":            CategoryInjectedScript,
	"sqli":                       CategoryQueryInjection,
	"sql injection":              CategoryQueryInjection,
	"sql_injection":              CategoryQueryInjection,
	"query-injection":            CategoryQueryInjection,
	"csrf":                       CategoryCSRF,
	"cross-site request forgery": CategoryCSRF,
	"forged-request":             CategoryCSRF,
}

// NormalizeCategory lower-cases and trims s and maps known aliases.
// An empty tag becomes CategoryUnknown.
func NormalizeCategory(s string) Category {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return CategoryUnknown
	}
	if c, ok := categoryAliases[s]; ok {
		return c
	}
	return Category(s)
}

// Source identifies where a finding came from.
type Source string

const (
	SourceLocal    Source = "local-probe"
	SourceExternal Source = "external-engine"
)

// Finding is a normalized vulnerability finding
type Finding struct {
	Category    Category          `json:"category"`
	Severity    Severity          `json:"severity"`
	Source      Source            `json:"source"`
	Target      string            `json:"target"`
	URL         string            `json:"url,omitempty"`
	Description string            `json:"description,omitempty"`
	Evidence    map[string]string `json:"evidence,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Normalize applies the defaults for fields a source never assigned.
func (f *Finding) Normalize() {
	if strings.TrimSpace(string(f.Category)) == "" {
		f.Category = CategoryUnknown
	}
	if !f.Severity.IsValid() {
		f.Severity = Info
	}
}

// JobState is the lifecycle state of an external scan job.
type JobState int

const (
	JobSubmitted JobState = iota
	JobRunning
	JobCompleted
	JobFailed
	JobCancelled
)

var jobStateNames = [...]string{"submitted", "running", "completed", "failed", "cancelled"}

func (s JobState) String() string {
	if s < 0 || int(s) >= len(jobStateNames) {
		return fmt.Sprintf("jobstate(%d)", int(s))
	}
	return jobStateNames[s]
}

// IsValid reports whether s is one of the known states.
func (s JobState) IsValid() bool {
	return s >= JobSubmitted && s <= JobCancelled
}

// IsTerminal reports whether no further transitions can happen.
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

func (s JobState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *JobState) UnmarshalText(b []byte) error {
	for i, name := range jobStateNames {
		if strings.EqualFold(string(b), name) {
			*s = JobState(i)
			return nil
		}
	}
	return fmt.Errorf("schema: unknown job state %q", b)
}

// ScanJob is the external engine's asynchronous unit of work.
type ScanJob struct {
	ID           string    `json:"id"`
	Target       string    `json:"target"`
	State        JobState  `json:"state"`
	RawStatus    string    `json:"raw_status,omitempty"`
	SubmittedAt  time.Time `json:"submitted_at"`
	LastPolledAt time.Time `json:"last_polled_at,omitempty"`
	Polls        int       `json:"polls"`
}

// ScanAggregate groups all findings for one run
type ScanAggregate struct {
	RunID              string                 `json:"run_id"`
	Target             string                 `json:"target"`
	StartedAt          time.Time              `json:"started_at"`
	FinishedAt         time.Time              `json:"finished_at"`
	FindingsByCategory map[Category][]Finding `json:"findings_by_category"`
	SourceErrors       map[Source]error       `json:"-"`
	Job                *ScanJob               `json:"job,omitempty"`
}

// NewScanAggregate returns an aggregate with empty, non-nil maps.
func NewScanAggregate() *ScanAggregate {
	return &ScanAggregate{
		FindingsByCategory: make(map[Category][]Finding),
		SourceErrors:       make(map[Source]error),
	}
}

// Categories returns the category keys sorted by name.
func (a *ScanAggregate) Categories() []Category {
	out := make([]Category, 0, len(a.FindingsByCategory))
	for c := range a.FindingsByCategory {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Total returns the number of findings across all categories.
func (a *ScanAggregate) Total() int {
	n := 0
	for _, fs := range a.FindingsByCategory {
		n += len(fs)
	}
	return n
}

// SeverityCounts counts findings per severity. Every severity is present.
func (a *ScanAggregate) SeverityCounts() map[Severity]int {
	counts := make(map[Severity]int, len(Severities))
	for _, s := range Severities {
		counts[s] = 0
	}
	for _, fs := range a.FindingsByCategory {
		for _, f := range fs {
			counts[f.Severity]++
		}
	}
	return counts
}

// MaxSeverity returns the highest severity within category c and whether
// the category has any findings.
func (a *ScanAggregate) MaxSeverity(c Category) (Severity, bool) {
	fs := a.FindingsByCategory[c]
	if len(fs) == 0 {
		return Info, false
	}
	max := Info
	for _, f := range fs {
		if f.Severity > max {
			max = f.Severity
		}
	}
	return max, true
}

// Failed returns the sources that terminated with an error, sorted.
func (a *ScanAggregate) Failed() []Source {
	out := make([]Source, 0, len(a.SourceErrors))
	for s, err := range a.SourceErrors {
		if err != nil {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
