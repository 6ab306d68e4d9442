// Package engine talks to an external scanning engine that runs a deeper
// scan asynchronously. It defines the client contract the poller drives
// and a REST implementation for Burp-style engines.
package engine

import (
	"context"
	"strings"

	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/schema"
)

// Client is the contract against a remote scanning service.
type Client interface {
	// Submit starts a scan job and returns the engine's job handle.
	Submit(ctx context.Context, target string, cfg ScanConfig) (string, error)
	// Status reports the job state along with the engine's raw status
	// string. The state may be left to MapStatus by returning an invalid
	// JobState.
	Status(ctx context.Context, jobID string) (schema.JobState, string, error)
	// Results returns the raw result payload of a completed job.
	Results(ctx context.Context, jobID string) ([]byte, error)
	// Cancel asks the engine to stop the job. It reports success.
	Cancel(ctx context.Context, jobID string) bool
}

// ScanConfig is sent to the engine on submission.
type ScanConfig struct {
	ScanType  string          `json:"scan_type" yaml:"scan_type"`
	Reporting ReportingConfig `json:"reporting" yaml:"reporting"`
	// Extra is forwarded verbatim alongside the known keys.
	Extra map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// ReportingConfig selects the engine's result format.
type ReportingConfig struct {
	Format          string `json:"format" yaml:"format"`
	IncludeEvidence bool   `json:"include_evidence" yaml:"include_evidence"`
}

// DefaultScanConfig is a full scan with JSON reporting and evidence.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		ScanType: "full",
		Reporting: ReportingConfig{
			Format:          "json",
			IncludeEvidence: true,
		},
	}
}

var statusVocabulary = map[string]schema.JobState{
	"queued":       schema.JobSubmitted,
	"submitted":    schema.JobSubmitted,
	"pending":      schema.JobSubmitted,
	"initializing": schema.JobSubmitted,
	"running":      schema.JobRunning,
	"in_progress":  schema.JobRunning,
	"crawling":     schema.JobRunning,
	"auditing":     schema.JobRunning,
	"paused":       schema.JobRunning,
	"completed":    schema.JobCompleted,
	"succeeded":    schema.JobCompleted,
	"finished":     schema.JobCompleted,
	"done":         schema.JobCompleted,
	"failed":       schema.JobFailed,
	"error":        schema.JobFailed,
	"cancelled":    schema.JobCancelled,
	"canceled":     schema.JobCancelled,
	"stopped":      schema.JobCancelled,
}

// MapStatus maps an engine status string onto the job state machine.
// Anything outside the known vocabulary is treated as still running.
func MapStatus(raw string) schema.JobState {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, "-", "_")
	if st, ok := statusVocabulary[key]; ok {
		return st
	}
	return schema.JobRunning
}
