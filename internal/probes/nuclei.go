package probes

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/schema"
)

// CategoryNuclei is the probe category of the template scanner. Its
// findings are filed under the category their template tags name.
const CategoryNuclei schema.Category = "nuclei"

// Nuclei runs the nuclei binary with JSON export and normalizes its
// matches into findings.
type Nuclei struct {
	Binary string
	Args   []string
}

// NewNuclei creates the template-scan executor. It is only registered when
// the binary can be found.
func NewNuclei(binary string, extraArgs ...string) *Nuclei {
	if binary == "" {
		binary = "nuclei"
	}
	return &Nuclei{Binary: binary, Args: extraArgs}
}

// Available reports whether the nuclei binary is on PATH.
func (n *Nuclei) Available() bool {
	_, err := exec.LookPath(n.Binary)
	return err == nil
}

// Run implements Executor.
func (n *Nuclei) Run(ctx context.Context, target string) ([]schema.Finding, error) {
	tmpFile := filepath.Join(os.TempDir(), fmt.Sprintf("nuclei_%d.json", time.Now().UnixNano()))
	defer os.Remove(tmpFile)

	args := append([]string{"-target", target, "-json-export", tmpFile, "-silent"}, n.Args...)
	cmd := exec.CommandContext(ctx, n.Binary, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("nuclei failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	data, err := os.ReadFile(tmpFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read nuclei output: %w", err)
	}
	return parseNucleiExport(data, target)
}

type nucleiMatch struct {
	TemplateID string `json:"template-id"`
	MatchedAt  string `json:"matched-at"`
	Info       struct {
		Name        string          `json:"name"`
		Severity    string          `json:"severity"`
		Description string          `json:"description"`
		Tags        json.RawMessage `json:"tags"`
	} `json:"info"`
}

// parseNucleiExport reads nuclei's JSON export, an array of matches.
func parseNucleiExport(data []byte, target string) ([]schema.Finding, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var raw []nucleiMatch
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse nuclei JSON: %w", err)
	}

	findings := make([]schema.Finding, 0, len(raw))
	for _, m := range raw {
		sev, _ := schema.ParseSeverity(m.Info.Severity)
		desc := m.Info.Description
		if desc == "" {
			desc = m.Info.Name
		}
		findings = append(findings, schema.Finding{
			Category:    nucleiCategory(m.TemplateID, nucleiTags(m.Info.Tags)),
			Severity:    sev,
			Target:      target,
			URL:         m.MatchedAt,
			Description: strings.TrimSpace(desc),
			Evidence: map[string]string{
				"template":  m.TemplateID,
				"severity":  m.Info.Severity,
				"matchedAt": m.MatchedAt,
			},
		})
	}
	return findings, nil
}

// nucleiTags accepts both the "a,b,c" string and the ["a","b"] forms.
func nucleiTags(raw json.RawMessage) []string {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return strings.Split(s, ",")
	}
	return nil
}

func nucleiCategory(templateID string, tags []string) schema.Category {
	for _, t := range tags {
		switch c := schema.NormalizeCategory(t); c {
		case schema.CategoryInjectedScript, schema.CategoryQueryInjection, schema.CategoryCSRF:
			return c
		}
	}
	if templateID != "" {
		return schema.NormalizeCategory(templateID)
	}
	return schema.CategoryUnknown
}
