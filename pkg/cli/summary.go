package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/schema"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#2C3E50")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280")).Width(16)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB800")).Bold(true)

	severityColors = map[schema.Severity]lipgloss.Color{
		schema.Critical: lipgloss.Color("#FF0000"),
		schema.High:     lipgloss.Color("#FF6B6B"),
		schema.Medium:   lipgloss.Color("#FFD93D"),
		schema.Low:      lipgloss.Color("#6BCB77"),
		schema.Info:     lipgloss.Color("#4D96FF"),
	}
)

// setupColor turns colors off for --no-color or when stdout is not a
// terminal.
func setupColor(noColor bool) {
	if noColor || !term.IsTerminal(int(os.Stdout.Fd())) {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// printSummary writes the terminal summary of a finished scan.
func printSummary(w io.Writer, agg *schema.ScanAggregate, reportPath string) {
	fmt.Fprintln(w, titleStyle.Render("Scan summary"))
	row := func(label, value string) {
		fmt.Fprintln(w, labelStyle.Render(label)+value)
	}
	row("Target", agg.Target)
	row("Run ID", agg.RunID)
	row("Findings", fmt.Sprint(agg.Total()))

	counts := agg.SeverityCounts()
	var parts []string
	for _, s := range schema.Severities {
		style := lipgloss.NewStyle().Foreground(severityColors[s])
		parts = append(parts, style.Render(fmt.Sprintf("%s:%d", strings.ToUpper(s.String()), counts[s])))
	}
	row("Severity", strings.Join(parts, "  "))

	for _, cat := range agg.Categories() {
		top, _ := agg.MaxSeverity(cat)
		style := lipgloss.NewStyle().Foreground(severityColors[top])
		row("  "+string(cat), style.Render(fmt.Sprintf("%d (max %s)", len(agg.FindingsByCategory[cat]), top)))
	}
	if agg.Job != nil {
		row("Engine job", fmt.Sprintf("%s %s after %d polls", agg.Job.ID, agg.Job.State, agg.Job.Polls))
	}
	for _, src := range agg.Failed() {
		row(warnStyle.Render("Incomplete"), fmt.Sprintf("%s: %v", src, agg.SourceErrors[src]))
	}
	row("Report", reportPath)
}
