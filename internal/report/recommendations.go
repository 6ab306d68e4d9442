package report

import (
	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/schema"
)

var remediation = map[schema.Category][]string{
	schema.CategoryInjectedScript: {
		"Implement proper input validation and output encoding",
		"Use Content Security Policy (CSP) headers",
		"Sanitize user input before rendering",
	},
	schema.CategoryQueryInjection: {
		"Use parameterized queries or prepared statements",
		"Implement proper input validation",
		"Apply the principle of least privilege for database access",
	},
	schema.CategoryCSRF: {
		"Implement CSRF tokens",
		"Use SameSite cookie attribute",
		"Validate origin and referer headers",
	},
}

// recommendationsFor returns remediation advice for the categories present
// in agg that have known guidance.
func recommendationsFor(agg *schema.ScanAggregate) []recommendation {
	var out []recommendation
	for _, cat := range agg.Categories() {
		items, ok := remediation[cat]
		if !ok {
			continue
		}
		out = append(out, recommendation{Category: titleCase.String(string(cat)), Items: items})
	}
	return out
}
