package probes

import (
	"context"
	"fmt"
	"regexp"

	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/schema"
)

var sqliPayloads = []string{`'`, `"`, `')`, `' OR '1'='1`, `1' AND SLEEP(0)-- -`}

// Database error signatures for error-based detection
var sqlErrorPatterns = compilePatterns([]struct{ dbms, expr string }{
	{"MySQL", `SQL syntax.*MySQL`},
	{"MySQL", `Warning.*mysql_`},
	{"MySQL", `check the manual that corresponds to your MySQL server version`},
	{"MySQL", `com\.mysql\.jdbc`},
	{"PostgreSQL", `PostgreSQL.*ERROR`},
	{"PostgreSQL", `ERROR:\s+syntax error at or near`},
	{"PostgreSQL", `org\.postgresql\.util\.PSQLException`},
	{"MSSQL", `Unclosed quotation mark after the character string`},
	{"MSSQL", `System\.Data\.SqlClient\.SqlException`},
	{"MSSQL", `\[SQL Server\]`},
	{"Oracle", `\bORA-[0-9][0-9][0-9][0-9]`},
	{"Oracle", `quoted string not properly terminated`},
	{"SQLite", `SQLite/JDBCDriver|SQLite\.Exception|System\.Data\.SQLite\.SQLiteException`},
	{"SQLite", `sqlite3\.OperationalError`},
	{"SQLite", `SQLITE_ERROR`},
})

type sqlPattern struct {
	dbms string
	re   *regexp.Regexp
}

func compilePatterns(in []struct{ dbms, expr string }) []sqlPattern {
	out := make([]sqlPattern, 0, len(in))
	for _, p := range in {
		out = append(out, sqlPattern{dbms: p.dbms, re: regexp.MustCompile(`(?i)` + p.expr)})
	}
	return out
}

// SQLInjection detects error-based SQL injection in query parameters.
type SQLInjection struct {
	client *HTTPClient
}

// NewSQLInjection creates the query-injection executor.
func NewSQLInjection(client *HTTPClient) *SQLInjection {
	return &SQLInjection{client: client}
}

// Run injects quote payloads into each parameter and reports parameters
// whose response leaks a database error that the baseline did not show.
func (s *SQLInjection) Run(ctx context.Context, target string) ([]schema.Finding, error) {
	base, err := s.client.Get(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("baseline request: %w", err)
	}
	baseline := matchSQLError(base.Body)

	var findings []schema.Finding
	reported := map[string]bool{}
	for _, payload := range sqliPayloads {
		points, err := injectionPoints(target, payload)
		if err != nil {
			return findings, err
		}
		for _, pt := range points {
			if reported[pt.Param] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return findings, err
			}
			resp, err := s.client.Get(ctx, pt.URL)
			if err != nil {
				continue
			}
			dbms := matchSQLError(resp.Body)
			if dbms == "" || dbms == baseline {
				continue
			}
			reported[pt.Param] = true
			findings = append(findings, schema.Finding{
				Category:    schema.CategoryQueryInjection,
				Severity:    schema.Critical,
				URL:         pt.URL,
				Description: fmt.Sprintf("Parameter %q triggers a %s error message, indicating SQL injection", pt.Param, dbms),
				Evidence: map[string]string{
					"parameter": pt.Param,
					"payload":   payload,
					"dbms":      dbms,
				},
			})
		}
	}
	return findings, nil
}

func matchSQLError(body string) string {
	for _, p := range sqlErrorPatterns {
		if p.re.MatchString(body) {
			return p.dbms
		}
	}
	return ""
}
