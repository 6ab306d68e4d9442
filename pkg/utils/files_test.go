package utils

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/schema"
)

func TestSafeName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https___example.com_a_b_c", SafeName("https://example.com/a?b=c"))
}

func TestRunDir(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 9, 11, 13, 17, 22, 0, time.UTC)
	assert.Equal(t, filepath.Join("reports", "example.com_20250911_131722"), RunDir("reports", "example.com", ts))
	assert.Equal(t, filepath.Join("reports", "example.com_20250911_131722", ReportBase), ReportPath("reports", "example.com", ts))
}

func TestSaveResult(t *testing.T) {
	t.Parallel()

	agg := schema.NewScanAggregate()
	agg.Target = "example.com"
	dir := filepath.Join(t.TempDir(), "run")

	file, err := SaveResult(agg, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ResultsFile), file)

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	var back schema.ScanAggregate
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "example.com", back.Target)
	assert.NotNil(t, back.FindingsByCategory)
}
