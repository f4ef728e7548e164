package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-reconciliation-service/internal/datagen"
	"ledger-reconciliation-service/internal/models"
)

func TestGenerateThenReconcile(t *testing.T) {
	dir := t.TempDir()

	code, stdout, stderr := run(t, "generate", "--out-dir", dir,
		"-n", "60", "--accounts", "3", "--seed", "5", "--orphans", "2", "--mismatch-rate", "0.1")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Wrote 60 transactions")

	scenario := datagen.DefaultScenario()
	scenario.Transactions, scenario.Accounts, scenario.Seed = 60, 3, 5
	scenario.OrphanEntries, scenario.MismatchRate = 2, 0.1
	expected, err := datagen.Generate(scenario)
	require.NoError(t, err)

	code, stdout, stderr = run(t, "reconcile",
		"-t", filepath.Join(dir, "transactions.csv"),
		"-l", filepath.Join(dir, "general_ledger.csv"),
		"-f", "json", "--skip-anomalies")
	require.Equal(t, 0, code, stderr)

	var report struct {
		Summary      models.DashboardSummary `json:"summary"`
		StatusCounts map[string]int          `json:"status_counts"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Equal(t, 60, report.Summary.TotalTransactions)
	assert.Equal(t, expected.Expected[models.StatusMatched], report.Summary.MatchedCount)
	assert.Equal(t, expected.Expected[models.StatusMissingTransaction], report.StatusCounts["missing_transaction"])
	assert.Equal(t, expected.Expected[models.StatusAmountMismatch], report.StatusCounts["amount_mismatch"])
}

func TestGenerateRejectsBadInput(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected int
	}{
		{"missing out dir", []string{"generate"}, 3},
		{"bad start date", []string{"generate", "-o", t.TempDir(), "--start-date", "yesterday"}, 3},
		{"rates above one", []string{"generate", "-o", t.TempDir(), "--mismatch-rate", "0.8", "--missing-gl-rate", "0.5"}, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := run(t, tt.args...)
			assert.Equal(t, tt.expected, code, stderr)
		})
	}
}

func TestValidateFixtures(t *testing.T) {
	code, stdout, stderr := run(t, "validate", "-t", transactionsFile, "-l", ledgerFile, "--strict")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "DATA VALIDATION")
	assert.Contains(t, stdout, "transactions: 25 records")
	assert.Contains(t, stdout, "All rows are usable")

	code, stdout, stderr = run(t, "validate", "-l", ledgerFile, "-f", "json")
	require.Equal(t, 0, code, stderr)
	var out validation
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	require.Len(t, out.Quality, 1)
	assert.Equal(t, models.DatasetLedger, out.Quality[0].DatasetName)
	assert.Equal(t, 27, out.Quality[0].TotalRecords)
	assert.Empty(t, out.Defects)
}

func TestValidateReportsDefects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.csv")
	content := strings.Join([]string{
		"txn_id,date,amount,account_id,counterparty",
		"T1,2024-01-01,100.00,ACC1,Shop",
		"T2,not-a-date,50.00,ACC1,Shop",
		"T3,2024-01-02,abc,ACC1,Shop",
		"",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	code, stdout, stderr := run(t, "validate", "-t", path)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "2 row(s) skipped:")
	assert.Contains(t, stdout, "(T3)")
	assert.Contains(t, stdout, "(T2)")

	code, _, stderr = run(t, "validate", "-t", path, "--strict")
	assert.Equal(t, 3, code)
	assert.Contains(t, stderr, "2 row(s) failed validation")

	code, _, _ = run(t, "validate")
	assert.Equal(t, 3, code, "at least one input is required")
}
