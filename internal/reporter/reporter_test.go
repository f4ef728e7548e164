package reporter

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/internal/reconciler"
	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

func TestNewReportGenerator(t *testing.T) {
	tests := []struct {
		name        string
		config      *ReportConfig
		expectError bool
	}{
		{name: "default config", config: nil},
		{name: "valid config", config: DefaultReportConfig()},
		{
			name:        "invalid format",
			config:      &ReportConfig{Format: "invalid"},
			expectError: true,
		},
		{
			name:        "negative max items",
			config:      &ReportConfig{Format: FormatConsole, MaxItems: -1},
			expectError: true,
		},
		{
			name:        "csv without delimiter",
			config:      &ReportConfig{Format: FormatCSV},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			generator, err := NewReportGenerator(tt.config)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, generator)
		})
	}
}

func TestOutputFormatValidation(t *testing.T) {
	tests := []struct {
		format OutputFormat
		valid  bool
	}{
		{FormatConsole, true},
		{FormatJSON, true},
		{FormatCSV, true},
		{"invalid", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.format.IsValid())
		})
	}
}

func createSampleRun() *reconciler.RunResult {
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	fifty := decimal.RequireFromString("50")
	ten := decimal.RequireFromString("10")
	started := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)

	return &reconciler.RunResult{
		RunID:           "run-1",
		SnapshotVersion: 2,
		Status:          reconciler.RunSucceeded,
		StartedAt:       started,
		CompletedAt:     started.Add(1500 * time.Millisecond),
		Summary: models.DashboardSummary{
			TotalTransactions:      4,
			TotalGLEntries:         4,
			MatchedCount:           2,
			UnmatchedCount:         3,
			ReconciliationAccuracy: 40,
			AnomaliesDetected:      1,
			DataQualityScore:       96.5,
		},
		Results: []models.MatchResult{
			{Status: models.StatusMatched, TransactionID: "TXN001", GLID: "GL001", AccountID: "ACC1001", Date: day},
			{Status: models.StatusAmountMismatch, TransactionID: "TXN004", GLID: "GL004", AccountID: "ACC1002", Date: day, AmountDifference: &fifty},
			{Status: models.StatusMatched, TransactionID: "TXN005", GLID: "GL005", AccountID: "ACC1002", Date: day},
			{Status: models.StatusAmountMismatch, TransactionID: "TXN010", GLID: "GL010", AccountID: "ACC1003", Date: day.AddDate(0, 0, 1), AmountDifference: &ten},
			{Status: models.StatusMissingGL, TransactionID: "TXN011", AccountID: "ACC1001", Date: day.AddDate(0, 0, 2)},
		},
		Anomalies: []models.AnomalyRecord{{
			TransactionID:    "TXN011",
			AccountID:        "ACC1001",
			Date:             day.AddDate(0, 0, 2),
			Amount:           decimal.NewFromInt(500000),
			DetectionMethods: []string{models.MethodZScore, models.MethodIQR},
			AnomalyType:      models.AnomalyStatistical,
			AnomalyScore:     1.6,
			MethodScores:     map[string]float64{models.MethodZScore: 1.6, models.MethodIQR: 1.25},
		}},
		QualityReports: []models.DataQualityReport{{
			DatasetName:       models.DatasetTransactions,
			TotalRecords:      4,
			CompletenessScore: 100,
			ConsistencyScore:  93,
			QualityScore:      96.5,
			Issues:            []string{"1 duplicate transaction id"},
		}},
		Warnings: []*errors.ReconcilerError{errors.AnomalyDegraded("ml", "4 samples, need 20")},
	}
}

func TestConsoleOutputSections(t *testing.T) {
	generator, err := NewReportGenerator(nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, generator.GenerateReport(createSampleRun(), &buf))
	output := buf.String()

	for _, section := range []string{
		"RECONCILIATION REPORT",
		"=== SUMMARY ===",
		"=== STATUS BREAKDOWN ===",
		"=== DISCREPANCIES ===",
		"=== ANOMALIES ===",
		"=== DATA QUALITY ===",
		"=== ACCOUNTS ===",
		"=== WARNINGS ===",
	} {
		assert.Contains(t, output, section)
	}
	assert.NotContains(t, output, "=== MATCHED ===")

	assert.Contains(t, output, "Accuracy:            40.00%")
	assert.Contains(t, output, "diff=50.00")
	assert.Contains(t, output, "TXN011 account=ACC1001 amount=500000.00")
	assert.Contains(t, output, "methods=z_score,iqr")
	assert.Contains(t, output, "[anomaly_degraded]")
	assert.Contains(t, output, "Total: 1 (anomaly: 1)")
	assert.Contains(t, output, "Duration:  1.5s")
}

func TestConsoleMaxItems(t *testing.T) {
	config := DefaultReportConfig()
	config.MaxItems = 1
	config.IncludeMatchedResults = true
	generator, err := NewReportGenerator(config)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, generator.GenerateReport(createSampleRun(), &buf))
	output := buf.String()

	assert.Contains(t, output, "=== MATCHED ===")
	// three discrepancies, one matched extra, two extra accounts
	assert.Contains(t, output, "... and 2 more")
	assert.Contains(t, output, "... and 1 more")
	assert.NotContains(t, output, "diff=10.00")
}

func TestConsoleSkippedAnomalies(t *testing.T) {
	run := createSampleRun()
	run.Anomalies = nil
	run.AnomaliesSkipped = true

	generator, err := NewReportGenerator(nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, generator.GenerateReport(run, &buf))
	assert.Contains(t, buf.String(), "Anomaly detection was skipped")
}

func TestJSONReport(t *testing.T) {
	tests := []struct {
		name            string
		includeMatched  bool
		expectedResults int
	}{
		{name: "discrepancies only", includeMatched: false, expectedResults: 3},
		{name: "all results", includeMatched: true, expectedResults: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultReportConfig()
			config.Format = FormatJSON
			config.IncludeMatchedResults = tt.includeMatched
			generator, err := NewReportGenerator(config)
			require.NoError(t, err)

			var buf bytes.Buffer
			require.NoError(t, generator.GenerateReport(createSampleRun(), &buf))

			var decoded struct {
				RunID        string                  `json:"run_id"`
				Summary      models.DashboardSummary `json:"summary"`
				StatusCounts map[string]int          `json:"status_counts"`
				Results      []models.MatchResult    `json:"results"`
				Anomalies    []models.AnomalyRecord  `json:"anomalies"`
				ByMethod     map[string]int          `json:"anomalies_by_method"`
				Warnings     []json.RawMessage       `json:"warnings"`
			}
			require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))

			assert.Equal(t, "run-1", decoded.RunID)
			assert.Equal(t, 2, decoded.Summary.MatchedCount)
			assert.Equal(t, 2, decoded.StatusCounts["amount_mismatch"])
			assert.Equal(t, 0, decoded.StatusCounts["missing_transaction"])
			assert.Len(t, decoded.Results, tt.expectedResults)
			require.Len(t, decoded.Anomalies, 1)
			assert.True(t, decoded.Anomalies[0].Amount.Equal(decimal.NewFromInt(500000)))
			assert.Equal(t, 1, decoded.ByMethod[models.MethodIQR])
			assert.Len(t, decoded.Warnings, 1)
		})
	}
}

func TestCSVExport(t *testing.T) {
	config := DefaultReportConfig()
	config.Format = FormatCSV
	generator, err := NewReportGenerator(config)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, generator.GenerateReport(createSampleRun(), &buf))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 6)

	assert.Equal(t, CSVHeader, records[0])
	assert.Equal(t, []string{"matched", "TXN001", "GL001", "ACC1001", "2024-01-15", ""}, records[1])
	assert.Equal(t, []string{"amount_mismatch", "TXN004", "GL004", "ACC1002", "2024-01-15", "50.00"}, records[2])
	assert.Equal(t, []string{"missing_gl", "TXN011", "", "ACC1001", "2024-01-17", ""}, records[5])
}

func TestWriteResultsCSVDelimiter(t *testing.T) {
	var buf bytes.Buffer
	run := createSampleRun()
	require.NoError(t, WriteResultsCSV(&buf, run.Results[:1], ';', false))
	assert.Equal(t, "matched;TXN001;GL001;ACC1001;2024-01-15;\n", buf.String())
}

func TestEmptyRunHandling(t *testing.T) {
	run := &reconciler.RunResult{RunID: "empty", Status: reconciler.RunSucceeded}

	for _, format := range []OutputFormat{FormatConsole, FormatJSON, FormatCSV} {
		t.Run(string(format), func(t *testing.T) {
			config := DefaultReportConfig()
			config.Format = format
			generator, err := NewReportGenerator(config)
			require.NoError(t, err)

			var buf bytes.Buffer
			require.NoError(t, generator.GenerateReport(run, &buf))
			assert.NotEmpty(t, buf.String())
		})
	}

	generator, err := NewReportGenerator(nil)
	require.NoError(t, err)
	assert.Error(t, generator.GenerateReport(nil, &bytes.Buffer{}))
}

func TestUpdateConfiguration(t *testing.T) {
	generator, err := NewReportGenerator(nil)
	require.NoError(t, err)

	assert.Error(t, generator.UpdateConfiguration(&ReportConfig{Format: "xml"}))
	assert.Equal(t, FormatConsole, generator.GetConfiguration().Format)

	config := DefaultReportConfig()
	config.Format = FormatJSON
	require.NoError(t, generator.UpdateConfiguration(config))
	assert.Equal(t, FormatJSON, generator.GetConfiguration().Format)
}

// rejectJSON fails any write that looks like a JSON document
type rejectJSON struct {
	bytes.Buffer
}

func (w *rejectJSON) Write(p []byte) (int, error) {
	if len(p) > 0 && p[0] == '{' {
		return 0, stderrors.New("json not accepted")
	}
	return w.Buffer.Write(p)
}

func TestSafeReportGeneratorFallsBackToConsole(t *testing.T) {
	config := DefaultReportConfig()
	config.Format = FormatJSON
	generator, err := NewSafeReportGenerator(config, logger.Discard())
	require.NoError(t, err)

	var w rejectJSON
	require.NoError(t, generator.GenerateReportSafely(createSampleRun(), &w))
	assert.True(t, strings.HasPrefix(w.String(), "NOTE: Report generated in fallback format"))
	assert.Contains(t, w.String(), "RECONCILIATION REPORT")
}

func TestSafeReportGeneratorValidation(t *testing.T) {
	generator, err := NewSafeReportGenerator(nil, logger.Discard())
	require.NoError(t, err)

	err = generator.GenerateReportSafely(nil, &bytes.Buffer{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeMissingField))

	err = generator.GenerateReportSafely(createSampleRun(), nil)
	require.Error(t, err)

	_, err = NewSafeReportGenerator(&ReportConfig{Format: "xml"}, logger.Discard())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidConfig))
}

func TestSafeReportGeneratorWritesBackupFile(t *testing.T) {
	generator, err := NewSafeReportGenerator(nil, logger.Discard())
	require.NoError(t, err)
	var notices bytes.Buffer
	generator.notices = &notices

	path := filepath.Join(t.TempDir(), "report.txt")
	file, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	require.NoError(t, generator.GenerateReportSafely(createSampleRun(), file))

	backup, err := os.ReadFile(BackupPath(path))
	require.NoError(t, err)
	assert.Contains(t, string(backup), "RECONCILIATION REPORT")
	assert.Contains(t, notices.String(), "report_backup.txt")
}

func TestBackupPath(t *testing.T) {
	assert.Equal(t, "out/report_backup.json", BackupPath("out/report.json"))
	assert.Equal(t, "report_backup", BackupPath("report"))
}

func BenchmarkGenerateConsoleReport(b *testing.B) {
	generator, _ := NewReportGenerator(nil)
	run := createSampleRun()
	for i := 0; i < b.N; i++ {
		var buf bytes.Buffer
		_ = generator.GenerateReport(run, &buf)
	}
}
