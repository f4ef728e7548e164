// Package reporter renders reconciliation runs for people and tools.
//
// Supported output formats:
//   - Console: sectioned plain-text report for terminal display
//   - JSON: the run summary, discrepancies and anomalies for programmatic use
//   - CSV: one row per match result, in result order
//
// Example usage:
//
//	generator, err := reporter.NewReportGenerator(&reporter.ReportConfig{
//		Format:   reporter.FormatConsole,
//		MaxItems: 20,
//	})
//	err = generator.GenerateReport(run, os.Stdout)
package reporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"ledger-reconciliation-service/internal/aggregator"
	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/internal/reconciler"
	"ledger-reconciliation-service/pkg/errors"
)

// OutputFormat represents the supported report output formats
type OutputFormat string

const (
	FormatConsole OutputFormat = "console"
	FormatJSON    OutputFormat = "json"
	FormatCSV     OutputFormat = "csv"
)

// IsValid checks if the output format is supported
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatConsole, FormatJSON, FormatCSV:
		return true
	default:
		return false
	}
}

// CSVHeader is the column layout of the match result export
var CSVHeader = []string{"status", "transaction_id", "gl_id", "account_id", "date", "amount_difference"}

// ReportConfig holds configuration options for report generation
type ReportConfig struct {
	Format OutputFormat `json:"format"`

	// Detail level options
	IncludeMatchedResults   bool `json:"include_matched_results"`
	IncludeAnomalies        bool `json:"include_anomalies"`
	IncludeDataQuality      bool `json:"include_data_quality"`
	IncludeAccountBreakdown bool `json:"include_account_breakdown"`
	IncludeWarnings         bool `json:"include_warnings"`

	// MaxItems caps console lists; 0 prints everything
	MaxItems int `json:"max_items"`

	// CSV options
	CSVDelimiter rune `json:"csv_delimiter"`
	CSVHeaders   bool `json:"csv_headers"`
}

// DefaultReportConfig returns a default report configuration
func DefaultReportConfig() *ReportConfig {
	return &ReportConfig{
		Format:                  FormatConsole,
		IncludeMatchedResults:   false,
		IncludeAnomalies:        true,
		IncludeDataQuality:      true,
		IncludeAccountBreakdown: true,
		IncludeWarnings:         true,
		MaxItems:                25,
		CSVDelimiter:            ',',
		CSVHeaders:              true,
	}
}

// Validate validates the report configuration
func (c *ReportConfig) Validate() error {
	if !c.Format.IsValid() {
		return fmt.Errorf("invalid output format: %s", c.Format)
	}
	if c.MaxItems < 0 {
		return fmt.Errorf("max items must be non-negative, got %d", c.MaxItems)
	}
	if c.Format == FormatCSV && (c.CSVDelimiter == 0 || c.CSVDelimiter == '"' || c.CSVDelimiter == '\n') {
		return fmt.Errorf("invalid CSV delimiter %q", c.CSVDelimiter)
	}
	return nil
}

// ReportGenerator generates reconciliation reports in various formats
type ReportGenerator struct {
	config *ReportConfig
}

// NewReportGenerator creates a new report generator with the specified configuration
func NewReportGenerator(config *ReportConfig) (*ReportGenerator, error) {
	if config == nil {
		config = DefaultReportConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid report configuration: %w", err)
	}
	return &ReportGenerator{config: config}, nil
}

// GenerateReport writes a report of run to writer
func (rg *ReportGenerator) GenerateReport(run *reconciler.RunResult, writer io.Writer) error {
	if run == nil {
		return fmt.Errorf("run result cannot be nil")
	}

	switch rg.config.Format {
	case FormatConsole:
		return rg.generateConsoleReport(run, writer)
	case FormatJSON:
		return rg.generateJSONReport(run, writer)
	case FormatCSV:
		return WriteResultsCSV(writer, run.Results, rg.config.CSVDelimiter, rg.config.CSVHeaders)
	default:
		return fmt.Errorf("unsupported output format: %s", rg.config.Format)
	}
}

// WriteResultsCSV writes results as the tabular match result export
func WriteResultsCSV(writer io.Writer, results []models.MatchResult, delimiter rune, headers bool) error {
	w := csv.NewWriter(writer)
	if delimiter != 0 {
		w.Comma = delimiter
	}

	if headers {
		if err := w.Write(CSVHeader); err != nil {
			return fmt.Errorf("failed to write CSV headers: %w", err)
		}
	}

	for i, r := range results {
		diff := ""
		if r.AmountDifference != nil {
			diff = r.AmountDifference.StringFixed(2)
		}
		record := []string{
			string(r.Status),
			r.TransactionID,
			r.GLID,
			r.AccountID,
			r.Day(),
			diff,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record %d: %w", i, err)
		}
	}

	w.Flush()
	return w.Error()
}

// generateConsoleReport generates a human-readable console report
func (rg *ReportGenerator) generateConsoleReport(run *reconciler.RunResult, writer io.Writer) error {
	ew := &errWriter{w: writer}

	ew.printf("RECONCILIATION REPORT\n")
	ew.printf("Run:       %s (%s)\n", run.RunID, run.Status)
	ew.printf("Generated: %s\n", run.CompletedAt.Format(time.RFC3339))
	ew.printf("Duration:  %v\n\n", run.Duration().Round(time.Millisecond))

	ew.printf("=== SUMMARY ===\n")
	rg.printSummary(run.Summary, ew)
	ew.printf("\n")

	ew.printf("=== STATUS BREAKDOWN ===\n")
	rg.printStatusBreakdown(run.Results, ew)
	ew.printf("\n")

	discrepancies := Discrepancies(run.Results)
	if len(discrepancies) > 0 {
		ew.printf("=== DISCREPANCIES ===\n")
		rg.printResults(discrepancies, ew)
		ew.printf("\n")
	}

	if rg.config.IncludeMatchedResults {
		matched := filterStatus(run.Results, models.StatusMatched)
		if len(matched) > 0 {
			ew.printf("=== MATCHED ===\n")
			rg.printResults(matched, ew)
			ew.printf("\n")
		}
	}

	if rg.config.IncludeAnomalies {
		ew.printf("=== ANOMALIES ===\n")
		if run.AnomaliesSkipped {
			ew.printf("Anomaly detection was skipped for this run\n")
		} else {
			rg.printAnomalies(run.Anomalies, ew)
		}
		ew.printf("\n")
	}

	if rg.config.IncludeDataQuality && len(run.QualityReports) > 0 {
		ew.printf("=== DATA QUALITY ===\n")
		rg.printQuality(run.QualityReports, ew)
		ew.printf("\n")
	}

	if rg.config.IncludeAccountBreakdown {
		breakdown := aggregator.ByAccount(run.Results, run.Anomalies)
		if len(breakdown) > 0 {
			ew.printf("=== ACCOUNTS ===\n")
			rg.printAccounts(breakdown, ew)
			ew.printf("\n")
		}
	}

	if rg.config.IncludeWarnings && len(run.Warnings) > 0 {
		ew.printf("=== WARNINGS ===\n")
		ew.printf("Total: %s\n", errors.Summarize(run.Warnings))
		for _, w := range run.Warnings {
			ew.printf("  - [%s] %s\n", w.Code, w.Message)
		}
	}

	return ew.err
}

// generateJSONReport generates a structured JSON report
func (rg *ReportGenerator) generateJSONReport(run *reconciler.RunResult, writer io.Writer) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(rg.filterResultForOutput(run))
}

func (rg *ReportGenerator) filterResultForOutput(run *reconciler.RunResult) map[string]interface{} {
	output := map[string]interface{}{
		"run_id":           run.RunID,
		"status":           run.Status,
		"snapshot_version": run.SnapshotVersion,
		"completed_at":     run.CompletedAt,
		"summary":          run.Summary,
		"status_counts":    aggregator.CountByStatus(run.Results),
	}

	if rg.config.IncludeMatchedResults {
		output["results"] = nonNil(run.Results)
	} else {
		output["results"] = nonNil(Discrepancies(run.Results))
	}

	if rg.config.IncludeAnomalies {
		output["anomalies"] = run.Anomalies
		output["anomalies_by_method"] = aggregator.CountByMethod(run.Anomalies)
		if run.AnomaliesSkipped {
			output["anomalies_skipped"] = true
		}
	}

	if rg.config.IncludeDataQuality {
		output["quality_reports"] = run.QualityReports
	}

	if rg.config.IncludeAccountBreakdown {
		output["accounts"] = aggregator.ByAccount(run.Results, run.Anomalies)
	}

	if rg.config.IncludeWarnings && len(run.Warnings) > 0 {
		output["warnings"] = run.Warnings
		output["warning_summary"] = errors.Summarize(run.Warnings)
	}

	return output
}

// Discrepancies returns the results that are not matched, in result order
func Discrepancies(results []models.MatchResult) []models.MatchResult {
	out := make([]models.MatchResult, 0)
	for _, r := range results {
		if r.Status != models.StatusMatched {
			out = append(out, r)
		}
	}
	return out
}

func filterStatus(results []models.MatchResult, status models.MatchStatus) []models.MatchResult {
	out := make([]models.MatchResult, 0)
	for _, r := range results {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

// Helper methods for console output formatting

func (rg *ReportGenerator) printSummary(summary models.DashboardSummary, ew *errWriter) {
	ew.printf("Transactions:        %d\n", summary.TotalTransactions)
	ew.printf("General ledger:      %d\n", summary.TotalGLEntries)
	ew.printf("Matched:             %d\n", summary.MatchedCount)
	ew.printf("Unmatched:           %d\n", summary.UnmatchedCount)
	ew.printf("Accuracy:            %.2f%%\n", summary.ReconciliationAccuracy)
	ew.printf("Anomalies:           %d\n", summary.AnomaliesDetected)
	ew.printf("Data quality score:  %.2f\n", summary.DataQualityScore)
}

func (rg *ReportGenerator) printStatusBreakdown(results []models.MatchResult, ew *errWriter) {
	counts := aggregator.CountByStatus(results)
	for _, status := range models.AllStatuses {
		ew.printf("%-20s %d (%.1f%%)\n", string(status)+":", counts[status],
			rg.calculatePercentage(counts[status], len(results)))
	}
}

func (rg *ReportGenerator) printResults(results []models.MatchResult, ew *errWriter) {
	for i, r := range results {
		if rg.truncate(i, len(results), ew) {
			break
		}
		line := fmt.Sprintf("  %d. %-22s txn=%-10s gl=%-10s account=%-10s date=%s",
			i+1, r.Status, orDash(r.TransactionID), orDash(r.GLID), orDash(r.AccountID), r.Day())
		if r.AmountDifference != nil {
			line += " diff=" + r.AmountDifference.StringFixed(2)
		}
		ew.printf("%s\n", line)
	}
}

func (rg *ReportGenerator) printAnomalies(records []models.AnomalyRecord, ew *errWriter) {
	if len(records) == 0 {
		ew.printf("No anomalies detected\n")
		return
	}

	sorted := append([]models.AnomalyRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].AnomalyScore > sorted[j].AnomalyScore
	})

	ew.printf("Total: %d\n", len(sorted))
	for i, a := range sorted {
		if rg.truncate(i, len(sorted), ew) {
			break
		}
		ew.printf("  %d. %s account=%s amount=%s score=%.3f type=%s methods=%s\n",
			i+1, a.TransactionID, orDash(a.AccountID), a.Amount.StringFixed(2),
			a.AnomalyScore, a.AnomalyType, strings.Join(a.DetectionMethods, ","))
	}
}

func (rg *ReportGenerator) printQuality(reports []models.DataQualityReport, ew *errWriter) {
	for _, q := range reports {
		ew.printf("%s: score %.2f (completeness %.2f, consistency %.2f), %d records, %d duplicates, %d defects\n",
			q.DatasetName, q.QualityScore, q.CompletenessScore, q.ConsistencyScore,
			q.TotalRecords, q.DuplicateCount, q.DefectCount)
		for _, issue := range q.Issues {
			ew.printf("  - %s\n", issue)
		}
	}
}

func (rg *ReportGenerator) printAccounts(breakdown []aggregator.AccountBreakdown, ew *errWriter) {
	ew.printf("%-14s %8s %10s %10s\n", "ACCOUNT", "MATCHED", "UNMATCHED", "ANOMALIES")
	for i, b := range breakdown {
		if rg.truncate(i, len(breakdown), ew) {
			break
		}
		ew.printf("%-14s %8d %10d %10d\n", orDash(b.AccountID), b.Matched, b.Unmatched, b.Anomalies)
	}
}

// truncate reports whether item i is past MaxItems, printing the remainder
// count once.
func (rg *ReportGenerator) truncate(i, total int, ew *errWriter) bool {
	if rg.config.MaxItems == 0 || i < rg.config.MaxItems {
		return false
	}
	ew.printf("  ... and %d more\n", total-i)
	return true
}

func (rg *ReportGenerator) calculatePercentage(part, total int) float64 {
	if total == 0 {
		return 0.0
	}
	return float64(part) / float64(total) * 100.0
}

// UpdateConfiguration updates the report generator configuration
func (rg *ReportGenerator) UpdateConfiguration(config *ReportConfig) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid report configuration: %w", err)
	}
	rg.config = config
	return nil
}

// GetConfiguration returns the current configuration
func (rg *ReportGenerator) GetConfiguration() *ReportConfig {
	return rg.config
}

// errWriter keeps the first write error so the console renderer can print
// freely and check once.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...interface{}) {
	if ew.err != nil {
		return
	}
	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func nonNil(results []models.MatchResult) []models.MatchResult {
	if results == nil {
		return []models.MatchResult{}
	}
	return results
}
