// Package quality scores ingested datasets for completeness and consistency.
package quality

import (
	"fmt"
	"math"
	"strings"
	"time"

	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/internal/parsers"
)

// Penalties subtracted from the consistency score
const (
	NegativeAmountPenalty = 10.0
	InvalidDatePenalty    = 15.0
)

// amountColumns are checked for negative values. Transaction amounts are
// signed, so only the ledger sides count.
var amountColumns = []string{parsers.ColDebitAmount, parsers.ColCreditAmount}

// Assess builds the quality report of one table. defects are the rows the
// parser or matcher excluded.
func Assess(table *parsers.Table, defects int, now time.Time) models.DataQualityReport {
	report := models.DataQualityReport{
		DatasetName:      table.Schema.Dataset,
		TotalRecords:     len(table.Rows),
		DefectCount:      defects,
		ConsistencyScore: 100,
		Issues:           []string{},
		CheckedAt:        now,
	}

	report.CompletenessScore = completeness(table)
	report.DuplicateCount = duplicates(table)
	if report.DuplicateCount > 0 {
		report.Issues = append(report.Issues, fmt.Sprintf("%d duplicate rows found", report.DuplicateCount))
	}

	if negatives := countNegatives(table); negatives > 0 {
		report.Issues = append(report.Issues, fmt.Sprintf("%d negative amounts found", negatives))
		report.ConsistencyScore -= NegativeAmountPenalty
	}

	if invalid := countInvalidDates(table); invalid > 0 {
		report.Issues = append(report.Issues, fmt.Sprintf("%d rows with unreadable dates", invalid))
		report.ConsistencyScore -= InvalidDatePenalty
	}

	if defects > 0 {
		report.Issues = append(report.Issues, fmt.Sprintf("%d records excluded from matching", defects))
	}

	report.QualityScore = round2(clamp((report.CompletenessScore + report.ConsistencyScore) / 2))
	report.CompletenessScore = round2(report.CompletenessScore)
	report.ConsistencyScore = round2(report.ConsistencyScore)
	return report
}

// completeness is the share of non-blank cells. An empty table is complete.
func completeness(table *parsers.Table) float64 {
	cells := len(table.Rows) * len(table.Columns)
	if cells == 0 {
		return 100
	}

	filled := 0
	for _, row := range table.Rows {
		for _, v := range row.Values {
			if v != "" {
				filled++
			}
		}
	}
	return float64(filled) / float64(cells) * 100
}

// duplicates counts rows identical to an earlier row.
func duplicates(table *parsers.Table) int {
	seen := make(map[string]bool, len(table.Rows))
	count := 0
	for _, row := range table.Rows {
		key := strings.Join(row.Values, "\x1f")
		if seen[key] {
			count++
			continue
		}
		seen[key] = true
	}
	return count
}

func countNegatives(table *parsers.Table) int {
	count := 0
	for _, row := range table.Rows {
		for _, col := range amountColumns {
			raw := row.Value(table, col)
			if raw == "" {
				continue
			}
			if d, err := models.ParseDecimal(raw); err == nil && d.IsNegative() {
				count++
			}
		}
	}
	return count
}

func countInvalidDates(table *parsers.Table) int {
	count := 0
	for _, row := range table.Rows {
		if _, err := models.ParseDate(row.Value(table, parsers.ColDate)); err != nil {
			count++
		}
	}
	return count
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
