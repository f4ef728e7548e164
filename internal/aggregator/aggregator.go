// Package aggregator derives the dashboard view of a run from its match
// results, anomaly records and data-quality reports. It never modifies its
// input.
package aggregator

import (
	"math"
	"sort"

	"ledger-reconciliation-service/internal/models"
)

// Input is everything the dashboard summary is computed from
type Input struct {
	TotalTransactions int
	TotalGLEntries    int
	Results           []models.MatchResult
	Anomalies         []models.AnomalyRecord
	QualityReports    []models.DataQualityReport
}

// Summarize builds the dashboard summary.
//
// Accuracy is matched / (matched + unmatched) * 100, clamped to [0, 100], and
// 0 when there is nothing to reconcile. The data quality score is the mean of
// the report scores, or 0 without reports.
func Summarize(in Input) models.DashboardSummary {
	counts := CountByStatus(in.Results)
	matched := counts[models.StatusMatched]
	unmatched := len(in.Results) - matched

	return models.DashboardSummary{
		TotalTransactions:      in.TotalTransactions,
		TotalGLEntries:         in.TotalGLEntries,
		MatchedCount:           matched,
		UnmatchedCount:         unmatched,
		AnomaliesDetected:      len(in.Anomalies),
		DataQualityScore:       MeanQuality(in.QualityReports),
		ReconciliationAccuracy: Accuracy(matched, unmatched),
	}
}

// Accuracy returns the matched share as a percentage
func Accuracy(matched, unmatched int) float64 {
	total := matched + unmatched
	if total <= 0 {
		return 0
	}
	return clamp(float64(matched) / float64(total) * 100)
}

// MeanQuality averages the quality scores of reports
func MeanQuality(reports []models.DataQualityReport) float64 {
	if len(reports) == 0 {
		return 0
	}
	var sum float64
	for _, r := range reports {
		sum += r.QualityScore
	}
	return clamp(sum / float64(len(reports)))
}

// CountByStatus counts results per status. Every known status is present.
func CountByStatus(results []models.MatchResult) map[models.MatchStatus]int {
	counts := make(map[models.MatchStatus]int, len(models.AllStatuses))
	for _, s := range models.AllStatuses {
		counts[s] = 0
	}
	for _, r := range results {
		counts[r.Status]++
	}
	return counts
}

// CountByMethod counts how many records each detection method flagged
func CountByMethod(records []models.AnomalyRecord) map[string]int {
	counts := make(map[string]int, len(models.MethodOrder))
	for _, m := range models.MethodOrder {
		counts[m] = 0
	}
	for _, r := range records {
		for _, m := range r.DetectionMethods {
			counts[m]++
		}
	}
	return counts
}

// AccountBreakdown is the per-account view of unmatched results
type AccountBreakdown struct {
	AccountID string `json:"account_id"`
	Matched   int    `json:"matched"`
	Unmatched int    `json:"unmatched"`
	Anomalies int    `json:"anomalies"`
}

// ByAccount groups result and anomaly counts per account, ordered by
// account id.
func ByAccount(results []models.MatchResult, records []models.AnomalyRecord) []AccountBreakdown {
	index := make(map[string]*AccountBreakdown)
	get := func(account string) *AccountBreakdown {
		b, ok := index[account]
		if !ok {
			b = &AccountBreakdown{AccountID: account}
			index[account] = b
		}
		return b
	}

	for _, r := range results {
		b := get(r.AccountID)
		if r.Status == models.StatusMatched {
			b.Matched++
		} else {
			b.Unmatched++
		}
	}
	for _, a := range records {
		get(a.AccountID).Anomalies++
	}

	out := make([]AccountBreakdown, 0, len(index))
	for _, b := range index {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}
