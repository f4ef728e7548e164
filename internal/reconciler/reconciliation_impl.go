package reconciler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ledger-reconciliation-service/internal/aggregator"
	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/internal/quality"
	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

// Steps of a run, in order
const (
	StepMatching  = "Matching transactions"
	StepQuality   = "Assessing data quality"
	StepAnomalies = "Detecting anomalies"
	StepAggregate = "Aggregating results"
)

var runSteps = []string{StepMatching, StepQuality, StepAnomalies, StepAggregate}

// RunSnapshot computes a run over snapshot without publishing it
func (s *Service) RunSnapshot(ctx context.Context, snapshot *Snapshot) (*RunResult, error) {
	return s.execute(ctx, snapshot, uuid.NewString())
}

func (s *Service) execute(ctx context.Context, snapshot *Snapshot, runID string) (*RunResult, error) {
	if snapshot.IsEmpty() {
		return nil, noDataError("transactions or ledger entries")
	}

	txns := snapshot.TransactionRecords()
	entries := snapshot.LedgerRecords()

	result := &RunResult{
		RunID:           runID,
		SnapshotID:      snapshot.ID,
		SnapshotVersion: snapshot.Version,
		StartedAt:       time.Now().UTC(),
		Results:         []models.MatchResult{},
		Anomalies:       []models.AnomalyRecord{},
	}

	op := logger.NewOperationLogger("reconciliation_run", s.logger).
		WithField("run_id", runID).
		WithField("snapshot_version", snapshot.Version)
	tracker := newProgressTracker(len(runSteps), len(txns)+len(entries), s.callbacks())

	// matching
	tracker.update(StepMatching, 0)
	op.Step("matching")
	matched, err := s.engine.Reconcile(ctx, txns, entries)
	if err != nil {
		op.Error(err, "Matching failed")
		return nil, err
	}
	result.Results = matched.Results
	result.MatchSummary = matched.Summary
	result.Defects = collectDefects(snapshot, matched.Defects)
	result.Warnings = append(result.Warnings, defectWarnings(result.Defects)...)
	tracker.matched(matched.Summary.Matched)

	// quality
	if err := checkCancelled(ctx, "quality"); err != nil {
		return nil, err
	}
	tracker.update(StepQuality, 1)
	op.Step("quality")
	result.QualityReports = assessQuality(snapshot, matched.Defects, result.StartedAt)

	// anomalies
	if err := checkCancelled(ctx, "anomaly_detection"); err != nil {
		return nil, err
	}
	tracker.update(StepAnomalies, 2)
	op.Step("anomalies")
	if s.config.SkipAnomalies {
		result.AnomaliesSkipped = true
	} else if len(txns) > 0 {
		report, err := s.detector.Detect(ctx, detectable(txns))
		if err != nil {
			op.Error(err, "Anomaly detection failed")
			return nil, err
		}
		result.Anomalies = report.Records
		result.Stages = report.Stages
		result.Warnings = append(result.Warnings, report.Warnings...)
	}

	// aggregation
	if err := checkCancelled(ctx, "aggregation"); err != nil {
		return nil, err
	}
	tracker.update(StepAggregate, 3)
	op.Step("aggregate")
	result.Summary = aggregator.Summarize(aggregator.Input{
		TotalTransactions: len(txns),
		TotalGLEntries:    len(entries),
		Results:           result.Results,
		Anomalies:         result.Anomalies,
		QualityReports:    result.QualityReports,
	})

	for _, w := range result.Warnings {
		tracker.warn(w.Message)
	}
	tracker.update("Completed", len(runSteps))

	result.Status = RunSucceeded
	result.CompletedAt = time.Now().UTC()
	result.Durations = op.Durations()

	op.WithField("matched", result.Summary.MatchedCount).
		WithField("unmatched", result.Summary.UnmatchedCount).
		WithField("anomalies", result.Summary.AnomaliesDetected).
		WithField("warnings", len(result.Warnings)).
		Success("Reconciliation run completed")
	return result, nil
}

func checkCancelled(ctx context.Context, step string) error {
	if err := ctx.Err(); err != nil {
		return errors.InternalError(errors.CodeRunCancelled, step, err)
	}
	return nil
}

// detectable keeps the transactions whose date and account can be used
func detectable(txns []models.Transaction) []models.Transaction {
	out := make([]models.Transaction, 0, len(txns))
	for _, t := range txns {
		if t.Validate() == nil {
			out = append(out, t)
		}
	}
	return out
}

// collectDefects joins ingestion defects with the records the matcher
// excluded, transactions first.
func collectDefects(snapshot *Snapshot, matching []models.Defect) []models.Defect {
	var out []models.Defect
	if snapshot.Transactions != nil {
		out = append(out, snapshot.Transactions.Defects...)
	}
	if snapshot.Ledger != nil {
		out = append(out, snapshot.Ledger.Defects...)
	}
	return append(out, matching...)
}

func defectWarnings(defects []models.Defect) []*errors.ReconcilerError {
	counts := make(map[string]int)
	for _, d := range defects {
		counts[d.Dataset]++
	}
	var warnings []*errors.ReconcilerError
	for _, dataset := range []string{models.DatasetTransactions, models.DatasetLedger} {
		if n := counts[dataset]; n > 0 {
			warnings = append(warnings, errors.MatchingDefect(dataset, n))
		}
	}
	return warnings
}

// assessQuality rescores each dataset counting both ingestion and matching
// defects. Datasets loaded without a raw table keep their ingestion report.
func assessQuality(snapshot *Snapshot, matching []models.Defect, now time.Time) []models.DataQualityReport {
	excluded := make(map[string]int)
	for _, d := range matching {
		excluded[d.Dataset]++
	}

	reports := []models.DataQualityReport{}
	if set := snapshot.Transactions; set != nil {
		switch {
		case set.Table != nil:
			reports = append(reports, quality.Assess(set.Table, len(set.Defects)+excluded[models.DatasetTransactions], now))
		case set.Quality != nil:
			reports = append(reports, *set.Quality)
		}
	}
	if set := snapshot.Ledger; set != nil {
		switch {
		case set.Table != nil:
			reports = append(reports, quality.Assess(set.Table, len(set.Defects)+excluded[models.DatasetLedger], now))
		case set.Quality != nil:
			reports = append(reports, *set.Quality)
		}
	}
	return reports
}
