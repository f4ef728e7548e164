package reconciler

import (
	"sync/atomic"
	"time"

	"ledger-reconciliation-service/internal/anomaly"
	"ledger-reconciliation-service/internal/matcher"
	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/pkg/errors"
)

// RunStatus is the final state of a run
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// RunResult is everything one run produced. It is never modified once
// published.
type RunResult struct {
	RunID            string                     `json:"run_id"`
	SnapshotID       string                     `json:"snapshot_id"`
	SnapshotVersion  uint64                     `json:"snapshot_version"`
	Status           RunStatus                  `json:"status"`
	StartedAt        time.Time                  `json:"started_at"`
	CompletedAt      time.Time                  `json:"completed_at"`
	Summary          models.DashboardSummary    `json:"summary"`
	MatchSummary     matcher.Summary            `json:"match_summary"`
	Results          []models.MatchResult       `json:"results"`
	Anomalies        []models.AnomalyRecord     `json:"anomalies"`
	AnomaliesSkipped bool                       `json:"anomalies_skipped,omitempty"`
	QualityReports   []models.DataQualityReport `json:"quality_reports"`
	Defects          []models.Defect            `json:"defects,omitempty"`
	Stages           []anomaly.StageSummary     `json:"stages,omitempty"`
	Warnings         []*errors.ReconcilerError  `json:"warnings,omitempty"`
	Durations        map[string]time.Duration   `json:"durations,omitempty"`
}

// Duration returns the wall time of the run
func (r *RunResult) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// HasWarnings reports whether the run completed in a degraded state
func (r *RunResult) HasWarnings() bool {
	return len(r.Warnings) > 0
}

// ResultHolder keeps the most recent completed run. It is the only state
// shared between runs.
type ResultHolder struct {
	latest atomic.Pointer[heldRun]
}

// heldRun marks runs loaded from storage. Their snapshot versions belong to
// another process and do not order against the current store.
type heldRun struct {
	run      *RunResult
	restored bool
}

// NewResultHolder creates an empty holder
func NewResultHolder() *ResultHolder {
	return &ResultHolder{}
}

// Latest returns the most recent run, or nil before the first one
func (h *ResultHolder) Latest() *RunResult {
	if held := h.latest.Load(); held != nil {
		return held.run
	}
	return nil
}

// Publish replaces the held run with r unless the held run was computed on a
// newer snapshot. A restored run is always replaced. It reports whether r
// was stored.
func (h *ResultHolder) Publish(r *RunResult) bool {
	next := &heldRun{run: r}
	for {
		old := h.latest.Load()
		if old != nil && !old.restored && old.run.SnapshotVersion > r.SnapshotVersion {
			return false
		}
		if h.latest.CompareAndSwap(old, next) {
			return true
		}
	}
}

// Restore installs r, loaded from storage, if no run has been published yet
func (h *ResultHolder) Restore(r *RunResult) bool {
	return h.latest.CompareAndSwap(nil, &heldRun{run: r, restored: true})
}

// Stale reports whether the held run was computed on a snapshot other than
// current. A restored run is always stale and an empty holder never is.
func (h *ResultHolder) Stale(current *Snapshot) bool {
	held := h.latest.Load()
	if held == nil {
		return false
	}
	return held.restored || (current != nil && held.run.SnapshotVersion != current.Version)
}
