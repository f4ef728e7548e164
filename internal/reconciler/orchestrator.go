package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

// RunProgress tracks the progress of a run
type RunProgress struct {
	RunID              string        `json:"run_id,omitempty"`
	TotalSteps         int           `json:"total_steps"`
	CompletedSteps     int           `json:"completed_steps"`
	CurrentStep        string        `json:"current_step"`
	PercentComplete    float64       `json:"percent_complete"`
	StartTime          time.Time     `json:"start_time"`
	ElapsedTime        time.Duration `json:"elapsed_time"`
	EstimatedRemaining time.Duration `json:"estimated_remaining"`

	TotalRecords int `json:"total_records"`
	MatchesFound int `json:"matches_found"`

	Warnings []string `json:"warnings,omitempty"`
}

// ProgressCallback is called to report run progress. It receives a copy.
type ProgressCallback func(*RunProgress)

// AddProgressCallback adds a progress callback function
func (s *Service) AddProgressCallback(callback ProgressCallback) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.progressCallbacks = append(s.progressCallbacks, callback)
}

func (s *Service) callbacks() []ProgressCallback {
	s.callbacksMu.RLock()
	defer s.callbacksMu.RUnlock()
	return append([]ProgressCallback(nil), s.progressCallbacks...)
}

type progressTracker struct {
	mu        sync.Mutex
	current   RunProgress
	callbacks []ProgressCallback
}

func newProgressTracker(steps, records int, callbacks []ProgressCallback) *progressTracker {
	return &progressTracker{
		current: RunProgress{
			TotalSteps:   steps,
			StartTime:    time.Now(),
			TotalRecords: records,
		},
		callbacks: callbacks,
	}
}

func (pt *progressTracker) update(step string, completed int) {
	pt.mu.Lock()
	p := &pt.current
	p.CurrentStep = step
	p.CompletedSteps = completed
	p.ElapsedTime = time.Since(p.StartTime)
	p.PercentComplete = float64(completed) / float64(p.TotalSteps) * 100

	p.EstimatedRemaining = 0
	if completed > 0 && completed < p.TotalSteps {
		perStep := p.ElapsedTime / time.Duration(completed)
		p.EstimatedRemaining = perStep * time.Duration(p.TotalSteps-completed)
	}

	snapshot := *p
	snapshot.Warnings = append([]string(nil), p.Warnings...)
	pt.mu.Unlock()

	for _, callback := range pt.callbacks {
		c := snapshot
		callback(&c)
	}
}

func (pt *progressTracker) matched(n int) {
	pt.mu.Lock()
	pt.current.MatchesFound = n
	pt.mu.Unlock()
}

func (pt *progressTracker) warn(message string) {
	pt.mu.Lock()
	pt.current.Warnings = append(pt.current.Warnings, message)
	pt.mu.Unlock()
}

// RunHandle follows a background run
type RunHandle struct {
	ID              string
	SnapshotVersion uint64

	cancel context.CancelFunc
	done   chan struct{}
	result *RunResult
	err    error
}

// Done is closed when the run has finished, one way or another
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

// Cancel stops the run. Its result is discarded.
func (h *RunHandle) Cancel() {
	h.cancel()
}

// Wait blocks until the run finishes or ctx ends. A cancelled run returns a
// RunResult with status cancelled together with a run_cancelled error.
func (h *RunHandle) Wait(ctx context.Context) (*RunResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Start runs reconciliation on the current snapshot in the background. The
// run is cancelled when a newer snapshot is published, when ctx ends or when
// another background run is started, and a cancelled run never replaces the
// latest result.
func (s *Service) Start(ctx context.Context) (*RunHandle, error) {
	snapshot := s.store.Current()
	if snapshot.IsEmpty() {
		return nil, noDataError("transactions or ledger entries")
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &RunHandle{
		ID:              uuid.NewString(),
		SnapshotVersion: snapshot.Version,
		cancel:          cancel,
		done:            make(chan struct{}),
	}

	invalidated, unsubscribe := s.store.Subscribe()
	if s.store.Current().Version != snapshot.Version {
		cancel()
	}

	s.inflightMu.Lock()
	if s.inflight != nil {
		s.inflight.Cancel()
	}
	s.inflight = h
	s.inflightMu.Unlock()

	log := s.logger.WithFields(logger.Fields{"run_id": h.ID, "snapshot_version": snapshot.Version})
	log.Info("Background run started")

	go func() {
		select {
		case <-invalidated:
			log.Info("Snapshot superseded, cancelling background run")
			cancel()
		case <-runCtx.Done():
		}
	}()

	go func() {
		defer close(h.done)
		defer unsubscribe()
		defer cancel()

		started := time.Now().UTC()
		result, err := s.execute(runCtx, snapshot, h.ID)

		switch {
		case err != nil && errors.HasCode(err, errors.CodeRunCancelled):
			h.result = s.abandoned(h, snapshot, started, RunCancelled)
			h.err = err
			log.Warn("Background run cancelled, results discarded")
		case err != nil:
			h.result = s.abandoned(h, snapshot, started, RunFailed)
			h.err = err
			log.WithError(err).Error("Background run failed")
		case s.store.Current().Version != snapshot.Version:
			// finished, but the data changed underneath
			h.result = s.abandoned(h, snapshot, started, RunCancelled)
			h.err = errors.InternalError(errors.CodeRunCancelled, "publish", context.Canceled)
			log.Warn("Background run finished on a superseded snapshot, results discarded")
		default:
			s.publish(runCtx, result)
			h.result = result
			log.Info("Background run completed")
		}

		s.inflightMu.Lock()
		if s.inflight == h {
			s.inflight = nil
		}
		s.inflightMu.Unlock()
	}()

	return h, nil
}

// Running reports whether a background run is in flight
func (s *Service) Running() bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	return s.inflight != nil
}

func (s *Service) abandoned(h *RunHandle, snapshot *Snapshot, started time.Time, status RunStatus) *RunResult {
	return &RunResult{
		RunID:           h.ID,
		SnapshotID:      snapshot.ID,
		SnapshotVersion: snapshot.Version,
		Status:          status,
		StartedAt:       started,
		CompletedAt:     time.Now().UTC(),
	}
}
