// Package reconciler runs reconciliation over versioned data snapshots.
//
// Uploads go through the Ingestor and are published to a SnapshotStore as a
// new immutable Snapshot. A run reads one snapshot and executes matching,
// quality assessment, anomaly detection and aggregation, producing a
// RunResult. The most recent RunResult lives in a ResultHolder, which is
// swapped atomically when a run completes. Background runs started with
// Service.Start are cancelled and discarded when a newer snapshot is
// published while they are in flight.
//
// Example usage:
//
//	service, err := reconciler.NewService(reconciler.DefaultConfig())
//	service.AddProgressCallback(func(p *reconciler.RunProgress) {
//		fmt.Printf("%.0f%% %s\n", p.PercentComplete, p.CurrentStep)
//	})
//	_, err = service.LoadTransactionsFile(ctx, "transactions.csv")
//	_, err = service.LoadLedgerFile(ctx, "general_ledger.csv")
//	result, err := service.Run(ctx)
package reconciler

import (
	"context"
	"fmt"
	"io"
	"sync"

	"ledger-reconciliation-service/internal/anomaly"
	"ledger-reconciliation-service/internal/matcher"
	"ledger-reconciliation-service/internal/parsers"
	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

// Config holds configuration options for the reconciliation service
type Config struct {
	Matching *matcher.MatchingConfig
	Anomaly  *anomaly.Config
	Parsing  *parsers.ParseConfig

	// SkipAnomalies runs matching and aggregation only
	SkipAnomalies bool
}

// DefaultConfig returns a default configuration for the reconciliation service
func DefaultConfig() *Config {
	return &Config{
		Matching: matcher.DefaultMatchingConfig(),
		Anomaly:  anomaly.DefaultConfig(),
		Parsing:  parsers.DefaultParseConfig(),
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Matching == nil {
		return fmt.Errorf("matching configuration is required")
	}
	if err := c.Matching.Validate(); err != nil {
		return fmt.Errorf("matching: %w", err)
	}
	if c.Anomaly == nil {
		return fmt.Errorf("anomaly configuration is required")
	}
	if err := c.Anomaly.Validate(); err != nil {
		return fmt.Errorf("anomaly: %w", err)
	}
	if c.Parsing != nil {
		if err := c.Parsing.Validate(); err != nil {
			return fmt.Errorf("parsing: %w", err)
		}
	}
	return nil
}

// ResultSink persists completed runs
type ResultSink interface {
	SaveRun(ctx context.Context, run *RunResult) error
}

// Service owns the snapshot store, the latest-run holder and the engines
type Service struct {
	config   *Config
	ingestor *Ingestor
	engine   *matcher.Engine
	detector *anomaly.Detector
	store    *SnapshotStore
	holder   *ResultHolder
	sink     ResultSink
	logger   logger.Logger

	callbacksMu       sync.RWMutex
	progressCallbacks []ProgressCallback

	// inflight is the background run started last, if still running
	inflightMu sync.Mutex
	inflight   *RunHandle
}

// Option customizes a Service
type Option func(*Service)

// WithResultSink persists every successful run to sink
func WithResultSink(sink ResultSink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithSnapshotStore shares an existing snapshot store
func WithSnapshotStore(store *SnapshotStore) Option {
	return func(s *Service) { s.store = store }
}

// NewService creates a new reconciliation service
func NewService(config *Config, opts ...Option) (*Service, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "reconciler", fmt.Sprintf("%+v", *config), err)
	}

	ingestor, err := NewIngestor(config.Parsing)
	if err != nil {
		return nil, err
	}

	s := &Service{
		config:   config,
		ingestor: ingestor,
		engine:   matcher.NewEngine(config.Matching),
		detector: anomaly.NewDetector(config.Anomaly),
		holder:   NewResultHolder(),
		logger:   logger.GetGlobalLogger().WithComponent("reconciliation_service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = NewSnapshotStore()
	}

	s.logger.WithFields(logger.Fields{
		"amount_tolerance": config.Matching.AmountTolerance.String(),
		"anomalies":        !config.SkipAnomalies,
		"ml_enabled":       config.Anomaly.EnableML,
	}).Debug("Reconciliation service created")
	return s, nil
}

// GetConfig returns the service configuration
func (s *Service) GetConfig() *Config {
	return s.config
}

// Snapshots returns the snapshot store
func (s *Service) Snapshots() *SnapshotStore {
	return s.store
}

// Latest returns the most recent run and whether newer data has been
// uploaded since it was computed.
func (s *Service) Latest() (*RunResult, bool) {
	return s.holder.Latest(), s.holder.Stale(s.store.Current())
}

// Restore installs a run loaded from persistent storage as the latest
// result. It is reported stale and the next completed run replaces it
// whatever its snapshot version. Restore is a no-op once a run has been
// published.
func (s *Service) Restore(run *RunResult) bool {
	if run == nil {
		return false
	}
	return s.holder.Restore(run)
}

// LoadTransactions parses r and publishes it as the transaction dataset
func (s *Service) LoadTransactions(ctx context.Context, r io.Reader, source string) (*Snapshot, error) {
	set, err := s.ingestor.Transactions(ctx, r, source)
	if err != nil {
		return nil, err
	}
	return s.store.ReplaceTransactions(*set), nil
}

// LoadLedger parses r and publishes it as the general-ledger dataset
func (s *Service) LoadLedger(ctx context.Context, r io.Reader, source string) (*Snapshot, error) {
	set, err := s.ingestor.Ledger(ctx, r, source)
	if err != nil {
		return nil, err
	}
	return s.store.ReplaceLedger(*set), nil
}

// LoadTransactionsFile publishes the transaction dataset at path
func (s *Service) LoadTransactionsFile(ctx context.Context, path string) (*Snapshot, error) {
	set, err := s.ingestor.TransactionsFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return s.store.ReplaceTransactions(*set), nil
}

// LoadLedgerFile publishes the general-ledger dataset at path
func (s *Service) LoadLedgerFile(ctx context.Context, path string) (*Snapshot, error) {
	set, err := s.ingestor.LedgerFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return s.store.ReplaceLedger(*set), nil
}

// Run reconciles the current snapshot and publishes the result. A run whose
// snapshot was replaced while it ran is returned but not published.
func (s *Service) Run(ctx context.Context) (*RunResult, error) {
	snapshot := s.store.Current()
	result, err := s.RunSnapshot(ctx, snapshot)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, result)
	return result, nil
}

// Detect runs anomaly detection alone on the current snapshot
func (s *Service) Detect(ctx context.Context) (*anomaly.Report, error) {
	snapshot := s.store.Current()
	if len(snapshot.TransactionRecords()) == 0 {
		return nil, noDataError("transactions")
	}
	return s.detector.Detect(ctx, detectable(snapshot.TransactionRecords()))
}

// publish persists a finished run and stores it in the holder. Runs on a
// superseded snapshot are dropped. Persistence failures are recorded as
// warnings on the run.
func (s *Service) publish(ctx context.Context, result *RunResult) bool {
	if current := s.store.Current().Version; result.SnapshotVersion != current {
		s.logger.WithFields(logger.Fields{
			"run_id":           result.RunID,
			"snapshot_version": result.SnapshotVersion,
			"current_version":  current,
		}).Warn("Discarding result of a run on a superseded snapshot")
		return false
	}
	if s.sink != nil {
		if err := s.sink.SaveRun(ctx, result); err != nil {
			s.logger.WithError(err).WithField("run_id", result.RunID).Error("Failed to persist run")
			result.Warnings = append(result.Warnings, errors.StorageError(errors.CodeStorageWrite, "save_run", err))
		}
	}
	if !s.holder.Publish(result) {
		s.logger.WithField("run_id", result.RunID).Warn("Discarding result of a run on an older snapshot")
		return false
	}
	return true
}

func noDataError(dataset string) *errors.ReconcilerError {
	return errors.New(errors.CategoryValidation, errors.CodeEmptyDataset,
		fmt.Sprintf("no %s loaded", dataset)).
		WithSuggestion("upload the transaction and general ledger files first")
}
