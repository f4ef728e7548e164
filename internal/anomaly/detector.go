package anomaly

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

// Stage names reported in StageSummary
const (
	StageStatistical = "statistical"
	StageML          = "ml"
)

// Detector runs the statistical and ML detection stages
type Detector struct {
	config *Config
	logger logger.Logger
}

// Report is the outcome of one detection run
type Report struct {
	// Records holds at most one record per transaction, in canonical order
	Records []models.AnomalyRecord
	// Warnings lists non-fatal conditions such as a skipped ML stage
	Warnings []*errors.ReconcilerError
	Stages   []StageSummary
	Moments  Moments
}

// StageSummary describes one detection stage
type StageSummary struct {
	Name     string         `json:"name"`
	Ran      bool           `json:"ran"`
	Samples  int            `json:"samples"`
	Flagged  map[string]int `json:"flagged"`
	Duration time.Duration  `json:"duration"`
	// Threshold holds the isolation forest score threshold and the SVM rho
	Threshold map[string]float64 `json:"threshold,omitempty"`
}

// NewDetector creates a detector. A nil config selects DefaultConfig.
func NewDetector(config *Config) *Detector {
	if config == nil {
		config = DefaultConfig()
	}
	return &Detector{
		config: config,
		logger: logger.GetGlobalLogger().WithComponent("anomaly"),
	}
}

// Config returns the detector configuration
func (d *Detector) Config() *Config {
	return d.config
}

// Detect scores txns. The input is not modified. Transactions without an id
// are ignored and a repeated id keeps its first occurrence.
func (d *Detector) Detect(ctx context.Context, txns []models.Transaction) (*Report, error) {
	if err := d.config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "anomaly", fmt.Sprintf("%+v", *d.config), err)
	}

	op := logger.NewOperationLogger("anomaly_detection", d.logger)
	canonical := canonicalize(txns)
	n := len(canonical)
	op.WithField("transactions", n)

	report := &Report{Records: []models.AnomalyRecord{}}
	if n == 0 {
		op.Success("No transactions to score")
		return report, nil
	}

	amounts := make([]float64, n)
	for i, t := range canonical {
		amounts[i] = t.Amount.InexactFloat64()
	}

	op.Step(StageStatistical)
	start := time.Now()
	moments, zRes, iqrRes := statisticalStage(amounts, d.config)
	report.Moments = moments
	results := []methodResult{zRes, iqrRes}
	report.Stages = append(report.Stages, StageSummary{
		Name:     StageStatistical,
		Ran:      true,
		Samples:  n,
		Flagged:  map[string]int{zRes.Method: zRes.flagged(), iqrRes.Method: iqrRes.flagged()},
		Duration: time.Since(start),
	})

	op.Step(StageML)
	mlStage := StageSummary{Name: StageML, Samples: n}
	switch {
	case !d.config.EnableML:
		report.Warnings = append(report.Warnings, errors.AnomalyDegraded(StageML, "disabled by configuration"))
	case n < d.config.MinMLSamples:
		report.Warnings = append(report.Warnings, errors.AnomalyDegraded(StageML,
			fmt.Sprintf("%d transactions, at least %d required", n, d.config.MinMLSamples)))
	default:
		start = time.Now()
		ml, thresholds, err := d.runML(ctx, canonical, amounts)
		if err != nil {
			op.Error(err, "ML stage failed")
			if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
				return nil, errors.InternalError(errors.CodeRunCancelled, "anomaly_detection", err)
			}
			return nil, errors.InternalError(errors.CodeUnexpectedError, "anomaly_detection", err)
		}
		results = append(results, ml...)
		mlStage.Ran = true
		mlStage.Duration = time.Since(start)
		mlStage.Threshold = thresholds
		mlStage.Flagged = make(map[string]int, len(ml))
		for _, r := range ml {
			mlStage.Flagged[r.Method] = r.flagged()
		}
	}
	report.Stages = append(report.Stages, mlStage)

	for _, w := range report.Warnings {
		op.Warning(w.Message)
	}

	report.Records = merge(canonical, results)
	op.WithField("anomalies", len(report.Records)).Success("Anomaly detection completed")
	return report, nil
}

// runML fits both models concurrently on the standardized features
func (d *Detector) runML(ctx context.Context, txns []models.Transaction, amounts []float64) ([]methodResult, map[string]float64, error) {
	x := buildFeatures(txns, amounts)
	standardize(x)

	var forest, svm methodResult
	var threshold, rho float64

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		forest, threshold, err = isolationForestStage(gctx, x, d.config)
		return err
	})
	g.Go(func() error {
		var err error
		svm, rho, err = oneClassSVMStage(gctx, x, d.config)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return []methodResult{forest, svm}, map[string]float64{
		models.MethodIsolationForest: threshold,
		models.MethodOneClassSVM:     rho,
	}, nil
}

// canonicalize drops id-less and repeated transactions and orders the rest
// by (date, account_id, id).
func canonicalize(txns []models.Transaction) []models.Transaction {
	out := make([]models.Transaction, 0, len(txns))
	seen := make(map[string]bool, len(txns))
	for _, t := range txns {
		if t.ID == "" || seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.AccountID != b.AccountID {
			return a.AccountID < b.AccountID
		}
		return a.ID < b.ID
	})
	return out
}

// merge builds one record per flagged transaction. Methods are listed in
// canonical order and the score is the largest normalized method score.
func merge(txns []models.Transaction, results []methodResult) []models.AnomalyRecord {
	byMethod := make(map[string]methodResult, len(results))
	for _, r := range results {
		byMethod[r.Method] = r
	}

	records := []models.AnomalyRecord{}
	for i, t := range txns {
		var methods []string
		scores := make(map[string]float64)
		best := 0.0
		statistical, ml := false, false

		for _, method := range models.MethodOrder {
			r, ok := byMethod[method]
			if !ok || !r.Flags[i] {
				continue
			}
			methods = append(methods, method)
			scores[method] = r.Scores[i]
			best = math.Max(best, r.Scores[i])
			if method == models.MethodZScore || method == models.MethodIQR {
				statistical = true
			} else {
				ml = true
			}
		}
		if len(methods) == 0 {
			continue
		}

		kind := models.AnomalyStatistical
		switch {
		case statistical && ml:
			kind = models.AnomalyEnsemble
		case ml:
			kind = models.AnomalyML
		}

		records = append(records, models.AnomalyRecord{
			TransactionID:    t.ID,
			AccountID:        t.AccountID,
			Date:             t.Date,
			Amount:           t.Amount,
			DetectionMethods: methods,
			AnomalyType:      kind,
			AnomalyScore:     best,
			MethodScores:     scores,
		})
	}
	return records
}
