package matcher

import (
	"context"
	"fmt"
	"sort"

	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

// cancelCheckInterval is how many transactions are processed between
// context checks.
const cancelCheckInterval = 1024

// Engine reconciles transactions against ledger entries
type Engine struct {
	Config *MatchingConfig
	logger logger.Logger
}

// Result is the outcome of one matching pass
type Result struct {
	// Results holds one entry per screened transaction and ledger entry,
	// ordered by (date, account_id, id).
	Results []models.MatchResult
	// Defects lists the records excluded from matching
	Defects []models.Defect
	Summary Summary
}

// Summary counts results by status
type Summary struct {
	TotalTransactions  int `json:"total_transactions"`
	TotalGLEntries     int `json:"total_gl_entries"`
	Matched            int `json:"matched"`
	AmountMismatch     int `json:"amount_mismatch"`
	MissingGL          int `json:"missing_gl"`
	MissingTransaction int `json:"missing_transaction"`
	Excluded           int `json:"excluded"`
}

// Unmatched counts every result that is not a match
func (s Summary) Unmatched() int {
	return s.AmountMismatch + s.MissingGL + s.MissingTransaction
}

// NewEngine creates a new matching engine with the specified configuration
func NewEngine(config *MatchingConfig) *Engine {
	if config == nil {
		config = DefaultMatchingConfig()
	}

	return &Engine{
		Config: config,
		logger: logger.GetGlobalLogger().WithComponent("matcher"),
	}
}

// Reconcile runs the matching pass. The inputs are read, never modified.
func (e *Engine) Reconcile(ctx context.Context, txns []models.Transaction, entries []models.LedgerEntry) (*Result, error) {
	if err := e.Config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "matching", e.Config.String(), err)
	}

	validTx, txDefects := screenTransactions(txns)
	validGL, glDefects := screenEntries(entries)
	defects := append(txDefects, glDefects...)

	sort.SliceStable(validTx, func(i, j int) bool {
		return transactionLess(validTx[i], validTx[j])
	})

	index := NewLedgerIndex(validGL)
	stats := index.Stats()
	e.logger.WithFields(logger.Fields{
		"entries":    stats.Entries,
		"buckets":    stats.Buckets,
		"max_bucket": stats.MaxBucket,
	}).Debug("Ledger indexed")

	results := make([]models.MatchResult, 0, len(validTx)+len(validGL))

	for i, t := range validTx {
		if i%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, errors.InternalError(errors.CodeRunCancelled, "matching", err)
			}
		}
		results = append(results, e.matchOne(index, t))
	}

	for _, g := range index.Unconsumed() {
		results = append(results, models.MatchResult{
			Status:    models.StatusMissingTransaction,
			GLID:      g.ID,
			AccountID: g.AccountID,
			Date:      g.Date,
		})
	}

	SortResults(results)

	if err := CheckPartition(validTx, validGL, results); err != nil {
		e.logger.WithError(err).Error("Match results do not partition the input")
		return nil, errors.InternalError(errors.CodeEnsembleInconsistency, "matching", err)
	}

	summary := summarize(results)
	summary.TotalTransactions = len(validTx)
	summary.TotalGLEntries = len(validGL)
	summary.Excluded = len(defects)

	e.logger.WithFields(logger.Fields{
		"transactions":        summary.TotalTransactions,
		"gl_entries":          summary.TotalGLEntries,
		"matched":             summary.Matched,
		"amount_mismatch":     summary.AmountMismatch,
		"missing_gl":          summary.MissingGL,
		"missing_transaction": summary.MissingTransaction,
		"excluded":            summary.Excluded,
	}).Info("Matching completed")

	return &Result{Results: results, Defects: defects, Summary: summary}, nil
}

// matchOne classifies a single transaction and consumes at most one entry
func (e *Engine) matchOne(index *LedgerIndex, t *models.Transaction) models.MatchResult {
	key := KeyOfTransaction(t)
	result := models.MatchResult{
		TransactionID: t.ID,
		AccountID:     t.AccountID,
		Date:          t.Date,
	}

	if g, ok := index.FindWithinTolerance(key, t.Amount, e.Config.AmountTolerance); ok {
		index.Consume(g)
		result.Status = models.StatusMatched
		result.GLID = g.ID
		return result
	}

	if g, ok := index.First(key); ok {
		diff := t.Amount.Sub(g.Net()).Abs()
		if e.Config.mismatchAllowed(diff) {
			index.Consume(g)
			result.Status = models.StatusAmountMismatch
			result.GLID = g.ID
			result.AmountDifference = &diff
			return result
		}
	}

	result.Status = models.StatusMissingGL
	return result
}

func transactionLess(a, b *models.Transaction) bool {
	if !a.Date.Equal(b.Date) {
		return a.Date.Before(b.Date)
	}
	if a.AccountID != b.AccountID {
		return a.AccountID < b.AccountID
	}
	return a.ID < b.ID
}

// SortResults orders results by (date, account_id, primary id, gl id)
func SortResults(results []models.MatchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.AccountID != b.AccountID {
			return a.AccountID < b.AccountID
		}
		if a.PrimaryID() != b.PrimaryID() {
			return a.PrimaryID() < b.PrimaryID()
		}
		return a.GLID < b.GLID
	})
}

// CheckPartition verifies that every transaction and every entry appears in
// exactly one result and that results carry the fields their status implies.
func CheckPartition(txns []*models.Transaction, entries []*models.LedgerEntry, results []models.MatchResult) error {
	txSeen := make(map[string]int, len(txns))
	glSeen := make(map[string]int, len(entries))

	for _, r := range results {
		switch r.Status {
		case models.StatusMatched, models.StatusAmountMismatch:
			if r.TransactionID == "" || r.GLID == "" {
				return fmt.Errorf("%s result without both ids", r.Status)
			}
			if (r.Status == models.StatusAmountMismatch) != (r.AmountDifference != nil) {
				return fmt.Errorf("%s result for %s has inconsistent amount difference", r.Status, r.TransactionID)
			}
		case models.StatusMissingGL:
			if r.TransactionID == "" || r.GLID != "" {
				return fmt.Errorf("missing_gl result with unexpected ids (%q, %q)", r.TransactionID, r.GLID)
			}
		case models.StatusMissingTransaction:
			if r.TransactionID != "" || r.GLID == "" {
				return fmt.Errorf("missing_transaction result with unexpected ids (%q, %q)", r.TransactionID, r.GLID)
			}
		default:
			return fmt.Errorf("unknown status %q", r.Status)
		}

		if r.TransactionID != "" {
			txSeen[r.TransactionID]++
		}
		if r.GLID != "" {
			glSeen[r.GLID]++
		}
	}

	if len(txSeen) != len(txns) {
		return fmt.Errorf("%d transactions in, %d distinct transaction ids out", len(txns), len(txSeen))
	}
	if len(glSeen) != len(entries) {
		return fmt.Errorf("%d ledger entries in, %d distinct gl ids out", len(entries), len(glSeen))
	}
	for _, t := range txns {
		if n := txSeen[t.ID]; n != 1 {
			return fmt.Errorf("transaction %s appears in %d results", t.ID, n)
		}
	}
	for _, g := range entries {
		if n := glSeen[g.ID]; n != 1 {
			return fmt.Errorf("ledger entry %s appears in %d results", g.ID, n)
		}
	}
	return nil
}

func summarize(results []models.MatchResult) Summary {
	var s Summary
	for _, r := range results {
		switch r.Status {
		case models.StatusMatched:
			s.Matched++
		case models.StatusAmountMismatch:
			s.AmountMismatch++
		case models.StatusMissingGL:
			s.MissingGL++
		case models.StatusMissingTransaction:
			s.MissingTransaction++
		}
	}
	return s
}
