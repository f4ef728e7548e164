package reconciler

import (
	"context"
	"io"
	"time"

	"ledger-reconciliation-service/internal/parsers"
	"ledger-reconciliation-service/internal/quality"
	"ledger-reconciliation-service/pkg/logger"
)

// Ingestor parses uploaded CSV datasets and scores their quality
type Ingestor struct {
	transactions *parsers.TransactionParser
	ledger       *parsers.LedgerParser
	now          func() time.Time
	logger       logger.Logger
}

// NewIngestor creates an ingestor. A nil config selects the parser defaults.
func NewIngestor(config *parsers.ParseConfig) (*Ingestor, error) {
	tp, err := parsers.NewTransactionParser(config)
	if err != nil {
		return nil, err
	}
	lp, err := parsers.NewLedgerParser(config)
	if err != nil {
		return nil, err
	}
	return &Ingestor{
		transactions: tp,
		ledger:       lp,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       logger.GetGlobalLogger().WithComponent("ingestor"),
	}, nil
}

// Transactions reads a transaction dataset from r
func (in *Ingestor) Transactions(ctx context.Context, r io.Reader, source string) (*TransactionSet, error) {
	ds, err := in.transactions.Parse(ctx, r, source)
	if err != nil {
		return nil, err
	}

	now := in.now()
	report := quality.Assess(ds.Table, len(ds.Defects), now)
	in.logDataset(source, ds.Stats, report.QualityScore)

	return &TransactionSet{
		Source:   source,
		LoadedAt: now,
		Records:  ds.Records,
		Table:    ds.Table,
		Defects:  ds.Defects,
		Quality:  &report,
	}, nil
}

// Ledger reads a general-ledger dataset from r
func (in *Ingestor) Ledger(ctx context.Context, r io.Reader, source string) (*LedgerSet, error) {
	ds, err := in.ledger.Parse(ctx, r, source)
	if err != nil {
		return nil, err
	}

	now := in.now()
	report := quality.Assess(ds.Table, len(ds.Defects), now)
	in.logDataset(source, ds.Stats, report.QualityScore)

	return &LedgerSet{
		Source:   source,
		LoadedAt: now,
		Records:  ds.Records,
		Table:    ds.Table,
		Defects:  ds.Defects,
		Quality:  &report,
	}, nil
}

// TransactionsFile reads the transaction dataset at path
func (in *Ingestor) TransactionsFile(ctx context.Context, path string) (*TransactionSet, error) {
	f, err := in.transactions.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return in.Transactions(ctx, f, path)
}

// LedgerFile reads the general-ledger dataset at path
func (in *Ingestor) LedgerFile(ctx context.Context, path string) (*LedgerSet, error) {
	f, err := in.ledger.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return in.Ledger(ctx, f, path)
}

func (in *Ingestor) logDataset(source string, stats parsers.ParseStats, score float64) {
	in.logger.WithFields(logger.Fields{
		"source":        source,
		"rows":          stats.RowsRead,
		"records_kept":  stats.RecordsKept,
		"dropped_rows":  stats.DroppedRows,
		"key_defects":   stats.KeyDefectRows,
		"quality_score": score,
	}).Info("Dataset ingested")
}
