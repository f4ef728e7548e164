package parsers

import (
	"context"
	"io"

	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

// LedgerDataset is the result of reading one general-ledger file
type LedgerDataset struct {
	Records []models.LedgerEntry
	Table   *Table
	Defects []models.Defect
	Stats   ParseStats
}

// LedgerParser reads general-ledger CSV files
type LedgerParser struct {
	*BaseParser
	logger logger.Logger
}

// NewLedgerParser creates a new LedgerParser with the given configuration
func NewLedgerParser(config *ParseConfig) (*LedgerParser, error) {
	if config == nil {
		config = DefaultParseConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "parser.delimiter", string(config.Delimiter), err)
	}

	return &LedgerParser{
		BaseParser: NewBaseParser(config),
		logger:     logger.GetGlobalLogger().WithComponent("ledger_parser"),
	}, nil
}

// ParseFile parses the ledger file at filePath
func (lp *LedgerParser) ParseFile(ctx context.Context, filePath string) (*LedgerDataset, error) {
	file, err := lp.OpenFile(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return lp.Parse(ctx, file, filePath)
}

// Parse reads ledger entries from r
func (lp *LedgerParser) Parse(ctx context.Context, r io.Reader, source string) (*LedgerDataset, error) {
	table, err := lp.ReadTable(ctx, r, source, LedgerSchema)
	if err != nil {
		return nil, err
	}

	ds := &LedgerDataset{Table: table}
	for _, row := range table.Rows {
		ds.Stats.RowsRead++

		entry, defect := lp.parseRow(table, row)
		if defect != nil {
			ds.Defects = append(ds.Defects, *defect)
			ds.Stats.DroppedRows++
			continue
		}

		if entry.Validate() != nil {
			ds.Stats.KeyDefectRows++
		} else {
			ds.Stats.RecordsValid++
		}
		ds.Records = append(ds.Records, entry)
		ds.Stats.RecordsKept++
	}

	lp.logger.WithFields(logger.Fields{
		"source":       source,
		"rows":         ds.Stats.RowsRead,
		"valid":        ds.Stats.RecordsValid,
		"key_defects":  ds.Stats.KeyDefectRows,
		"dropped_rows": ds.Stats.DroppedRows,
	}).Info("Ledger parsing completed")

	return ds, nil
}

// parseRow converts a row. A blank debit or credit counts as zero, but a row
// with neither is dropped.
func (lp *LedgerParser) parseRow(table *Table, row Row) (models.LedgerEntry, *models.Defect) {
	id := row.Value(table, ColGLID)
	if id == "" {
		return models.LedgerEntry{}, rowDefect(models.DatasetLedger, row, "", ColGLID, "", "missing gl id")
	}

	rawDebit := row.Value(table, ColDebitAmount)
	rawCredit := row.Value(table, ColCreditAmount)
	if rawDebit == "" && rawCredit == "" {
		return models.LedgerEntry{}, rowDefect(models.DatasetLedger, row, id, ColDebitAmount, "", "neither debit nor credit amount given")
	}

	debit, err := models.ParseDecimalOrZero(rawDebit)
	if err != nil {
		return models.LedgerEntry{}, rowDefect(models.DatasetLedger, row, id, ColDebitAmount, rawDebit, "invalid amount")
	}
	credit, err := models.ParseDecimalOrZero(rawCredit)
	if err != nil {
		return models.LedgerEntry{}, rowDefect(models.DatasetLedger, row, id, ColCreditAmount, rawCredit, "invalid amount")
	}

	date, _ := models.ParseDate(row.Value(table, ColDate))

	return models.NewLedgerEntry(id, date, debit, credit, row.Value(table, ColAccountID)), nil
}
