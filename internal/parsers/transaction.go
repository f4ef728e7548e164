package parsers

import (
	"context"
	"io"

	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

// TransactionDataset is the result of reading one transaction file
type TransactionDataset struct {
	Records []models.Transaction
	Table   *Table
	// Defects lists rows that could not become a record at all
	Defects []models.Defect
	Stats   ParseStats
}

// TransactionParser reads transaction CSV files
type TransactionParser struct {
	*BaseParser
	logger logger.Logger
}

// NewTransactionParser creates a new TransactionParser with the given configuration
func NewTransactionParser(config *ParseConfig) (*TransactionParser, error) {
	if config == nil {
		config = DefaultParseConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "parser.delimiter", string(config.Delimiter), err)
	}

	return &TransactionParser{
		BaseParser: NewBaseParser(config),
		logger:     logger.GetGlobalLogger().WithComponent("transaction_parser"),
	}, nil
}

// ParseFile parses the transaction file at filePath
func (tp *TransactionParser) ParseFile(ctx context.Context, filePath string) (*TransactionDataset, error) {
	file, err := tp.OpenFile(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return tp.Parse(ctx, file, filePath)
}

// Parse reads transactions from r. source names the input in errors and logs.
func (tp *TransactionParser) Parse(ctx context.Context, r io.Reader, source string) (*TransactionDataset, error) {
	table, err := tp.ReadTable(ctx, r, source, TransactionSchema)
	if err != nil {
		return nil, err
	}

	ds := &TransactionDataset{Table: table}
	for _, row := range table.Rows {
		ds.Stats.RowsRead++

		tx, defect := tp.parseRow(table, row)
		if defect != nil {
			ds.Defects = append(ds.Defects, *defect)
			ds.Stats.DroppedRows++
			continue
		}

		if tx.Validate() != nil {
			ds.Stats.KeyDefectRows++
		} else {
			ds.Stats.RecordsValid++
		}
		ds.Records = append(ds.Records, tx)
		ds.Stats.RecordsKept++
	}

	tp.logger.WithFields(logger.Fields{
		"source":       source,
		"rows":         ds.Stats.RowsRead,
		"valid":        ds.Stats.RecordsValid,
		"key_defects":  ds.Stats.KeyDefectRows,
		"dropped_rows": ds.Stats.DroppedRows,
	}).Info("Transaction parsing completed")

	return ds, nil
}

// parseRow converts a row. A missing id or unreadable amount drops the row;
// an unreadable date leaves Date zero so the record is excluded downstream.
func (tp *TransactionParser) parseRow(table *Table, row Row) (models.Transaction, *models.Defect) {
	id := row.Value(table, ColTxnID)
	if id == "" {
		return models.Transaction{}, rowDefect(models.DatasetTransactions, row, "", ColTxnID, "", "missing transaction id")
	}

	rawAmount := row.Value(table, ColAmount)
	amount, err := models.ParseDecimal(rawAmount)
	if err != nil {
		tp.logger.WithFields(logger.Fields{
			"line":   row.Line,
			"txn_id": id,
			"amount": rawAmount,
		}).Warn("Dropping transaction with unreadable amount")
		return models.Transaction{}, rowDefect(models.DatasetTransactions, row, id, ColAmount, rawAmount, "invalid amount")
	}

	date, _ := models.ParseDate(row.Value(table, ColDate))

	return models.NewTransaction(
		id,
		date,
		amount,
		row.Value(table, ColAccountID),
		row.Value(table, ColCounterparty),
	), nil
}

func rowDefect(dataset string, row Row, id, field, value, reason string) *models.Defect {
	return &models.Defect{
		Dataset:  dataset,
		RecordID: id,
		Line:     row.Line,
		Field:    field,
		Value:    value,
		Reason:   reason,
	}
}
