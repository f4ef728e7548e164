// Package parsers turns transaction and general-ledger CSV files into typed
// records.
//
// Every dataset has a fixed column contract (see TransactionSchema and
// LedgerSchema). A header that misses a required column or carries an
// unknown one is a schema error and aborts ingestion. Row-level problems do
// not abort: rows whose amount cannot be read are dropped and reported as
// defects, while rows with an unreadable date or blank account are kept with
// an empty key so the matcher can exclude and report them.
//
// The raw cells of every row are kept in a Table so data quality can be
// assessed on exactly what was uploaded.
package parsers

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

// Row holds the raw cells of one data line, in schema column order.
type Row struct {
	Line   int
	Values []string
}

// Value returns the cell for column, or "" when the column is unknown.
func (r Row) Value(t *Table, column string) string {
	idx, ok := t.index[column]
	if !ok || idx >= len(r.Values) {
		return ""
	}
	return r.Values[idx]
}

// Table is the raw content of one CSV file projected onto its schema.
type Table struct {
	Source  string
	Schema  Schema
	Columns []string
	Rows    []Row
	index   map[string]int
}

// NewTable builds an empty table for schema.
func NewTable(source string, schema Schema) *Table {
	t := &Table{
		Source:  source,
		Schema:  schema,
		Columns: append([]string(nil), schema.Columns...),
		index:   make(map[string]int, len(schema.Columns)),
	}
	for i, c := range t.Columns {
		t.index[c] = i
	}
	return t
}

// ParseContext holds state while one file is read
type ParseContext struct {
	Source     string
	LineNumber int
	// HeaderMap maps schema column to position in the file
	HeaderMap map[string]int
	ctx       context.Context
}

// NewParseContext creates a new parsing context
func NewParseContext(ctx context.Context, source string) *ParseContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return &ParseContext{
		Source:    source,
		HeaderMap: make(map[string]int),
		ctx:       ctx,
	}
}

// Err returns the context error, if the read was cancelled
func (pc *ParseContext) Err() error {
	return pc.ctx.Err()
}

// BaseParser provides the CSV reading shared by the dataset parsers
type BaseParser struct {
	config *ParseConfig
	logger logger.Logger
}

// NewBaseParser creates a new BaseParser with the given configuration
func NewBaseParser(config *ParseConfig) *BaseParser {
	if config == nil {
		config = DefaultParseConfig()
	}

	return &BaseParser{
		config: config,
		logger: logger.GetGlobalLogger().WithComponent("parser"),
	}
}

// OpenFile opens a CSV file, classifying failures as file errors
func (bp *BaseParser) OpenFile(filePath string) (*os.File, error) {
	file, err := os.Open(filePath)
	if err != nil {
		bp.logger.WithError(err).WithField("file_path", filePath).Error("Failed to open CSV file")

		switch {
		case os.IsNotExist(err):
			return nil, errors.FileError(errors.CodeFileNotFound, filePath, err)
		case os.IsPermission(err):
			return nil, errors.FileError(errors.CodeFilePermission, filePath, err)
		default:
			return nil, errors.FileError(errors.CodeFileCorrupted, filePath, err)
		}
	}
	return file, nil
}

func (bp *BaseParser) newReader(r io.Reader) *csv.Reader {
	reader := csv.NewReader(r)
	reader.Comma = bp.config.Delimiter
	reader.TrimLeadingSpace = bp.config.TrimLeadingSpace
	reader.FieldsPerRecord = -1
	return reader
}

// ReadTable reads r completely and validates its header against schema.
func (bp *BaseParser) ReadTable(ctx context.Context, r io.Reader, source string, schema Schema) (*Table, error) {
	parseCtx := NewParseContext(ctx, source)
	reader := bp.newReader(r)

	if err := bp.readHeaders(reader, parseCtx, schema); err != nil {
		return nil, err
	}

	table := NewTable(source, schema)
	for {
		if err := parseCtx.Err(); err != nil {
			return nil, errors.InternalError(errors.CodeRunCancelled, "csv_parsing", err)
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			bp.logger.WithError(err).WithField("line_number", parseCtx.LineNumber+1).Error("Failed to read CSV record")
			return nil, errors.FileError(errors.CodeFileCorrupted, source, err).
				WithContext("line", parseCtx.LineNumber+1)
		}
		parseCtx.LineNumber++

		if bp.config.SkipEmptyRows && isEmptyRecord(record) {
			continue
		}

		values := make([]string, len(table.Columns))
		for i, column := range table.Columns {
			pos := parseCtx.HeaderMap[column]
			if pos < len(record) {
				values[i] = strings.TrimSpace(record[pos])
			}
		}
		table.Rows = append(table.Rows, Row{Line: parseCtx.LineNumber, Values: values})
	}

	bp.logger.WithFields(logger.Fields{
		"source":  source,
		"dataset": schema.Dataset,
		"rows":    len(table.Rows),
	}).Debug("Read CSV table")

	return table, nil
}

// readHeaders enforces the column contract. Missing columns are reported
// before unknown ones.
func (bp *BaseParser) readHeaders(reader *csv.Reader, parseCtx *ParseContext, schema Schema) error {
	headers, err := reader.Read()
	if err == io.EOF {
		return errors.EmptyDatasetError(parseCtx.Source)
	}
	if err != nil {
		return errors.FileError(errors.CodeFileCorrupted, parseCtx.Source, err)
	}
	parseCtx.LineNumber++

	actual := make([]string, len(headers))
	for i, h := range headers {
		if !utf8.ValidString(h) {
			return errors.FileError(errors.CodeFileCorrupted, parseCtx.Source,
				fmt.Errorf("header is not valid UTF-8"))
		}
		actual[i] = normalizeHeader(h)
	}

	known := make(map[string]bool, len(schema.Columns))
	for _, c := range schema.Columns {
		known[c] = true
	}

	var missing, unknown bool
	for _, c := range schema.Columns {
		found := false
		for _, h := range actual {
			if h == c {
				found = true
				break
			}
		}
		if !found {
			missing = true
		}
	}
	for _, h := range actual {
		if !known[h] {
			unknown = true
		}
	}

	if missing {
		bp.logger.WithFields(logger.Fields{
			"source":   parseCtx.Source,
			"expected": schema.Columns,
			"actual":   actual,
		}).Error("Required columns are missing")
		return errors.MissingColumnsError(parseCtx.Source, schema.Columns, actual)
	}
	if unknown && !bp.config.AllowUnknownColumns {
		bp.logger.WithFields(logger.Fields{
			"source":   parseCtx.Source,
			"expected": schema.Columns,
			"actual":   actual,
		}).Error("Unknown columns in header")
		return errors.UnknownColumnsError(parseCtx.Source, schema.Columns, actual)
	}

	for i, h := range actual {
		if _, seen := parseCtx.HeaderMap[h]; !seen && known[h] {
			parseCtx.HeaderMap[h] = i
		}
	}
	return nil
}

func isEmptyRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

// ParseStats holds statistics about a parsing operation
type ParseStats struct {
	RowsRead      int
	RecordsValid  int
	RecordsKept   int
	DroppedRows   int
	KeyDefectRows int
}

func (ps *ParseStats) String() string {
	return fmt.Sprintf("read %d rows, %d valid, %d with unusable keys, %d dropped",
		ps.RowsRead, ps.RecordsValid, ps.KeyDefectRows, ps.DroppedRows)
}
