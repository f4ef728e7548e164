package errors

import (
	"fmt"
	"path/filepath"
	"strings"
)

// MissingColumnsError is raised when a CSV header lacks required columns.
func MissingColumnsError(file string, expected, actual []string) *ReconcilerError {
	missing := diffColumns(expected, actual)
	message := fmt.Sprintf("missing required column(s) %s in %s",
		strings.Join(missing, ", "), filepath.Base(file))

	return New(CategorySchema, CodeMissingColumn, message).
		WithSuggestion(fmt.Sprintf("the header must be exactly: %s", strings.Join(expected, ","))).
		WithContext("file", file).
		WithContext("missing", missing)
}

// UnknownColumnsError is raised when a CSV header carries columns outside the
// dataset contract.
func UnknownColumnsError(file string, expected, actual []string) *ReconcilerError {
	unknown := diffColumns(actual, expected)
	message := fmt.Sprintf("unknown column(s) %s in %s",
		strings.Join(unknown, ", "), filepath.Base(file))

	return New(CategorySchema, CodeUnknownColumn, message).
		WithSuggestion(fmt.Sprintf("remove extra columns; allowed columns are: %s", strings.Join(expected, ","))).
		WithContext("file", file).
		WithContext("unknown", unknown)
}

// EmptyDatasetError is raised when a CSV file has no header row.
func EmptyDatasetError(file string) *ReconcilerError {
	return New(CategorySchema, CodeEmptyDataset, fmt.Sprintf("no header row in %s", filepath.Base(file))).
		WithSuggestion("the first line must contain the column names").
		WithContext("file", file)
}

// IsSchemaError reports whether err aborts ingestion.
func IsSchemaError(err error) bool {
	rerr, ok := AsReconcilerError(err)
	return ok && rerr.Category == CategorySchema
}

// diffColumns returns entries of a that are absent from b, compared
// case-insensitively.
func diffColumns(a, b []string) []string {
	present := make(map[string]bool, len(b))
	for _, col := range b {
		present[normalizeColumn(col)] = true
	}

	var out []string
	for _, col := range a {
		if !present[normalizeColumn(col)] {
			out = append(out, col)
		}
	}
	return out
}

func normalizeColumn(col string) string {
	return strings.ToLower(strings.TrimSpace(col))
}
