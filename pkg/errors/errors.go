package errors

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ErrorCategory groups errors by the stage of a run that raised them
type ErrorCategory string

const (
	CategoryFile          ErrorCategory = "file"
	CategorySchema        ErrorCategory = "schema"
	CategoryValidation    ErrorCategory = "validation"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryMatching      ErrorCategory = "matching"
	CategoryAnomaly       ErrorCategory = "anomaly"
	CategoryStorage       ErrorCategory = "storage"
	CategoryInternal      ErrorCategory = "internal"
)

// ErrorCode identifies a specific error within a category
type ErrorCode string

const (
	// File errors
	CodeFileNotFound   ErrorCode = "file_not_found"
	CodeFilePermission ErrorCode = "file_permission"
	CodeFileCorrupted  ErrorCode = "file_corrupted"

	// Schema errors abort ingestion before any run starts
	CodeMissingColumn ErrorCode = "missing_column"
	CodeUnknownColumn ErrorCode = "unknown_column"
	CodeEmptyDataset  ErrorCode = "empty_dataset"

	// Validation errors
	CodeInvalidAmount ErrorCode = "invalid_amount"
	CodeInvalidDate   ErrorCode = "invalid_date"
	CodeMissingField  ErrorCode = "missing_field"
	CodeOutOfRange    ErrorCode = "out_of_range"

	// Configuration errors
	CodeInvalidConfig ErrorCode = "invalid_config"
	CodeMissingConfig ErrorCode = "missing_config"

	// Matching warnings
	CodeMatchingDefect ErrorCode = "matching_defect"

	// Anomaly warnings
	CodeAnomalyDegraded ErrorCode = "anomaly_degraded"

	// Storage errors
	CodeStorageUnavailable ErrorCode = "storage_unavailable"
	CodeStorageWrite       ErrorCode = "storage_write"

	// Internal errors
	CodeEnsembleInconsistency ErrorCode = "ensemble_inconsistency"
	CodeRunCancelled          ErrorCode = "run_cancelled"
	CodeUnexpectedError       ErrorCode = "unexpected_error"
)

// ReconcilerError is the base error type for all application errors
type ReconcilerError struct {
	Category   ErrorCategory     `json:"category"`
	Code       ErrorCode         `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    Context           `json:"context,omitempty"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Context carries structured details about the error
type Context map[string]interface{}

func (e *ReconcilerError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s (suggestion: %s)", e.Message, e.Suggestion)
	}
	return e.Message
}

func (e *ReconcilerError) Unwrap() error {
	return e.Cause
}

// IsWarning reports whether the error describes a degraded but usable run
func (e *ReconcilerError) IsWarning() bool {
	return e.Code == CodeMatchingDefect || e.Code == CodeAnomalyDegraded
}

// GetExitCode returns the process exit code for the error
func (e *ReconcilerError) GetExitCode() int {
	switch e.Category {
	case CategoryFile:
		return 2
	case CategorySchema, CategoryValidation:
		return 3
	case CategoryConfiguration:
		return 4
	case CategoryMatching, CategoryAnomaly, CategoryInternal:
		return 5
	case CategoryStorage:
		return 6
	default:
		return 1
	}
}

// WithContext adds context information to the error
func (e *ReconcilerError) WithContext(key string, value interface{}) *ReconcilerError {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion sets a hint for fixing the error
func (e *ReconcilerError) WithSuggestion(suggestion string) *ReconcilerError {
	e.Suggestion = suggestion
	return e
}

// New creates a new ReconcilerError
func New(category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	return &ReconcilerError{
		Category:   category,
		Code:       code,
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace(),
	}
}

// Wrap wraps an existing error with ReconcilerError context
func Wrap(err error, category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	if err == nil {
		return nil
	}

	return &ReconcilerError{
		Category:   category,
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: errors.WithStack(err).(stackTracer).StackTrace(),
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// entry describes one error code. withValue entries format the offending
// value after the subject.
type entry struct {
	format    string
	hint      string
	withValue bool
}

var catalog = map[ErrorCode]entry{
	CodeFileNotFound:   {format: "file not found: %s", hint: "check the path; relative paths resolve from the working directory"},
	CodeFilePermission: {format: "cannot access %s: permission denied", hint: "make sure the file is readable, and its directory writable for outputs"},
	CodeFileCorrupted:  {format: "%s is not a readable CSV file", hint: "verify the file is comma separated UTF-8 text"},

	CodeInvalidAmount: {format: "field '%s' holds an invalid amount: %v", hint: "amounts are plain decimals such as 1234.56, without currency symbols", withValue: true},
	CodeInvalidDate:   {format: "field '%s' holds an invalid date: %v", hint: "dates use the YYYY-MM-DD layout", withValue: true},
	CodeMissingField:  {format: "required field '%s' is missing or empty", hint: "provide a value for this field"},
	CodeOutOfRange:    {format: "field '%s' is out of range: %v", hint: "see 'reconciler help' for accepted values", withValue: true},

	CodeInvalidConfig: {format: "invalid configuration for '%s': %v", hint: "run 'reconciler config show' to inspect the effective settings", withValue: true},
	CodeMissingConfig: {format: "missing required configuration: %s", hint: "set it with a flag, a RECONCILER_ environment variable or the config file"},

	CodeStorageUnavailable: {format: "result store unavailable during %s", hint: "check the database path and permissions"},
	CodeStorageWrite:       {format: "failed to persist results during %s", hint: "check free disk space and that no other process holds the database"},

	CodeEnsembleInconsistency: {format: "result partition violated during %s", hint: "this is a bug; please report it together with the input files"},
	CodeRunCancelled:          {format: "run cancelled during %s", hint: "the input data changed while the run was in progress; run again"},
	CodeUnexpectedError:       {format: "unexpected error during %s", hint: "this is likely a bug; please report it with the error details"},
}

// describe builds the error for code from the catalog. Codes without an
// entry get a generic message naming the category.
func describe(category ErrorCategory, code ErrorCode, subject string, value interface{}, err error) *ReconcilerError {
	e, ok := catalog[code]
	if !ok {
		e = entry{format: string(category) + " error: %s", hint: "check the input and try again"}
	}

	message := fmt.Sprintf(e.format, subject)
	if e.withValue {
		message = fmt.Sprintf(e.format, subject, value)
	}

	var rerr *ReconcilerError
	if err != nil {
		rerr = Wrap(err, category, code, message)
	} else {
		rerr = New(category, code, message)
	}
	return rerr.WithSuggestion(e.hint)
}

// FileError reports a problem with the file at path
func FileError(code ErrorCode, path string, err error) *ReconcilerError {
	return describe(CategoryFile, code, path, nil, err).
		WithContext("file_path", path)
}

// ValidationError reports an unusable input value
func ValidationError(code ErrorCode, field string, value interface{}, err error) *ReconcilerError {
	return describe(CategoryValidation, code, field, value, err).
		WithContext("field", field).
		WithContext("value", value)
}

// ConfigurationError reports an invalid setting
func ConfigurationError(code ErrorCode, setting string, value interface{}, err error) *ReconcilerError {
	return describe(CategoryConfiguration, code, setting, value, err).
		WithContext("setting", setting).
		WithContext("value", value)
}

// MatchingDefect reports records excluded from matching because their join
// keys were unusable. The run still completes.
func MatchingDefect(dataset string, count int) *ReconcilerError {
	message := fmt.Sprintf("%d %s record(s) excluded from matching", count, dataset)
	return New(CategoryMatching, CodeMatchingDefect, message).
		WithSuggestion("fix missing dates, blank account ids or duplicate ids in the source data").
		WithContext("dataset", dataset).
		WithContext("count", count)
}

// AnomalyDegraded reports that a detection stage was skipped.
func AnomalyDegraded(stage string, reason string) *ReconcilerError {
	message := fmt.Sprintf("anomaly detection stage %q skipped: %s", stage, reason)
	return New(CategoryAnomaly, CodeAnomalyDegraded, message).
		WithSuggestion("provide more transactions to enable this stage").
		WithContext("stage", stage)
}

// StorageError reports a failure of the result store
func StorageError(code ErrorCode, operation string, err error) *ReconcilerError {
	return describe(CategoryStorage, code, operation, nil, err).
		WithContext("operation", operation)
}

// InternalError reports a failed run that is not caused by the input
func InternalError(code ErrorCode, operation string, err error) *ReconcilerError {
	return describe(CategoryInternal, code, operation, nil, err).
		WithContext("operation", operation)
}

// Summary counts a set of errors, typically the warnings of one run
type Summary struct {
	Total      int                   `json:"total"`
	ByCategory map[ErrorCategory]int `json:"by_category"`
	ByCode     map[ErrorCode]int     `json:"by_code"`
}

// Summarize counts errs by category and code
func Summarize(errs []*ReconcilerError) Summary {
	s := Summary{
		Total:      len(errs),
		ByCategory: make(map[ErrorCategory]int),
		ByCode:     make(map[ErrorCode]int),
	}
	for _, err := range errs {
		s.ByCategory[err.Category]++
		s.ByCode[err.Code]++
	}
	return s
}

// String lists the categories in name order, e.g. "3 (anomaly: 1, matching: 2)"
func (s Summary) String() string {
	if s.Total == 0 {
		return "0"
	}
	parts := make([]string, 0, len(s.ByCategory))
	for category, n := range s.ByCategory {
		parts = append(parts, fmt.Sprintf("%s: %d", category, n))
	}
	sort.Strings(parts)
	return fmt.Sprintf("%d (%s)", s.Total, strings.Join(parts, ", "))
}

// AsReconcilerError extracts a ReconcilerError from an error chain
func AsReconcilerError(err error) (*ReconcilerError, bool) {
	var reconcilerErr *ReconcilerError
	if errors.As(err, &reconcilerErr) {
		return reconcilerErr, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code anywhere in its chain
func HasCode(err error, code ErrorCode) bool {
	rerr, ok := AsReconcilerError(err)
	return ok && rerr.Code == code
}
