package cmd

import (
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

// CLIErrorHandler provides user-friendly error handling for CLI operations
type CLIErrorHandler struct {
	logger  logger.Logger
	out     io.Writer
	verbose bool
}

// NewCLIErrorHandler creates a new CLI error handler writing to out
func NewCLIErrorHandler(out io.Writer, verbose bool) *CLIErrorHandler {
	if out == nil {
		out = os.Stderr
	}
	return &CLIErrorHandler{
		logger:  logger.GetGlobalLogger().WithComponent("cli"),
		out:     out,
		verbose: verbose,
	}
}

// HandleError prints err and returns the process exit code
func (h *CLIErrorHandler) HandleError(err error) int {
	if err == nil {
		return 0
	}

	h.logger.WithError(err).Debug("Command failed")

	if reconcilerErr, ok := errors.AsReconcilerError(err); ok {
		return h.handleReconcilerError(reconcilerErr)
	}
	return h.handleGenericError(err)
}

func (h *CLIErrorHandler) handleReconcilerError(err *errors.ReconcilerError) int {
	fmt.Fprintf(h.out, "Error: %s\n", err.Message)

	if len(err.Context) > 0 {
		keys := make([]string, 0, len(err.Context))
		for key := range err.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		fmt.Fprintf(h.out, "\nContext:\n")
		for _, key := range keys {
			fmt.Fprintf(h.out, "  %s: %v\n", key, err.Context[key])
		}
	}

	if err.Suggestion != "" {
		fmt.Fprintf(h.out, "\nSuggestion: %s\n", err.Suggestion)
	}

	fmt.Fprintf(h.out, "\n%s\n", getCategoryHelp(err.Category))

	if h.verbose && err.Cause != nil {
		fmt.Fprintf(h.out, "\nUnderlying error: %v\n", err.Cause)
	}

	return err.GetExitCode()
}

// osFailures maps file system errors without a category to a message, a
// hint and the file exit code
var osFailures = []struct {
	target  error
	message string
	hint    string
}{
	{fs.ErrNotExist, "File not found", "Check the path passed to --transactions, --ledger or --config"},
	{fs.ErrPermission, "Permission denied", "Make sure the input files are readable and the output directory is writable"},
	{syscall.ENOSPC, "Insufficient disk space", "Free up space for the report, the export or the --db file"},
}

func (h *CLIErrorHandler) handleGenericError(err error) int {
	for _, f := range osFailures {
		if stderrors.Is(err, f.target) {
			fmt.Fprintf(h.out, "Error: %s\nSuggestion: %s\n", f.message, f.hint)
			if h.verbose {
				fmt.Fprintf(h.out, "\nUnderlying error: %v\n", err)
			}
			return 2
		}
	}

	// cobra usage errors (unknown flag, bad arguments) land here
	fmt.Fprintf(h.out, "Error: %v\n", err)
	fmt.Fprintf(h.out, "Run 'reconciler --help' for usage.\n")
	return 1
}

var categoryHelp = map[errors.ErrorCategory]string{
	errors.CategoryFile: `File error help:
• Inputs are read from the paths given to --transactions and --ledger
• Relative paths resolve from the current directory
• Report and export paths need an existing, writable directory`,

	errors.CategorySchema: `Schema error help:
• Transactions need the columns: txn_id, date, amount, account_id, counterparty
• General ledger files need: gl_id, date, debit_amount, credit_amount, account_id
• Header names are case-insensitive; extra columns are rejected unless
  parsing.allow_unknown_columns is set
• Ensure the file uses UTF-8 encoding`,

	errors.CategoryValidation: `Validation error help:
• Dates use YYYY-MM-DD
• Amounts are decimals without currency symbols or thousands separators
• Run 'reconciler validate' to list every unusable row`,

	errors.CategoryConfiguration: `Configuration error help:
• Settings come from defaults, --config, RECONCILER_* variables and flags, in that order
• Use 'reconciler config show' to print the effective settings
• Use 'reconciler config init' to write a file with every default`,

	errors.CategoryMatching: `Matching help:
• Rows with defects are excluded from matching and listed in the data quality report
• Try adjusting --amount-tolerance or --max-mismatch`,

	errors.CategoryAnomaly: `Anomaly detection help:
• The ML stage needs at least anomaly.min_ml_samples transactions
• Use --skip-anomalies to reconcile without detection`,

	errors.CategoryStorage: `Storage error help:
• Check that the --db path is writable
• Remove --db to run without persisting results`,
}

func getCategoryHelp(category errors.ErrorCategory) string {
	if help, ok := categoryHelp[category]; ok {
		return help
	}
	return `For more help:
• Use 'reconciler <command> --help' for command-specific help
• Run with --verbose for the underlying error`
}

// FormatDefects summarizes skipped rows for the terminal
func FormatDefects(defects []models.Defect) string {
	if len(defects) == 0 {
		return ""
	}

	lines := []string{fmt.Sprintf("%d row(s) skipped:", len(defects))}
	for i, d := range defects {
		if i == 10 {
			lines = append(lines, fmt.Sprintf("  ... and %d more", len(defects)-10))
			break
		}
		line := fmt.Sprintf("  %s line %d", d.Dataset, d.Line)
		if d.RecordID != "" {
			line += fmt.Sprintf(" (%s)", d.RecordID)
		}
		if d.Field != "" {
			line += fmt.Sprintf(" %s=%q", d.Field, d.Value)
		}
		lines = append(lines, line+": "+d.Reason)
	}
	return strings.Join(lines, "\n")
}

// FormatFileError describes a file that could not be opened and lists
// CSV files next to it with a similar name
func FormatFileError(filePath string, err error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cannot use %s: %v\n", filePath, err)
	if !stderrors.Is(err, fs.ErrNotExist) {
		return b.String()
	}

	entries, dirErr := os.ReadDir(filepath.Dir(filePath))
	if dirErr != nil {
		return b.String()
	}
	stem := strings.ToLower(strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath)))
	var candidates []string
	for _, entry := range entries {
		name := strings.ToLower(entry.Name())
		if entry.IsDir() || filepath.Ext(name) != ".csv" {
			continue
		}
		if strings.Contains(name, stem) || strings.Contains(stem, strings.TrimSuffix(name, ".csv")) {
			candidates = append(candidates, entry.Name())
		}
	}
	if len(candidates) > 0 {
		fmt.Fprintf(&b, "  Did you mean: %s\n", strings.Join(candidates[:min(len(candidates), 3)], ", "))
	}
	return b.String()
}
