package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/internal/reconciler"
	"ledger-reconciliation-service/internal/reporter"
	"ledger-reconciliation-service/internal/store"
	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

// settingAnnotation maps a flag to the settings key it overrides
const settingAnnotation = "reconciler_setting"

type reconcileOptions struct {
	transactions  string
	ledger        string
	outputFormat  string
	outputFile    string
	exportCSV     string
	skipAnomalies bool
	progress      bool
}

func newReconcileCmd(a *app) *cobra.Command {
	opts := &reconcileOptions{}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile transactions against general ledger entries",
		Long: `Reconcile matches every transaction against the general ledger by
(account_id, date), classifies each pair as matched, amount_mismatch,
missing_gl or missing_transaction, runs anomaly detection over the
transactions and prints a report.

Examples:
  # Basic reconciliation
  reconciler reconcile --transactions transactions.csv --ledger general_ledger.csv

  # JSON report to a file, plus a CSV export of every result
  reconciler reconcile -t tx.csv -l gl.csv --output-format json --output-file report.json \
    --export-csv results.csv

  # Looser matching, no anomaly detection, persisted to SQLite
  reconciler reconcile -t tx.csv -l gl.csv --amount-tolerance 0.05 --skip-anomalies --db runs.db`,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return validateReconcileOptions(cmd.ErrOrStderr(), a.verbose, opts)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReconcile(cmd, a, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.transactions, "transactions", "t", "", "path to the transactions CSV file (required)")
	flags.StringVarP(&opts.ledger, "ledger", "l", "", "path to the general ledger CSV file (required)")
	flags.StringVarP(&opts.outputFormat, "output-format", "f", "console", "output format: console, json, csv")
	flags.StringVarP(&opts.outputFile, "output-file", "o", "", "output file path (default: stdout)")
	flags.StringVar(&opts.exportCSV, "export-csv", "", "also write every match result to this CSV file")
	flags.BoolVar(&opts.skipAnomalies, "skip-anomalies", false, "skip anomaly detection")
	flags.BoolVar(&opts.progress, "progress", false, "show progress indicators")

	flags.String("amount-tolerance", "", "largest amount difference still matched (default 0.01)")
	flags.String("max-mismatch", "", "largest difference reported as amount_mismatch; 0 disables the cap")
	flags.String("db", "", "SQLite file to persist the run to")
	bindSetting(flags, "amount-tolerance", "matching.amount_tolerance")
	bindSetting(flags, "max-mismatch", "matching.max_mismatch_difference")
	bindSetting(flags, "db", "store.path")

	_ = cmd.MarkFlagRequired("transactions")
	_ = cmd.MarkFlagRequired("ledger")
	return cmd
}

// bindSetting marks flag as an override for a settings key. The binding is
// applied to the command that actually runs.
func bindSetting(flags *pflag.FlagSet, flag, key string) {
	_ = flags.SetAnnotation(flag, settingAnnotation, []string{key})
}

func (a *app) bindSettings(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if keys, ok := f.Annotations[settingAnnotation]; ok && len(keys) == 1 {
			_ = a.v.BindPFlag(keys[0], f)
		}
	})
}

func validateReconcileOptions(stderr io.Writer, verbose bool, opts *reconcileOptions) error {
	if err := validateInputFile(stderr, verbose, opts.transactions, "transactions file"); err != nil {
		return err
	}
	if err := validateInputFile(stderr, verbose, opts.ledger, "general ledger file"); err != nil {
		return err
	}

	switch reporter.OutputFormat(strings.ToLower(opts.outputFormat)) {
	case reporter.FormatConsole, reporter.FormatJSON, reporter.FormatCSV:
	default:
		return errors.ConfigurationError(errors.CodeInvalidConfig, "output-format", opts.outputFormat,
			fmt.Errorf("valid formats: console, json, csv"))
	}

	for _, path := range []string{opts.outputFile, opts.exportCSV} {
		if err := validateOutputDir(path); err != nil {
			return err
		}
	}
	return nil
}

// validateInputFile checks path and, in verbose mode, prints a detailed
// explanation of why it cannot be read.
func validateInputFile(stderr io.Writer, verbose bool, path, description string) error {
	err := validateFileExists(path, description)
	if err != nil && verbose && path != "" {
		if re, ok := errors.AsReconcilerError(err); ok && re.Cause != nil {
			fmt.Fprint(stderr, FormatFileError(path, re.Cause))
		}
	}
	return err
}

func validateFileExists(filePath, description string) error {
	if filePath == "" {
		return errors.ValidationError(errors.CodeMissingField, description, nil,
			fmt.Errorf("%s path cannot be empty", description))
	}

	info, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return errors.FileError(errors.CodeFileNotFound, filePath, err)
	}
	if err != nil {
		return errors.FileError(errors.CodeFilePermission, filePath, err)
	}
	if info.IsDir() {
		return errors.FileError(errors.CodeFileCorrupted, filePath,
			fmt.Errorf("%s is a directory, expected a file", description))
	}

	file, err := os.Open(filePath)
	if err != nil {
		return errors.FileError(errors.CodeFilePermission, filePath, err)
	}
	file.Close()
	return nil
}

func validateOutputDir(path string) error {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return errors.FileError(errors.CodeFileNotFound, dir, err).
			WithSuggestion("Create the output directory first")
	}
	return nil
}

// newService builds a service from the loaded settings. The returned close
// function releases the result store, if one is configured.
func (a *app) newService(skipAnomalies bool) (*reconciler.Service, *store.SQLiteStore, func(), error) {
	config, err := a.settings.ReconcilerConfig(skipAnomalies)
	if err != nil {
		return nil, nil, nil, err
	}

	var (
		opts []reconciler.Option
		st   *store.SQLiteStore
	)
	closeFn := func() {}
	if path := a.settings.Store.Path; path != "" {
		st, err = store.Open(path)
		if err != nil {
			return nil, nil, nil, err
		}
		opts = append(opts, reconciler.WithResultSink(st))
		closeFn = func() {
			if err := st.Close(); err != nil {
				a.log.WithError(err).Warn("Failed to close result store")
			}
		}
	}

	service, err := reconciler.NewService(config, opts...)
	if err != nil {
		closeFn()
		return nil, nil, nil, err
	}
	return service, st, closeFn, nil
}

func runReconcile(cmd *cobra.Command, a *app, opts *reconcileOptions) error {
	ctx := cmd.Context()
	stderr := cmd.ErrOrStderr()

	a.log.WithField("transactions", opts.transactions).
		WithField("ledger", opts.ledger).
		WithField("output_format", opts.outputFormat).
		Debug("Starting reconciliation")

	service, _, closeStore, err := a.newService(opts.skipAnomalies)
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.progress {
		service.AddProgressCallback(func(p *reconciler.RunProgress) {
			fmt.Fprintf(stderr, "\r[%d/%d] %s (%.1f%% complete)",
				p.CompletedSteps, p.TotalSteps, p.CurrentStep, p.PercentComplete)
		})
	}

	if _, err := service.LoadTransactionsFile(ctx, opts.transactions); err != nil {
		return err
	}
	snapshot, err := service.LoadLedgerFile(ctx, opts.ledger)
	if err != nil {
		return err
	}
	if a.verbose {
		defects := make([]models.Defect, 0, len(snapshot.Transactions.Defects)+len(snapshot.Ledger.Defects))
		defects = append(defects, snapshot.Transactions.Defects...)
		defects = append(defects, snapshot.Ledger.Defects...)
		if msg := FormatDefects(defects); msg != "" {
			fmt.Fprintln(stderr, msg)
		}
	}

	result, err := service.Run(ctx)
	if opts.progress {
		fmt.Fprintln(stderr)
	}
	if err != nil {
		return err
	}

	if err := a.writeReport(cmd, result, opts); err != nil {
		return err
	}
	if opts.exportCSV != "" {
		export := func() error { return exportResults(opts.exportCSV, result) }
		if err := logger.TimedOperation("export_csv", a.log, export); err != nil {
			return err
		}
	}

	for _, warning := range result.Warnings {
		fmt.Fprintf(stderr, "Warning: %s\n", warning.Message)
	}

	if a.verbose {
		s := result.Summary
		fmt.Fprintf(stderr, "\nReconciliation completed in %v.\n", result.Duration())
		fmt.Fprintf(stderr, "Processed %d transactions and %d general ledger entries.\n",
			s.TotalTransactions, s.TotalGLEntries)
		fmt.Fprintf(stderr, "Found %d matches and %d discrepancies (accuracy %.2f%%).\n",
			s.MatchedCount, s.UnmatchedCount, s.ReconciliationAccuracy)
		fmt.Fprintf(stderr, "Flagged %d anomalous transactions.\n", s.AnomaliesDetected)
	}
	return nil
}

func (a *app) writeReport(cmd *cobra.Command, result *reconciler.RunResult, opts *reconcileOptions) error {
	reportConfig, err := a.settings.ReportConfig(opts.outputFormat)
	if err != nil {
		return err
	}
	generator, err := reporter.NewSafeReportGenerator(reportConfig, a.log)
	if err != nil {
		return err
	}

	var output io.Writer = cmd.OutOrStdout()
	if opts.outputFile != "" {
		file, err := os.Create(opts.outputFile)
		if err != nil {
			return errors.FileError(errors.CodeFilePermission, opts.outputFile, err)
		}
		defer file.Close()
		output = file
	}
	return generator.GenerateReportSafely(result, output)
}

func exportResults(path string, result *reconciler.RunResult) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.FileError(errors.CodeFilePermission, path, err)
	}
	defer file.Close()

	if err := reporter.WriteResultsCSV(file, result.Results, ',', true); err != nil {
		return errors.FileError(errors.CodeFilePermission, path, err)
	}
	return nil
}
