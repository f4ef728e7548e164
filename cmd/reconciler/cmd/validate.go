package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"ledger-reconciliation-service/internal/matcher"
	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/internal/reconciler"
	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

type validateOptions struct {
	transactions string
	ledger       string
	outputFormat string
	strict       bool
}

// validation is the outcome of checking the input files
type validation struct {
	Quality []models.DataQualityReport `json:"quality"`
	Defects []models.Defect            `json:"defects"`
}

func newValidateCmd(a *app) *cobra.Command {
	opts := &validateOptions{}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check input files without reconciling",
		Long: `Validate parses the transaction and/or general ledger files, scores their
data quality and lists every row that would be skipped or excluded from
matching. With --strict any such row makes the command fail.

Examples:
  reconciler validate -t transactions.csv -l general_ledger.csv
  reconciler validate -l general_ledger.csv --strict --output-format json`,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.transactions == "" && opts.ledger == "" {
				return errors.ValidationError(errors.CodeMissingField, "transactions or ledger", "",
					fmt.Errorf("at least one input file is required")).
					WithSuggestion("Pass --transactions, --ledger or both")
			}
			for _, in := range []struct{ path, desc string }{
				{opts.transactions, "transactions file"},
				{opts.ledger, "general ledger file"},
			} {
				if in.path == "" {
					continue
				}
				if err := validateInputFile(cmd.ErrOrStderr(), a.verbose, in.path, in.desc); err != nil {
					return err
				}
			}
			switch opts.outputFormat {
			case "console", "json":
				return nil
			}
			return errors.ConfigurationError(errors.CodeInvalidConfig, "output-format", opts.outputFormat,
				fmt.Errorf("valid formats: console, json"))
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runValidate(cmd, a, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.transactions, "transactions", "t", "", "path to the transactions CSV file")
	cmd.Flags().StringVarP(&opts.ledger, "ledger", "l", "", "path to the general ledger CSV file")
	cmd.Flags().StringVarP(&opts.outputFormat, "output-format", "f", "console", "output format: console, json")
	cmd.Flags().BoolVar(&opts.strict, "strict", false, "fail when any row is skipped or excluded")
	return cmd
}

func runValidate(cmd *cobra.Command, a *app, opts *validateOptions) error {
	ctx := cmd.Context()

	parseConfig, err := a.settings.ParseConfig()
	if err != nil {
		return err
	}
	ingestor, err := reconciler.NewIngestor(parseConfig)
	if err != nil {
		return err
	}

	result := validation{Quality: []models.DataQualityReport{}, Defects: []models.Defect{}}
	var txns []models.Transaction
	var entries []models.LedgerEntry

	if opts.transactions != "" {
		set, err := ingestor.TransactionsFile(ctx, opts.transactions)
		if err != nil {
			return err
		}
		txns = set.Records
		result.Defects = append(result.Defects, set.Defects...)
		result.Quality = append(result.Quality, *set.Quality)
	}
	if opts.ledger != "" {
		set, err := ingestor.LedgerFile(ctx, opts.ledger)
		if err != nil {
			return err
		}
		entries = set.Records
		result.Defects = append(result.Defects, set.Defects...)
		result.Quality = append(result.Quality, *set.Quality)
	}
	result.Defects = append(result.Defects, matcher.KeyDefects(txns, entries)...)

	a.log.WithFields(logger.Fields{
		"datasets": len(result.Quality),
		"defects":  len(result.Defects),
	}).Debug("Validation completed")

	if opts.outputFormat == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		writeValidationConsole(cmd.OutOrStdout(), result)
	}

	if opts.strict && len(result.Defects) > 0 {
		return errors.New(errors.CategoryValidation, errors.CodeOutOfRange,
			fmt.Sprintf("%d row(s) failed validation", len(result.Defects))).
			WithSuggestion("Fix the listed rows or run without --strict")
	}
	return nil
}

func writeValidationConsole(w io.Writer, result validation) {
	fmt.Fprintf(w, "DATA VALIDATION\n")
	fmt.Fprintf(w, "%s\n", strings.Repeat("=", 60))
	for _, q := range result.Quality {
		fmt.Fprintf(w, "%s: %d records, quality %.2f (completeness %.2f, consistency %.2f)\n",
			q.DatasetName, q.TotalRecords, q.QualityScore, q.CompletenessScore, q.ConsistencyScore)
		for _, issue := range q.Issues {
			fmt.Fprintf(w, "  - %s\n", issue)
		}
	}

	if len(result.Defects) == 0 {
		fmt.Fprintf(w, "\nAll rows are usable for matching.\n")
		return
	}
	fmt.Fprintf(w, "\n%s\n", FormatDefects(result.Defects))
}
