package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"ledger-reconciliation-service/internal/aggregator"
	"ledger-reconciliation-service/internal/anomaly"
	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/internal/reconciler"
	"ledger-reconciliation-service/pkg/errors"
)

type detectOptions struct {
	transactions string
	outputFormat string
}

func newDetectCmd(a *app) *cobra.Command {
	opts := &detectOptions{}

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Detect anomalous transactions without reconciling",
		Long: `Detect scores every valid transaction with the statistical methods
(z-score, IQR) and, when enough samples are available, an isolation forest
and a one-class SVM. Each flagged transaction is reported once.

Examples:
  reconciler detect --transactions transactions.csv
  reconciler detect -t transactions.csv --output-format json`,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateInputFile(cmd.ErrOrStderr(), a.verbose, opts.transactions, "transactions file"); err != nil {
				return err
			}
			switch opts.outputFormat {
			case "console", "json":
				return nil
			}
			return errors.ConfigurationError(errors.CodeInvalidConfig, "output-format", opts.outputFormat,
				fmt.Errorf("valid formats: console, json"))
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDetect(cmd, a, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.transactions, "transactions", "t", "", "path to the transactions CSV file (required)")
	cmd.Flags().StringVarP(&opts.outputFormat, "output-format", "f", "console", "output format: console, json")
	_ = cmd.MarkFlagRequired("transactions")
	return cmd
}

func runDetect(cmd *cobra.Command, a *app, opts *detectOptions) error {
	ctx := cmd.Context()

	config, err := a.settings.ReconcilerConfig(false)
	if err != nil {
		return err
	}
	// detection does not touch the result store
	service, err := reconciler.NewService(config)
	if err != nil {
		return err
	}
	if _, err := service.LoadTransactionsFile(ctx, opts.transactions); err != nil {
		return err
	}

	report, err := service.Detect(ctx)
	if err != nil {
		return err
	}
	for _, warning := range report.Warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s\n", warning.Message)
	}

	if opts.outputFormat == "json" {
		return writeDetectJSON(cmd.OutOrStdout(), report)
	}
	return writeDetectConsole(cmd.OutOrStdout(), report)
}

type detectJSON struct {
	Anomalies []models.AnomalyRecord    `json:"anomalies"`
	ByMethod  map[string]int            `json:"anomalies_by_method"`
	Stages    []anomaly.StageSummary    `json:"stages"`
	Moments   anomaly.Moments           `json:"moments"`
	Warnings  []*errors.ReconcilerError `json:"warnings,omitempty"`
}

func writeDetectJSON(w io.Writer, report *anomaly.Report) error {
	out := detectJSON{
		Anomalies: report.Records,
		ByMethod:  aggregator.CountByMethod(report.Records),
		Stages:    report.Stages,
		Moments:   report.Moments,
		Warnings:  report.Warnings,
	}
	if out.Anomalies == nil {
		out.Anomalies = []models.AnomalyRecord{}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func writeDetectConsole(w io.Writer, report *anomaly.Report) error {
	records := append([]models.AnomalyRecord(nil), report.Records...)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].AnomalyScore > records[j].AnomalyScore
	})

	fmt.Fprintf(w, "ANOMALY DETECTION\n")
	fmt.Fprintf(w, "%s\n", strings.Repeat("=", 60))
	fmt.Fprintf(w, "Amount mean: %.2f  std: %.2f  IQR: %.2f\n", report.Moments.Mean, report.Moments.Std, report.Moments.IQR)
	for _, stage := range report.Stages {
		state := "skipped"
		if stage.Ran {
			state = fmt.Sprintf("%d samples", stage.Samples)
		}
		fmt.Fprintf(w, "Stage %-12s %s\n", stage.Name, state)
	}

	fmt.Fprintf(w, "\nFlagged transactions: %d\n", len(records))
	byMethod := aggregator.CountByMethod(records)
	for _, method := range models.MethodOrder {
		if n := byMethod[method]; n > 0 {
			fmt.Fprintf(w, "  %-18s %d\n", method, n)
		}
	}
	if len(records) == 0 {
		return nil
	}

	fmt.Fprintf(w, "\n%-12s %-10s %-12s %14s %7s  %s\n", "TXN", "ACCOUNT", "DATE", "AMOUNT", "SCORE", "METHODS")
	for _, r := range records {
		_, err := fmt.Fprintf(w, "%-12s %-10s %-12s %14s %7.2f  %s\n",
			r.TransactionID, r.AccountID, r.Date.Format("2006-01-02"), r.Amount.StringFixed(2),
			r.AnomalyScore, strings.Join(r.DetectionMethods, ","))
		if err != nil {
			return err
		}
	}
	return nil
}
