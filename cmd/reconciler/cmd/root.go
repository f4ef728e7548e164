package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledger-reconciliation-service/cmd/reconciler/config"
	"ledger-reconciliation-service/pkg/logger"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// app is the state shared by one command tree
type app struct {
	v        *viper.Viper
	cfgFile  string
	verbose  bool
	settings *config.Settings
	log      logger.Logger
}

// NewRootCommand builds the reconciler command tree
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}
	config.Configure(a.v)

	rootCmd := &cobra.Command{
		Use:   "reconciler",
		Short: "Transaction and general ledger reconciliation tool",
		Long: `Reconciler matches transactions against general ledger entries, flags
anomalous transactions and reports data quality, accuracy and discrepancies.

Examples:
  reconciler reconcile --transactions transactions.csv --ledger general_ledger.csv
  reconciler reconcile -t tx.csv -l gl.csv --output-format json --output-file report.json
  reconciler detect --transactions transactions.csv
  reconciler serve --addr :8080 --db reconciler.db
  reconciler config show`,
		Version:           getVersionString(),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.initialize,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (optional, YAML)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text, json")

	_ = a.v.BindPFlag("verbose", flags.Lookup("verbose"))
	_ = a.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("log.format", flags.Lookup("log-format"))

	rootCmd.AddCommand(
		newReconcileCmd(a),
		newDetectCmd(a),
		newValidateCmd(a),
		newGenerateCmd(a),
		newServeCmd(a),
		newConfigCmd(a),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the command line and returns the process exit code
func Execute(args []string, stdout, stderr io.Writer) int {
	rootCmd := NewRootCommand()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.Execute()
	return NewCLIErrorHandler(stderr, verboseRequested(args)).HandleError(err)
}

// initialize reads the config file and sets up logging before any
// subcommand runs.
func (a *app) initialize(cmd *cobra.Command, _ []string) error {
	a.bindSettings(cmd)
	if err := config.ReadFile(a.v, a.cfgFile); err != nil {
		return err
	}

	settings, err := config.Load(a.v)
	if err != nil {
		return err
	}
	if a.verbose && settings.Log.Level != logger.DebugLevel {
		settings.Log.Level = logger.DebugLevel
	}
	a.settings = settings

	log, err := logger.NewLogger(&settings.Log)
	if err != nil {
		return err
	}
	logger.SetGlobalLogger(log)
	a.log = log.WithComponent("cli")

	if a.cfgFile != "" {
		a.log.WithField("config_file", a.v.ConfigFileUsed()).Debug("Using config file")
	}
	return nil
}

func verboseRequested(args []string) bool {
	for _, arg := range args {
		if arg == "-v" || arg == "--verbose" || arg == "--verbose=true" {
			return true
		}
	}
	return false
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
}

func getVersionString() string {
	if version == "dev" {
		return fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	}
	return version
}
