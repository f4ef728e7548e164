package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ledger-reconciliation-service/internal/reconciler"
	"ledger-reconciliation-service/internal/server"
	"ledger-reconciliation-service/internal/store"
)

func newServeCmd(a *app) *cobra.Command {
	var skipAnomalies bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the reconciliation API over HTTP",
		Long: `Serve starts the HTTP API. Upload both datasets, start a run and read
results, anomalies and data quality reports back.

With --db, every completed run is saved to SQLite and the last saved run is
served (marked stale) after a restart.

Examples:
  reconciler serve
  reconciler serve --addr :9090 --db reconciler.db`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, a, skipAnomalies)
		},
	}

	cmd.Flags().String("addr", "", "listen address (default :8080)")
	cmd.Flags().String("db", "", "SQLite file to persist runs to")
	cmd.Flags().BoolVar(&skipAnomalies, "skip-anomalies", false, "skip anomaly detection in every run")
	bindSetting(cmd.Flags(), "addr", "server.addr")
	bindSetting(cmd.Flags(), "db", "store.path")
	return cmd
}

func runServe(ctx context.Context, a *app, skipAnomalies bool) error {
	service, st, closeStore, err := a.newService(skipAnomalies)
	if err != nil {
		return err
	}
	defer closeStore()

	if st != nil {
		restoreLatest(ctx, a, service, st)
	}

	srv := server.New(ctx, service, &a.settings.Server)
	return srv.ListenAndServe(ctx)
}

// restoreLatest serves the last persisted run until a new one completes.
// A store that cannot be read only costs the restored result.
func restoreLatest(ctx context.Context, a *app, service *reconciler.Service, st *store.SQLiteStore) {
	run, err := st.LatestRun(ctx)
	if err != nil {
		a.log.WithError(err).Warn("Could not load the last saved run")
		return
	}
	if run == nil {
		return
	}
	if service.Restore(run) {
		a.log.WithField("run_id", run.RunID).
			WithField("results", len(run.Results)).
			Info("Restored last saved run")
	}
}
