package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/mkowalik/stockflow/internal/jobs"
)

// Build metadata, stamped by the linker on release builds.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// exitCode carries the ingestion outcome through cobra back to main:
// 0 completed or skipped, 1 failed, 2 partial.
var exitCode int

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     "stockflow",
		Short:   "Scheduled daily OHLCV ingestion for exchange-listed instruments",
		Version: version,
		Long: `Stockflow extracts daily OHLCV bars from stooq.com, validates and
normalizes them, and loads them idempotently into environment-separated
PostgreSQL schemas (dev, test, prod).

Every run is tracked as a job with per-instrument detail rows and data
quality verdicts. Re-running any logical date is safe: unchanged bars are
skipped by content hash, corrections become updates.`,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one ingestion run and exit",
		Long: `Runs the extract-validate-load pipeline once for a logical date.

Exit status reports the run outcome: 0 completed or skipped, 1 failed,
2 partial.`,
		RunE: runIngest,
	}
	runCmd.Flags().String("date", "", "Logical date YYYY-MM-DD (default today)")
	runCmd.Flags().String("mode", "", "Extraction mode for all instruments (incremental|historical|full_backfill|smart)")
	runCmd.Flags().StringSlice("instrument", nil, "Per-instrument mode override as SYMBOL=mode (repeatable)")
	runCmd.Flags().String("run-id", "", "External scheduler run id, used for duplicate-run detection")
	runCmd.Flags().Bool("catch-up", false, "Escalate incremental decisions after missed runs")

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the embedded scheduler daemon",
		Long: `Fires ingestion runs on the configured cron schedule in exchange-local
time, sweeps abandoned jobs, and serves /healthz and /metrics.`,
		RunE: runDaemon,
	}

	janitorCmd := &cobra.Command{
		Use:   "janitor",
		Short: "Close abandoned running jobs",
		Long:  "Finalizes running jobs whose heartbeat is older than the stale threshold as failed.",
		RunE:  runJanitor,
	}
	janitorCmd.Flags().Duration("stale-after", jobs.DefaultStaleAfter, "Heartbeat age before a running job counts as abandoned")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show database health and recent runs",
		RunE:  runStatus,
	}
	statusCmd.Flags().Int("limit", 10, "How many recent jobs to list")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("stockflow %s (commit %s, built %s)\n", version, commit, date)
		},
	}

	for _, cmd := range []*cobra.Command{runCmd, daemonCmd, janitorCmd, statusCmd} {
		addCommonFlags(cmd.Flags())
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(janitorCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
	os.Exit(exitCode)
}

// addCommonFlags registers the flags every database-touching subcommand
// shares.
func addCommonFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to YAML config file (default $STOCKFLOW_CONFIG)")
	fs.String("env", "", "Target environment (dev|test|prod), overrides config")
}
