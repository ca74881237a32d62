// documentd keeps a document archive's search index and file tree consistent.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/documentd/documentd/internal/config"
	"github.com/documentd/documentd/internal/journal"
	"github.com/documentd/documentd/internal/maintenance"
	"github.com/documentd/documentd/internal/server"
	"github.com/documentd/documentd/internal/svc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version information (set at build time)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// Hidden service mode flag
	serviceRun bool

	runsJob   string
	runsLimit int
	runsJSON  bool

	initForce bool
)

func main() {
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "documentd",
		Short: "documentd - document archive maintenance daemon",
		Long: `documentd keeps the search index and the PDF file tree of a document
archive consistent. It removes orphaned index records and files, rebuilds
each owner's company and category lists, and deletes documents whose
deletion date has been reached.

QUICK START:

  # Write a config with a fresh admin secret:
  sudo documentd init

  # Run in the foreground:
  documentd serve --config /etc/documentd/documentd.yaml

  # Or install as a system service:
  sudo documentd service install

MAINTENANCE:

  documentd reconcile   # one reconciliation cycle now
  documentd sweep       # one retention sweep now
  documentd runs        # recent runs from the journal

For more help on any command, use: documentd <command> --help`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: "+svc.DefaultConfigPath()+")")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "Run as a service (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation cycle",
		Long: `Run one reconciliation cycle against the configured index and file tree.

Writes are blocked while the cycle runs. Run it against a daemon's data
directory only while that daemon is stopped, or trigger the cycle through the
daemon's admin API instead (POST /api/v1/maintenance/reconcile).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd.Context(), maintenance.JobReconcile, cmd.OutOrStdout())
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Delete documents whose deletion date has been reached",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd.Context(), maintenance.JobSweep, cmd.OutOrStdout())
		},
	})

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded maintenance runs",
		Args:  cobra.NoArgs,
		RunE:  runRuns,
	}
	runsCmd.Flags().StringVar(&runsJob, "job", "", "only runs of this job (reconcile or sweep)")
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "number of runs to show")
	runsCmd.Flags().BoolVar(&runsJSON, "json", false, "print runs as JSON")
	rootCmd.AddCommand(runsCmd)

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: `Write a default configuration file with a freshly generated admin secret.

Examples:
  sudo documentd init
  documentd init --config ./documentd.yaml --force`,
		Args: cobra.NoArgs,
		RunE: runInit,
	}
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "documentd %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
		},
	})

	rootCmd.AddCommand(newServiceCmd())

	return rootCmd
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return svc.DefaultConfigPath()
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	err := server.Run(ctx, configPath(), Version)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runJob runs one maintenance job through the scheduler so it is recorded
// in the journal like a scheduled run.
func runJob(parent context.Context, job string, out io.Writer) error {
	setupLogging()

	ctx, cancel := signalContext(parent)
	defer cancel()

	cfg, err := server.LoadConfig(configPath())
	if err != nil {
		return err
	}
	d, err := server.New(ctx, cfg, Version)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	res, err := d.Scheduler.Trigger(ctx, job)
	if err != nil {
		return err
	}
	if err := writeJSON(out, res); err != nil {
		return err
	}
	if res.Error != "" {
		return fmt.Errorf("%s failed: %s", job, res.Error)
	}
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := config.LoadServerConfig(configPath())
	if err != nil {
		return err
	}
	j, err := journal.Open(cfg.JournalPath())
	if err != nil {
		return err
	}
	defer func() { _ = j.Close() }()

	runs, err := j.List(cmd.Context(), runsJob, runsLimit)
	if err != nil {
		return err
	}
	if runsJSON {
		return writeJSON(cmd.OutOrStdout(), runs)
	}
	printRuns(cmd.OutOrStdout(), runs)
	return nil
}

func printRuns(out io.Writer, runs []journal.Run) {
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(out, "No runs recorded.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "ID\tJOB\tSTARTED\tDURATION\tSTATUS\tERROR\n")
	for _, r := range runs {
		duration := "-"
		if !r.FinishedAt.IsZero() {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		errMsg := r.Error
		if errMsg == "" {
			errMsg = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(r.ID), r.Job, r.StartedAt.Local().Format(time.DateTime), duration, r.Status, errMsg)
	}
	_ = w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runInit(cmd *cobra.Command, args []string) error {
	setupLogging()

	path := configPath()
	if err := config.WriteDefault(path, initForce); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Config written to %s\n", path)
	_, _ = fmt.Fprintf(out, "\nSet index.url (and index.api_key or %s), then start the daemon:\n", config.EnvIndexAPIKey)
	_, _ = fmt.Fprintf(out, "  documentd serve --config %s\n", path)
	return nil
}
