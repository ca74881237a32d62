package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/documentd/documentd/internal/server"
	"github.com/documentd/documentd/internal/svc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const serviceLogPath = "/var/log/documentd.log"

var (
	serviceName  string
	serviceUser  string
	forceInstall bool
	logsFollow   bool
	logsLines    int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the documentd system service",
		Long: `Install, control, and manage documentd as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  sudo documentd service install --config /etc/documentd/documentd.yaml
  sudo documentd service start
  sudo documentd service status
  sudo documentd service logs --follow`,
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install documentd as a system service",
		Long: `Install documentd as a system service that starts automatically at boot.

Requires administrator/root privileges.`,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "Run service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "Force reinstall if service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the documentd system service",
		RunE:  runServiceUninstall,
	})

	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the documentd service", capitalize(action)),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServiceControl(cmd.OutOrStdout(), action)
			},
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show documentd service status",
		RunE:  runServiceStatus,
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View documentd service logs",
		Long: `View logs from the documentd service.

Log locations by platform:
  - Linux:   journalctl -u documentd
  - macOS:   log show/stream with subsystem filter
  - Windows: Event Viewer > Application log`,
		RunE: runServiceLogs,
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "Number of log lines to show")
	serviceCmd.AddCommand(logsCmd)

	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", "", "Service name (default: "+svc.DefaultServiceName+")")

	return serviceCmd
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func getServiceConfig() *svc.ServiceConfig {
	name := serviceName
	if name == "" {
		name = svc.DefaultServiceName
	}
	return &svc.ServiceConfig{
		Name:       name,
		ConfigPath: configPath(),
		UserName:   serviceUser,
	}
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	setupLogging()

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	if _, err := os.Stat(cfg.ConfigPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s\nCreate it with 'documentd init' or specify a different path with --config", cfg.ConfigPath)
	}
	if _, err := server.LoadConfig(cfg.ConfigPath); err != nil {
		return err
	}

	log.Info().
		Str("name", cfg.Name).
		Str("config", cfg.ConfigPath).
		Msg("installing service")

	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Service %q installed successfully.\n", cfg.Name)
	_, _ = fmt.Fprintf(out, "\nTo start the service:\n")
	_, _ = fmt.Fprintf(out, "  documentd service start --name %s\n", cfg.Name)
	_, _ = fmt.Fprintf(out, "\nTo view logs:\n")
	_, _ = fmt.Fprintf(out, "  documentd service logs --name %s\n", cfg.Name)
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	setupLogging()

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	log.Info().Str("name", cfg.Name).Msg("uninstalling service")

	if err := svc.Uninstall(cfg); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q uninstalled successfully.\n", cfg.Name)
	return nil
}

func runServiceControl(out io.Writer, action string) error {
	setupLogging()

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	log.Info().Str("name", cfg.Name).Str("action", action).Msg("controlling service")

	if err := svc.Control(cfg, action); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "Service %q: %s done.\n", cfg.Name, action)
	return nil
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg := getServiceConfig()
	out := cmd.OutOrStdout()

	status, err := svc.Status(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(out, "Service: %s\n", cfg.Name)
		_, _ = fmt.Fprintf(out, "Status:  not installed or unknown\n")
		_, _ = fmt.Fprintf(out, "Error:   %v\n", err)
		return nil
	}

	_, _ = fmt.Fprintf(out, "Service: %s\n", cfg.Name)
	_, _ = fmt.Fprintf(out, "Status:  %s\n", svc.StatusString(status))
	_, _ = fmt.Fprintf(out, "Config:  %s\n", cfg.ConfigPath)
	return nil
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	cfg := getServiceConfig()
	return svc.ViewLogs(runtime.GOOS, svc.LogOptions{
		ServiceName: cfg.Name,
		Follow:      logsFollow,
		Lines:       logsLines,
	})
}

// runAsService runs the daemon under the system service manager, which
// starts it with --service-run.
func runAsService() {
	setupServiceLogging()

	path := serviceConfigArg(os.Args)
	if path == "" {
		path = svc.DefaultConfigPath()
	}

	log.Info().
		Str("version", Version).
		Str("config", path).
		Msg("starting as service")

	prg := &svc.Program{
		ConfigPath: path,
		Run: func(ctx context.Context, configPath string) error {
			return server.Run(ctx, configPath, Version)
		},
	}
	if err := svc.Run(prg, &svc.ServiceConfig{Name: svc.DefaultServiceName, ConfigPath: path}); err != nil {
		log.Fatal().Err(err).Msg("service failed")
	}
}

// serviceConfigArg extracts the --config value from raw arguments; cobra
// is not involved in service mode.
func serviceConfigArg(args []string) string {
	for i, arg := range args {
		if (arg == "--config" || arg == "-c") && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// setupServiceLogging writes to a log file as well as stderr, since service
// managers do not always capture stderr.
func setupServiceLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var out io.Writer = os.Stderr
	if runtime.GOOS != "windows" {
		if f, err := os.OpenFile(serviceLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640); err == nil {
			out = io.MultiWriter(f, os.Stderr)
		}
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: true})
}
