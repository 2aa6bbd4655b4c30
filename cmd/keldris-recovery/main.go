// Package main is the entrypoint for the keldris-recovery CLI and daemon.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/MacJediWizard/keldris-recovery/internal/apperrors"
	"github.com/MacJediWizard/keldris-recovery/internal/config"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Actor used when --actor is not given.
const defaultCLIActor = "cli"

type rootFlags struct {
	configPath string
	logLevel   string
	output     string
	actor      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:   "keldris-recovery",
		Short: "Keldris recovery - backups, offsite replication and disaster recovery",
		Long: `keldris-recovery creates encrypted local backups, replicates them to
offsite providers and runs disaster recovery plans against them.

Run 'keldris-recovery serve' for the scheduler and ops API, or use the
subcommands for one-shot operations.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch flags.output {
			case "table", "json":
				return nil
			default:
				return fmt.Errorf("unknown output format %q (want table or json)", flags.output)
			}
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "config file (default: $"+config.ConfigPathEnvVar+" or the standard locations)")
	pf.StringVar(&flags.logLevel, "log-level", "", "override logging.level")
	pf.StringVarP(&flags.output, "output", "o", "table", "output format: table or json")
	pf.StringVar(&flags.actor, "actor", defaultCLIActor, "operator name recorded in audit events")

	rootCmd.AddCommand(
		newVersionCmd(),
		newConfigCmd(flags),
		newServeCmd(flags),
		newBackupCmd(flags),
		newAlertsCmd(flags),
		newOffsiteCmd(flags),
		newPlanCmd(flags),
		newDRCmd(flags),
	)
	return rootCmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// openApp wires the components for a one-shot command, logging to stderr
// so stdout carries only the command's output.
func openApp(ctx context.Context, flags *rootFlags, opts appOptions) (*app, error) {
	if opts.logWriter == nil {
		opts.logWriter = os.Stderr
	}
	return newApp(ctx, flags, opts)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "keldris-recovery %s\n", Version)
			fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			fmt.Fprintf(out, "  Built:      %s\n", BuildDate)
			fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newConfigCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			m, err := cfg.Map()
			if err != nil {
				return err
			}
			if flags.output == "json" {
				return printJSON(cmd.OutOrStdout(), m)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(m)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(flags.configPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})
	return cmd
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// table writes aligned columns. Call flush when done.
func table(w io.Writer, header ...string) (*tabwriter.Writer, func()) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, h := range header {
		if i > 0 {
			fmt.Fprint(tw, "\t")
		}
		fmt.Fprint(tw, h)
	}
	fmt.Fprintln(tw)
	return tw, func() { _ = tw.Flush() }
}

// render prints v as JSON or, for table output, calls tableFn.
func render(cmd *cobra.Command, flags *rootFlags, v any, tableFn func(w io.Writer)) error {
	if flags.output == "json" {
		return printJSON(cmd.OutOrStdout(), v)
	}
	tableFn(cmd.OutOrStdout())
	return nil
}

func parseID(arg, what string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, apperrors.Kind(apperrors.ErrValidation, "invalid %s ID %q", what, arg)
	}
	return id, nil
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func fmtTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return fmtTime(*t)
}

// fmtBytes renders a size in binary units.
func fmtBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
