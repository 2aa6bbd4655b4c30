package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MacJediWizard/keldris-recovery/internal/models"
	"github.com/MacJediWizard/keldris-recovery/internal/offsite"
)

func newOffsiteCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offsite",
		Short: "Upload, replicate and manage offsite replicas",
	}
	cmd.AddCommand(
		newOffsiteUploadCmd(flags),
		newOffsiteDownloadCmd(flags),
		newOffsiteReplicateCmd(flags),
		newOffsiteDeleteCmd(flags),
		newOffsiteListCmd(flags),
		newOffsiteShowCmd(flags),
		newOffsiteStatusCmd(flags),
		newOffsiteHealthCmd(flags),
		newOffsiteRetentionCmd(flags),
		newOffsiteCheckCmd(flags),
	)
	return cmd
}

func parseProviders(names []string) ([]models.OffsiteProvider, error) {
	out := make([]models.OffsiteProvider, 0, len(names))
	for _, n := range names {
		p, err := models.ParseOffsiteProvider(n)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func newOffsiteUploadCmd(flags *rootFlags) *cobra.Command {
	var (
		provider  string
		replicate []string
	)
	cmd := &cobra.Command{
		Use:   "upload <backup-id>",
		Short: "Upload a completed backup to an offsite provider",
		Example: `  keldris-recovery offsite upload 3f0c... --provider s3
  keldris-recovery offsite upload 3f0c... --provider s3 --replicate azure_blob,sftp`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "backup")
			if err != nil {
				return err
			}
			primary, err := models.ParseOffsiteProvider(provider)
			if err != nil {
				return err
			}
			targets, err := parseProviders(replicate)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			a, err := openApp(ctx, flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.offsite.UploadBackup(ctx, id, offsite.UploadConfig{
				Provider:           primary,
				ReplicationEnabled: len(targets) > 0,
				ReplicationTargets: targets,
			}, flags.actor)
			if err != nil {
				return err
			}
			return render(cmd, flags, rec, func(w io.Writer) { printOffsiteRecord(w, rec) })
		},
	}
	cmd.Flags().StringVarP(&provider, "provider", "p", "", "primary provider: s3, azure_blob, google_cloud, local_remote or sftp")
	cmd.Flags().StringSliceVar(&replicate, "replicate", nil, "providers to replicate to after the upload")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func newOffsiteDownloadCmd(flags *rootFlags) *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "download <offsite-id>",
		Short: "Download and checksum-verify an offsite replica",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "offsite record")
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			a, err := openApp(ctx, flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if dest == "" {
				dest = a.cfg.Backup.RestoreDir
			}
			path, err := a.offsite.DownloadBackup(ctx, id, dest, flags.actor)
			if err != nil {
				return err
			}
			return render(cmd, flags, map[string]string{"offsite_id": id.String(), "path": path}, func(w io.Writer) {
				fmt.Fprintf(w, "Downloaded %s to %s\n", id, path)
			})
		},
	}
	cmd.Flags().StringVarP(&dest, "dest", "d", "", "destination directory (default: backup.restore_dir)")
	return cmd
}

func newOffsiteReplicateCmd(flags *rootFlags) *cobra.Command {
	var to []string
	cmd := &cobra.Command{
		Use:   "replicate <offsite-id>",
		Short: "Copy an offsite replica to further providers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "offsite record")
			if err != nil {
				return err
			}
			targets, err := parseProviders(to)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			a, err := openApp(ctx, flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.offsite.ReplicateBackup(ctx, id, offsite.ReplicateConfig{Targets: targets}, flags.actor)
			if rec != nil {
				if rerr := render(cmd, flags, rec, func(w io.Writer) { printOffsiteRecord(w, rec) }); rerr != nil {
					return rerr
				}
			}
			return err
		},
	}
	cmd.Flags().StringSliceVar(&to, "to", nil, "target providers")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newOffsiteDeleteCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <offsite-id>",
		Short: "Delete a replica and its copies from the remotes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "offsite record")
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			a, err := openApp(ctx, flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.offsite.DeleteOffsiteBackup(ctx, id, flags.actor)
			if rec != nil {
				if rerr := render(cmd, flags, rec, func(w io.Writer) {
					fmt.Fprintf(w, "Offsite record %s is %s\n", rec.ID, rec.Status)
				}); rerr != nil {
					return rerr
				}
			}
			return err
		},
	}
}

func newOffsiteListCmd(flags *rootFlags) *cobra.Command {
	var (
		backupID string
		provider string
		status   string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List offsite records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := models.OffsiteFilter{Status: models.OffsiteStatus(status)}
			if backupID != "" {
				id, err := parseID(backupID, "backup")
				if err != nil {
					return err
				}
				filter.BackupID = &id
			}
			if provider != "" {
				p, err := models.ParseOffsiteProvider(provider)
				if err != nil {
					return err
				}
				filter.Provider = p
			}
			ctx, stop := signalContext()
			defer stop()
			a, err := openApp(ctx, flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			recs := a.offsite.ListOffsiteRecords(filter)
			return render(cmd, flags, recs, func(w io.Writer) {
				if len(recs) == 0 {
					fmt.Fprintln(w, "No offsite records found.")
					return
				}
				tw, flush := table(w, "ID", "BACKUP", "PROVIDER", "STATUS", "REPLICATION", "SIZE", "UPLOADED")
				defer flush()
				for _, r := range recs {
					repl := string(r.ReplicationState())
					if repl == "" {
						repl = "-"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						r.ID, r.BackupID, r.Provider, r.Status, repl, fmtBytes(r.Size), fmtTimePtr(r.UploadedAt))
				}
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&backupID, "backup", "", "filter by backup ID")
	f.StringVarP(&provider, "provider", "p", "", "filter by provider")
	f.StringVar(&status, "status", "", "filter by status")
	return cmd
}

func newOffsiteShowCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <offsite-id>",
		Short: "Show an offsite record and its access log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "offsite record")
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			a, err := openApp(ctx, flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.offsite.GetOffsiteRecord(id)
			if err != nil {
				return err
			}
			return render(cmd, flags, rec, func(w io.Writer) {
				printOffsiteRecord(w, rec)
				if len(rec.AccessLog) == 0 {
					return
				}
				fmt.Fprintln(w, "\nAccess log:")
				tw, flush := table(w, "  TIME", "ACTOR", "ACTION", "SOURCE", "OK", "DETAILS")
				defer flush()
				for _, e := range rec.AccessLog {
					fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%t\t%s\n",
						fmtTime(e.Timestamp), e.Actor, e.Action, e.Source, e.Success, e.Details)
				}
			})
		},
	}
}

func newOffsiteStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <backup-id>",
		Short: "Show the replication status of a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "backup")
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			a, err := openApp(ctx, flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			sum, err := a.offsite.GetReplicationStatus(ctx, id)
			if err != nil {
				return err
			}
			return render(cmd, flags, sum, func(w io.Writer) {
				fmt.Fprintf(w, "Backup:            %s\n", sum.BackupID)
				fmt.Fprintf(w, "Health:            %s\n", sum.Health)
				fmt.Fprintf(w, "Primary:           %s\n", orDash(sum.PrimaryLocation))
				fmt.Fprintf(w, "Last replication:  %s\n", fmtTimePtr(sum.LastReplicationAt))
				for _, loc := range sum.ReplicaLocations {
					fmt.Fprintf(w, "  replica: %s\n", loc)
				}
			})
		},
	}
}

func newOffsiteHealthCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Count backups by replication health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			a, err := openApp(ctx, flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			counts, err := a.offsite.CheckReplicationHealth(ctx)
			if err != nil {
				return err
			}
			return render(cmd, flags, counts, func(w io.Writer) {
				tw, flush := table(w, "HEALTH", "BACKUPS")
				defer flush()
				for _, h := range []models.ReplicationHealth{
					models.ReplicationHealthHealthy,
					models.ReplicationHealthDegraded,
					models.ReplicationHealthUnhealthy,
					models.ReplicationHealthUnknown,
				} {
					fmt.Fprintf(tw, "%s\t%d\n", h, counts[h])
				}
			})
		},
	}
}

func newOffsiteRetentionCmd(flags *rootFlags) *cobra.Command {
	var (
		policyID string
		list     bool
	)
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Enforce offsite retention policies",
		Long: `Enforce one retention policy (--policy) or all of them. With --list the
configured policies are printed and nothing is enforced.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			a, err := openApp(ctx, flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if list {
				policies := a.offsite.Policies()
				return render(cmd, flags, policies, func(w io.Writer) {
					tw, flush := table(w, "ID", "NAME", "RETENTION", "ARCHIVE AFTER", "AUTO DELETE", "TYPES")
					defer flush()
					for _, p := range policies {
						types := make([]string, len(p.BackupTypes))
						for i, t := range p.BackupTypes {
							types[i] = string(t)
						}
						fmt.Fprintf(tw, "%s\t%s\t%dd\t%dd\t%t\t%s\n",
							p.ID, p.Name, p.RetentionDays, p.ArchiveAfterDays, p.AutoDelete, strings.Join(types, ","))
					}
				})
			}

			var n int
			if policyID != "" {
				n, err = a.offsite.EnforceRetentionPolicy(ctx, policyID)
			} else {
				n, err = a.offsite.EnforceAllPolicies(ctx)
			}
			if err != nil {
				return err
			}
			return render(cmd, flags, map[string]int{"deleted": n}, func(w io.Writer) {
				fmt.Fprintf(w, "Deleted %d replica(s)\n", n)
			})
		},
	}
	cmd.Flags().StringVar(&policyID, "policy", "", "enforce only this policy ID")
	cmd.Flags().BoolVar(&list, "list", false, "list the configured policies")
	return cmd
}

func newOffsiteCheckCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check connectivity to every configured provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			a, err := openApp(ctx, flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			results := a.offsite.CheckProviders(ctx)
			kinds := make([]models.OffsiteProvider, 0, len(results))
			for k := range results {
				kinds = append(kinds, k)
			}
			sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

			report := make(map[string]string, len(results))
			var failed []error
			for _, k := range kinds {
				report[string(k)] = "ok"
				if err := results[k]; err != nil {
					report[string(k)] = err.Error()
					failed = append(failed, fmt.Errorf("%s: %w", k, err))
				}
			}
			if err := render(cmd, flags, report, func(w io.Writer) {
				if len(kinds) == 0 {
					fmt.Fprintln(w, "No offsite providers configured.")
					return
				}
				tw, flush := table(w, "PROVIDER", "STATUS")
				defer flush()
				for _, k := range kinds {
					fmt.Fprintf(tw, "%s\t%s\n", k, report[string(k)])
				}
			}); err != nil {
				return err
			}
			return errors.Join(failed...)
		},
	}
}

func printOffsiteRecord(w io.Writer, r *models.OffsiteRecord) {
	fmt.Fprintf(w, "Offsite ID:   %s\n", r.ID)
	fmt.Fprintf(w, "Backup:       %s (%s)\n", r.BackupID, r.BackupType)
	fmt.Fprintf(w, "Provider:     %s\n", r.Provider)
	fmt.Fprintf(w, "Status:       %s\n", r.Status)
	fmt.Fprintf(w, "Location:     %s\n", orDash(r.Location))
	fmt.Fprintf(w, "Size:         %s\n", fmtBytes(r.Size))
	fmt.Fprintf(w, "Uploaded:     %s\n", fmtTimePtr(r.UploadedAt))
	if s := r.ReplicationState(); s != "" {
		fmt.Fprintf(w, "Replication:  %s\n", s)
	}
	for _, loc := range r.ReplicaLocations {
		fmt.Fprintf(w, "  replica:    %s\n", loc)
	}
	if r.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:        %s\n", r.ErrorMessage)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
