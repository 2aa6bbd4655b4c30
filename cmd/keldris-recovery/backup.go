package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MacJediWizard/keldris-recovery/internal/models"
	"github.com/MacJediWizard/keldris-recovery/internal/offsite"
)

func newBackupCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, inspect, verify and restore local backups",
	}
	cmd.AddCommand(
		newBackupCreateCmd(flags),
		newBackupListCmd(flags),
		newBackupShowCmd(flags),
		newBackupVerifyCmd(flags),
		newBackupRestoreCmd(flags),
		newBackupDeleteCmd(flags),
		newBackupCleanupCmd(flags),
		newBackupHealthCmd(flags),
	)
	return cmd
}

func newBackupCreateCmd(flags *rootFlags) *cobra.Command {
	var (
		typeName      string
		name          string
		retentionDays int
		noEncrypt     bool
		noCompress    bool
		noVerify      bool
		offsiteUpload bool
		tags          []string
		metadata      map[string]string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Capture, encrypt and catalog a new backup",
		Example: `  keldris-recovery backup create --type database
  keldris-recovery backup create --type files --name nightly-files --tag nightly --offsite`,
		RunE: func(cmd *cobra.Command, args []string) error {
			backupType, err := models.ParseBackupType(typeName)
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

			if name == "" {
				name = fmt.Sprintf("%s-%s", backupType, time.Now().UTC().Format("20060102-150405"))
			}
			if retentionDays == 0 {
				retentionDays = a.cfg.Backup.RetentionDays
			}
			rec, err := a.backups.CreateBackup(ctx, models.BackupConfig{
				Name:           name,
				Type:           backupType,
				RetentionDays:  retentionDays,
				Encrypt:        !noEncrypt,
				Compress:       !noCompress,
				IntegrityCheck: !noVerify,
				Offsite:        offsiteUpload,
				Tags:           tags,
				Metadata:       metadata,
			}, flags.actor)
			if err != nil {
				return err
			}

			var replica *models.OffsiteRecord
			if offsiteUpload {
				if replica, err = uploadToDefaultTargets(ctx, a, rec, flags.actor); err != nil {
					return err
				}
			}

			return render(cmd, flags, map[string]any{"backup": rec, "offsite": replica}, func(w io.Writer) {
				printBackup(w, rec)
				if replica != nil {
					fmt.Fprintln(w)
					printOffsiteRecord(w, replica)
				}
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&typeName, "type", "t", string(models.BackupTypeFull), "backup type: database, files, configuration, full, incremental or differential")
	f.StringVar(&name, "name", "", "backup name (default: <type>-<timestamp>)")
	f.IntVar(&retentionDays, "retention-days", 0, "days to keep the backup (default: backup.retention_days)")
	f.BoolVar(&noEncrypt, "no-encrypt", false, "store the artifact unencrypted")
	f.BoolVar(&noCompress, "no-compress", false, "do not compress the artifact")
	f.BoolVar(&noVerify, "no-verify", false, "skip the post-capture integrity check")
	f.BoolVar(&offsiteUpload, "offsite", false, "upload to offsite.default_targets once complete")
	f.StringSliceVar(&tags, "tag", nil, "tag to attach (repeatable)")
	f.StringToStringVar(&metadata, "meta", nil, "metadata key=value pairs")
	return cmd
}

// uploadToDefaultTargets sends rec to the first default target and
// replicates it to the others.
func uploadToDefaultTargets(ctx context.Context, a *app, rec *models.BackupRecord, actor string) (*models.OffsiteRecord, error) {
	targets := a.cfg.Offsite.DefaultTargets
	if len(targets) == 0 {
		a.logger.Warn().Str("backup_id", rec.ID.String()).Msg("offsite requested but offsite.default_targets is empty")
		return nil, nil
	}
	if !rec.IsRestorable() {
		return nil, fmt.Errorf("backup %s is %s; not uploading", rec.ID, rec.Status)
	}
	return a.offsite.UploadBackup(ctx, rec.ID, offsite.UploadConfig{
		Provider:           targets[0],
		ReplicationEnabled: len(targets) > 1,
		ReplicationTargets: targets[1:],
	}, actor)
}

func newBackupListCmd(flags *rootFlags) *cobra.Command {
	var (
		typeName string
		status   string
		tag      string
		since    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cataloged backups, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := models.BackupFilter{Status: models.BackupStatus(status), Tag: tag}
			if typeName != "" {
				t, err := models.ParseBackupType(typeName)
				if err != nil {
					return err
				}
				filter.Type = t
			}
			if since > 0 {
				after := time.Now().Add(-since)
				filter.CreatedAfter = &after
			}

			ctx, stop := signalContext()
			defer stop()
			a, err := openApp(ctx, flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			recs := a.backups.ListBackups(ctx, filter)
			return render(cmd, flags, recs, func(w io.Writer) {
				if len(recs) == 0 {
					fmt.Fprintln(w, "No backups found.")
					return
				}
				tw, flush := table(w, "ID", "NAME", "TYPE", "STATUS", "SIZE", "CREATED", "EXPIRES")
				defer flush()
				for _, r := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						r.ID, r.Name, r.Type, r.Status, fmtBytes(r.Size), fmtTime(r.CreatedAt), fmtTime(r.ExpiresAt))
				}
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&typeName, "type", "t", "", "filter by backup type")
	f.StringVar(&status, "status", "", "filter by status")
	f.StringVar(&tag, "tag", "", "filter by tag")
	f.DurationVar(&since, "since", 0, "only backups created within this duration")
	return cmd
}

func newBackupShowCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <backup-id>",
		Short: "Show a backup's metadata",
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

			rec, err := a.backups.GetBackupMetadata(ctx, id)
			if err != nil {
				return err
			}
			return render(cmd, flags, rec, func(w io.Writer) { printBackup(w, rec) })
		},
	}
}

func newBackupVerifyCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <backup-id>",
		Short: "Re-check a backup's checksum, encryption and size",
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

			result, verr := a.backups.VerifyBackup(ctx, id, flags.actor)
			if result == nil {
				return verr
			}
			if err := render(cmd, flags, result, func(w io.Writer) {
				fmt.Fprintf(w, "Backup:     %s\n", result.BackupID)
				fmt.Fprintf(w, "Valid:      %t\n", result.Valid)
				fmt.Fprintf(w, "Checksum:   %t\n", result.ChecksumValid)
				fmt.Fprintf(w, "Encryption: %t\n", result.EncryptionValid)
				fmt.Fprintf(w, "Size:       %t\n", result.SizeValid)
				for _, e := range result.Errors {
					fmt.Fprintf(w, "  - %s\n", e)
				}
			}); err != nil {
				return err
			}
			return verr
		},
	}
}

func newBackupRestoreCmd(flags *rootFlags) *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "restore <backup-id>",
		Short: "Decrypt and restore a backup into a directory",
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

			if dest == "" {
				dest = a.cfg.Backup.RestoreDir
			}
			path, err := a.backups.RestoreBackup(ctx, id, dest, flags.actor)
			if err != nil {
				return err
			}
			return render(cmd, flags, map[string]string{"backup_id": id.String(), "path": path}, func(w io.Writer) {
				fmt.Fprintf(w, "Restored %s to %s\n", id, path)
			})
		},
	}
	cmd.Flags().StringVarP(&dest, "dest", "d", "", "destination directory (default: backup.restore_dir)")
	return cmd
}

func newBackupDeleteCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <backup-id>",
		Short: "Delete a backup's artifacts and catalog entry",
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

			deleted, err := a.backups.DeleteBackup(ctx, id, flags.actor)
			if err != nil {
				return err
			}
			return render(cmd, flags, map[string]any{"backup_id": id, "deleted": deleted}, func(w io.Writer) {
				if deleted {
					fmt.Fprintf(w, "Deleted backup %s\n", id)
				} else {
					fmt.Fprintf(w, "Backup %s not found\n", id)
				}
			})
		},
	}
}

func newBackupCleanupCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete backups past their retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			a, err := openApp(ctx, flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.backups.CleanupExpiredBackups(ctx)
			if err != nil {
				return err
			}
			return render(cmd, flags, map[string]int{"deleted": n}, func(w io.Writer) {
				fmt.Fprintf(w, "Deleted %d expired backup(s)\n", n)
			})
		},
	}
}

func newBackupHealthCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run the backup health check and raise alerts for findings",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			a, err := openApp(ctx, flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.backups.RunHealthCheck(ctx)
			if err != nil {
				return err
			}
			return render(cmd, flags, report, func(w io.Writer) {
				fmt.Fprintf(w, "Backups checked:        %d\n", report.Checked)
				fmt.Fprintf(w, "Verification failures:  %d\n", report.VerificationFailed)
				fmt.Fprintf(w, "Disk used:              %.1f%%\n", report.DiskUsedPercent)
				fmt.Fprintf(w, "Storage full:           %t\n", report.StorageFull)
				fmt.Fprintf(w, "Keys due for rotation:  %d\n", report.KeysDueForRotation)
			})
		},
	}
}

func printBackup(w io.Writer, r *models.BackupRecord) {
	fmt.Fprintf(w, "ID:          %s\n", r.ID)
	fmt.Fprintf(w, "Name:        %s\n", r.Name)
	fmt.Fprintf(w, "Type:        %s\n", r.Type)
	fmt.Fprintf(w, "Status:      %s\n", r.Status)
	fmt.Fprintf(w, "Created:     %s by %s\n", fmtTime(r.CreatedAt), r.CreatedBy)
	fmt.Fprintf(w, "Completed:   %s\n", fmtTimePtr(r.CompletedAt))
	fmt.Fprintf(w, "Expires:     %s\n", fmtTime(r.ExpiresAt))
	fmt.Fprintf(w, "Size:        %s\n", fmtBytes(r.Size))
	fmt.Fprintf(w, "Encrypted:   %t\n", r.Encrypted)
	fmt.Fprintf(w, "Compressed:  %t\n", r.Compressed)
	if r.Checksum != "" {
		fmt.Fprintf(w, "Checksum:    %s\n", r.Checksum)
	}
	if loc := r.ArtifactPath(); loc != "" {
		fmt.Fprintf(w, "Artifact:    %s\n", loc)
	}
	if len(r.Tags) > 0 {
		fmt.Fprintf(w, "Tags:        %s\n", strings.Join(r.Tags, ", "))
	}
	if r.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:       %s\n", r.ErrorMessage)
	}
}
