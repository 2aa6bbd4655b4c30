package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/MacJediWizard/keldris-recovery/internal/models"
)

func newAlertsCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List and acknowledge backup alerts",
	}
	cmd.AddCommand(newAlertsListCmd(flags), newAlertsAckCmd(flags))
	return cmd
}

func newAlertsListCmd(flags *rootFlags) *cobra.Command {
	var (
		severity  string
		alertType string
		backupID  string
		unackOnly bool
		since     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backup alerts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := models.AlertFilter{
				Severity: models.AlertSeverity(severity),
				Type:     models.AlertType(alertType),
			}
			if backupID != "" {
				id, err := parseID(backupID, "backup")
				if err != nil {
					return err
				}
				filter.BackupID = &id
			}
			if unackOnly {
				ack := false
				filter.Acknowledged = &ack
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

			alerts := a.backups.ListAlerts(ctx, filter)
			return render(cmd, flags, alerts, func(w io.Writer) {
				if len(alerts) == 0 {
					fmt.Fprintln(w, "No alerts.")
					return
				}
				tw, flush := table(w, "ID", "SEVERITY", "TYPE", "CREATED", "ACK", "MESSAGE")
				defer flush()
				for _, al := range alerts {
					ack := "-"
					if al.Acknowledged {
						ack = al.AcknowledgedBy
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						al.ID, al.Severity, al.Type, fmtTime(al.CreatedAt), ack, al.Message)
				}
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&severity, "severity", "", "filter by severity")
	f.StringVar(&alertType, "type", "", "filter by alert type")
	f.StringVar(&backupID, "backup", "", "filter by backup ID")
	f.BoolVar(&unackOnly, "unacknowledged", false, "only alerts not yet acknowledged")
	f.DurationVar(&since, "since", 0, "only alerts raised within this duration")
	return cmd
}

func newAlertsAckCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <alert-id>",
		Short: "Acknowledge an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "alert")
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

			alert, err := a.backups.AcknowledgeAlert(ctx, id, flags.actor)
			if err != nil {
				return err
			}
			return render(cmd, flags, alert, func(w io.Writer) {
				fmt.Fprintf(w, "Alert %s acknowledged by %s\n", alert.ID, alert.AcknowledgedBy)
			})
		},
	}
}
