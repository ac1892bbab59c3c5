package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"southwinds.dev/lockbox/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit log",
	Long:  "Query and export audit events recorded for migrations, unlocks, recovery and backup operations.",
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events",
	Long:  "Query audit events with optional filters on action, migration stage, backup id, outcome and time.",
	RunE:  runAuditQuery,
}

var auditFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Show failed operations",
	Long:  "List audit events recorded for failed operations.",
	RunE:  runAuditFailures,
}

var auditExportCmd = &cobra.Command{
	Use:   "export <destination-file>",
	Short: "Export audit events as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditExport,
}

var (
	auditAction   string
	auditStage    string
	auditBackupID string
	auditSince    string
	auditLimit    int
)

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditFailuresCmd)
	auditCmd.AddCommand(auditExportCmd)

	for _, c := range []*cobra.Command{auditQueryCmd, auditFailuresCmd, auditExportCmd} {
		c.Flags().StringVar(&auditAction, "action", "", "filter by action")
		c.Flags().StringVar(&auditStage, "stage", "", "filter by migration stage")
		c.Flags().StringVar(&auditBackupID, "backup-id", "", "filter by backup id")
		c.Flags().StringVar(&auditSince, "since", "", "only events after this time (RFC3339 or duration like 24h)")
		c.Flags().IntVar(&auditLimit, "limit", 50, "maximum events to return (0 = unlimited)")
	}
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	events, err := queryAuditEvents(nil)
	if err != nil {
		return err
	}
	return displayAuditEvents(events)
}

func runAuditFailures(cmd *cobra.Command, args []string) error {
	failed := false
	events, err := queryAuditEvents(&failed)
	if err != nil {
		return err
	}
	return displayAuditEvents(events)
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	events, err := queryAuditEvents(nil)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal audit events: %w", err)
	}

	if err := os.WriteFile(args[0], data, 0600); err != nil {
		return fmt.Errorf("failed to write export file: %w", err)
	}

	fmt.Printf("Exported %d events to %s\n", len(events), args[0])
	return nil
}

func queryAuditEvents(success *bool) ([]audit.Event, error) {
	if !viper.GetBool("audit.enabled") {
		return nil, fmt.Errorf("audit logging is not enabled; set audit.enabled or pass --audit")
	}

	options := audit.QueryOptions{
		Action:   auditAction,
		Stage:    auditStage,
		BackupID: auditBackupID,
		Success:  success,
		Limit:    auditLimit,
	}

	if auditSince != "" {
		since, err := parseSince(auditSince)
		if err != nil {
			return nil, err
		}
		options.Since = &since
	}

	result, err := auditLogger.Query(options)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	return result.Events, nil
}

// parseSince accepts either an RFC3339 timestamp or a relative
// duration counted back from now.
func parseSince(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	if d, err := time.ParseDuration(value); err == nil {
		return time.Now().Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("invalid --since value %q: use RFC3339 or a duration like 24h", value)
}

func displayAuditEvents(events []audit.Event) error {
	if len(events) == 0 {
		fmt.Println("No audit events found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tACTION\tOK\tSTAGE\tBACKUP\tERROR")
	for _, e := range events {
		ok := "yes"
		if !e.Success {
			ok = "no"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"),
			e.Action, ok, e.Stage, e.BackupID, e.Error)
	}
	w.Flush()

	fmt.Printf("\n%d event(s)\n", len(events))
	return nil
}
