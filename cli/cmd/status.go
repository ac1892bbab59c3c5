package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store status",
	Long:  "Display the migration state of the store, memory protection level, recovery and backup information.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	fmt.Println("Lockbox Status")
	fmt.Println("==============")

	status := manager.CheckStatus()

	stateLabel := string(status.State)
	switch status.State {
	case "migrated":
		stateLabel = color.GreenString(stateLabel)
	case "inconsistent":
		stateLabel = color.RedString(stateLabel)
	default:
		stateLabel = color.YellowString(stateLabel)
	}
	fmt.Printf("State: %s\n", stateLabel)
	fmt.Printf("Needs Migration: %v\n", status.NeedsMigration)
	fmt.Printf("Locked: %v\n", status.IsLocked)

	fmt.Printf("Memory Protection: %s\n", manager.MemoryProtection())

	if manager.HasRecovery() {
		fmt.Println("Recovery: configured")
	} else {
		fmt.Println("Recovery: " + color.YellowString("not configured"))
	}

	backups, err := manager.Backups().List()
	if err != nil {
		fmt.Printf("Backups: ERROR - %v\n", err)
	} else {
		fmt.Printf("Backups: %d\n", len(backups))
		if len(backups) > 0 {
			newest := backups[0]
			fmt.Printf("Latest Backup: %s (%s, %s)\n", newest.ID, newest.Label, newest.CreatedAt.Format("2006-01-02 15:04:05"))
		}
	}

	fmt.Printf("Storage Dir: %s\n", storageDir)

	return nil
}
