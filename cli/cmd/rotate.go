package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Change the passphrase",
	Long: `Change the passphrase protecting the store. The database key
itself is unchanged, so existing backups, the recovery credential and
any cached key keep working. A safety backup is taken first.`,
	RunE: runRotate,
}

var rotateNewPassphrase string

func init() {
	rootCmd.AddCommand(rotateCmd)

	rotateCmd.Flags().StringVar(&rotateNewPassphrase, "new-passphrase", "", "replacement passphrase (prompted when omitted)")
}

func runRotate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	session, err := openStoreSession()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	defer session.Lock()

	newPass := rotateNewPassphrase
	if newPass == "" {
		newPass, err = promptNewPassphrase()
		if err != nil {
			return auditCmdComplete(cmd, err, started)
		}
	}

	if err := manager.RotatePassphrase(session, newPass); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to rotate passphrase: %w", err), started)
	}

	color.Green("Passphrase rotated")
	fmt.Println("Recovery credential and backups are unaffected.")

	return auditCmdComplete(cmd, nil, started)
}
