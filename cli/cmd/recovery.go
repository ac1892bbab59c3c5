package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"southwinds.dev/lockbox"
)

var recoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Manage the recovery credential",
	Long: `Manage the recovery credential that unlocks the store when the
passphrase is lost. Generating a new credential replaces the previous
one; the credential is displayed exactly once and never stored in
recoverable form.`,
}

var recoveryGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new recovery credential",
	Long: `Generate a new recovery credential. Requires the passphrase to
unlock the store first. Any previously issued credential stops working.`,
	RunE: runRecoveryGenerate,
}

var recoveryVerifyCmd = &cobra.Command{
	Use:   "verify [credential]",
	Short: "Check a recovery credential without unlocking",
	Long: `Verify that a recovery credential matches the stored verification
hash. Nothing is unlocked and no state changes.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRecoveryVerify,
}

var recoveryRecoverCmd = &cobra.Command{
	Use:   "recover [credential]",
	Short: "Unlock the store with a recovery credential",
	Long: `Unlock the store using the recovery credential instead of the
passphrase, then set a new passphrase. Interactive entry allows three
attempts with a short delay between them.`,
	RunE: runRecoveryRecover,
}

const (
	recoveryMaxAttempts  = 3
	recoveryRetryBackoff = 2 * time.Second
)

func init() {
	rootCmd.AddCommand(recoveryCmd)

	recoveryCmd.AddCommand(recoveryGenerateCmd)
	recoveryCmd.AddCommand(recoveryVerifyCmd)
	recoveryCmd.AddCommand(recoveryRecoverCmd)
}

func runRecoveryGenerate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	if manager.HasRecovery() {
		fmt.Println("A recovery credential already exists. Generating a new one will invalidate it.")
		if !promptConfirmation("Continue?") {
			fmt.Println("Cancelled")
			return auditCmdComplete(cmd, nil, started)
		}
	}

	session, err := openStoreSession()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	defer session.Lock()

	credential, err := manager.GenerateRecovery(session)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to generate recovery credential: %w", err), started)
	}

	printRecoveryCredential(credential)

	return auditCmdComplete(cmd, nil, started)
}

func runRecoveryVerify(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	credential, err := credentialFromArgsOrPrompt(args)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if manager.VerifyRecovery(credential) {
		color.Green("Recovery credential is valid")
		return auditCmdComplete(cmd, nil, started)
	}

	err = fmt.Errorf("recovery credential is not valid")
	return auditCmdComplete(cmd, err, started)
}

func runRecoveryRecover(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	session, err := recoverSession(args)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	defer session.Lock()

	color.Green("Store unlocked with recovery credential")

	// A recovered store keeps its old, forgotten passphrase until it is
	// rotated, so force a rotation while the session is live.
	fmt.Println("Set a new passphrase now.")
	newPass, err := promptNewPassphrase()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if err := manager.RotatePassphrase(session, newPass); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to set new passphrase: %w", err), started)
	}

	color.Green("Passphrase updated")
	fmt.Println("The recovery credential remains valid.")

	return auditCmdComplete(cmd, nil, started)
}

// recoverSession attempts RecoverWith. A credential given as an
// argument gets a single attempt; interactive entry gets three, with a
// delay between failures to blunt brute-force typing.
func recoverSession(args []string) (*lockbox.Session, error) {
	if len(args) == 1 {
		return manager.RecoverWith(args[0])
	}

	var lastErr error
	for attempt := 1; attempt <= recoveryMaxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(recoveryRetryBackoff)
		}

		credential, err := readSecret(fmt.Sprintf("Recovery credential (attempt %d/%d): ", attempt, recoveryMaxAttempts))
		if err != nil {
			return nil, err
		}

		session, err := manager.RecoverWith(credential)
		if err == nil {
			return session, nil
		}
		lastErr = err

		// Anything other than a bad credential will not improve with
		// another attempt.
		if !errors.Is(err, lockbox.ErrInvalidRecoveryCredential) {
			return nil, err
		}
		fmt.Fprintln(os.Stderr, "Invalid credential")
	}
	return nil, lastErr
}

func credentialFromArgsOrPrompt(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	return readSecret("Recovery credential: ")
}

// promptNewPassphrase reads and confirms a replacement passphrase.
func promptNewPassphrase() (string, error) {
	first, err := readSecret("New passphrase: ")
	if err != nil {
		return "", err
	}
	second, err := readSecret("Confirm new passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("passphrases do not match")
	}
	return first, nil
}
