package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"southwinds.dev/lockbox"
)

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Unlock the encrypted store",
	Long: `Unlock the encrypted store with the passphrase and report its
contents. With --cached the key is taken from the OS secret store
instead, falling back to a passphrase prompt when no usable cached key
exists.`,
	RunE: runUnlock,
}

var unlockCached bool

func init() {
	rootCmd.AddCommand(unlockCmd)

	unlockCmd.Flags().BoolVar(&unlockCached, "cached", false, "try the key cached in the OS secret store first")
}

func runUnlock(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	session, err := openStoreSession()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	defer session.Lock()

	color.Green("Store unlocked")

	counts := session.Store().RowCounts()
	total := 0
	for _, n := range counts {
		total += n
	}
	fmt.Printf("Tables: %d, Rows: %d\n", len(counts), total)

	meta := session.Store().Metadata()
	fmt.Printf("Created: %s\n", meta.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated: %s\n", meta.UpdatedAt.Format("2006-01-02 15:04:05"))

	return auditCmdComplete(cmd, nil, started)
}

// openStoreSession unlocks the store with the cached key when requested
// and possible, otherwise with the passphrase. Commands that need an
// active session share this path.
func openStoreSession() (*lockbox.Session, error) {
	if unlockCached {
		session, err := manager.TryCachedUnlock()
		if err == nil {
			return session, nil
		}
		fmt.Fprintf(os.Stderr, "Cached key unavailable (%v), falling back to passphrase\n", err)
	}

	pass, err := resolveOrPromptPassphrase("Passphrase: ", false)
	if err != nil {
		return nil, err
	}
	return manager.Unlock(pass)
}
