package cmd

import (
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"southwinds.dev/lockbox"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the plaintext database to encrypted storage",
	Long: `Migrate the unencrypted legacy database into an encrypted container.
A verified backup is taken first, the converted store is checked against
the original row by row, and any failure rolls everything back so the
legacy database is never lost. Running migrate on an already migrated
store simply unlocks it.`,
	RunE: runMigrate,
}

var migrateGenerateRecovery bool

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.Flags().BoolVar(&migrateGenerateRecovery, "generate-recovery", false, "generate and print a recovery credential after migrating")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	// Confirm the passphrase only when it is about to become the one
	// and only way into the converted store. An already migrated store
	// just unlocks.
	confirm := manager.CheckStatus().NeedsMigration
	pass, err := resolveOrPromptPassphrase("Passphrase: ", confirm)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	sp.Suffix = " preparing"
	sp.Start()

	session, err := manager.Migrate(pass, func(stage lockbox.Stage) {
		sp.Suffix = " " + stageLabel(stage)
	})
	sp.Stop()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	defer session.Lock()

	color.Green("Migration complete")

	counts := session.Store().RowCounts()
	total := 0
	for _, n := range counts {
		total += n
	}
	fmt.Printf("Encrypted %d rows across %d tables\n", total, len(counts))

	if migrateGenerateRecovery {
		credential, err := manager.GenerateRecovery(session)
		if err != nil {
			return auditCmdComplete(cmd, fmt.Errorf("failed to generate recovery credential: %w", err), started)
		}
		printRecoveryCredential(credential)
	}

	return auditCmdComplete(cmd, nil, started)
}

func stageLabel(stage lockbox.Stage) string {
	switch stage {
	case lockbox.StageBackingUp:
		return "backing up legacy database"
	case lockbox.StageConverting:
		return "encrypting data"
	case lockbox.StageVerifying:
		return "verifying converted store"
	case lockbox.StageCommitted:
		return "committed"
	case lockbox.StageRolledBack:
		return "rolling back"
	default:
		return string(stage)
	}
}
