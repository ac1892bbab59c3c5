package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"southwinds.dev/lockbox/backup"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage database backups",
	Long:  "List, create, restore, prune, export and import backups of the database.",
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups",
	Long:  "List all backups in the backup directory, newest first.",
	RunE:  runBackupList,
}

var backupCreateCmd = &cobra.Command{
	Use:   "create [label]",
	Short: "Create a backup",
	Long:  "Create a verified backup of the current database file.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBackupCreate,
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore from a backup",
	Long:  "Restore a backup over the current database after verifying its checksum.",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupRestore,
}

var backupPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old backups",
	Long:  "Delete backups beyond the retention policy. The newest backup is always kept.",
	RunE:  runBackupPrune,
}

var backupExportCmd = &cobra.Command{
	Use:   "export <backup-id> <destination-file>",
	Short: "Export a backup as an encrypted file",
	Long:  "Export a backup as a self-contained file encrypted under a passphrase of its own, suitable for off-machine storage.",
	Args:  cobra.ExactArgs(2),
	RunE:  runBackupExport,
}

var backupImportCmd = &cobra.Command{
	Use:   "import <export-file>",
	Short: "Import an exported backup",
	Long:  "Decrypt an exported backup file and register it in the backup directory.",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupImport,
}

var (
	backupPassphrase string
	backupRestoreTo  string
	pruneKeep        int
	pruneMaxAgeDays  int
	pruneForce       bool
)

func init() {
	rootCmd.AddCommand(backupCmd)

	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupPruneCmd)
	backupCmd.AddCommand(backupExportCmd)
	backupCmd.AddCommand(backupImportCmd)

	backupRestoreCmd.Flags().StringVar(&backupRestoreTo, "dest", "", "restore destination (default: the backup's original source path)")

	backupPruneCmd.Flags().IntVar(&pruneKeep, "keep", 0, "number of newest backups to keep (0 = no count limit)")
	backupPruneCmd.Flags().IntVar(&pruneMaxAgeDays, "max-age", 0, "delete backups older than this many days (0 = no age limit)")
	backupPruneCmd.Flags().BoolVar(&pruneForce, "force", false, "prune without confirmation")

	backupExportCmd.Flags().StringVar(&backupPassphrase, "backup-passphrase", "", "passphrase for the exported file (or use LOCKBOX_BACKUP_PASSPHRASE env var)")
	backupImportCmd.Flags().StringVar(&backupPassphrase, "backup-passphrase", "", "passphrase the exported file was encrypted with (or use LOCKBOX_BACKUP_PASSPHRASE env var)")
}

func runBackupList(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	handles, err := manager.Backups().List()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to list backups: %w", err), started)
	}

	if len(handles) == 0 {
		fmt.Println("No backups found")
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLABEL\tCREATED\tSIZE")
	for _, h := range handles {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", h.ID, h.Label, h.CreatedAt.Format("2006-01-02 15:04:05"), h.Size)
	}
	w.Flush()

	return auditCmdComplete(cmd, nil, started)
}

func runBackupCreate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	label := "manual"
	if len(args) == 1 {
		label = args[0]
	}

	source, err := currentDatabasePath()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	handle, err := manager.Backups().Snapshot(source, label)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to create backup: %w", err), started)
	}

	color.Green("Backup created")
	fmt.Printf("ID: %s\n", handle.ID)
	fmt.Printf("File: %s (%d bytes)\n", handle.Path, handle.Size)

	return auditCmdComplete(cmd, nil, started)
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	id := args[0]
	handle, err := manager.Backups().Get(id)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	dest := backupRestoreTo
	if dest == "" {
		dest = handle.SourcePath
	}

	fmt.Printf("Restoring backup %s (%s) to %s\n", handle.ID, handle.Label, dest)
	if _, err := os.Stat(dest); err == nil {
		fmt.Println("WARNING: the destination file will be overwritten.")
		if !promptConfirmation("Continue?") {
			fmt.Println("Restore cancelled")
			return auditCmdComplete(cmd, nil, started)
		}
	}

	if err := manager.Backups().Restore(id, dest); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to restore backup: %w", err), started)
	}

	color.Green("Backup restored")
	return auditCmdComplete(cmd, nil, started)
}

func runBackupPrune(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	if pruneKeep == 0 && pruneMaxAgeDays == 0 {
		return auditCmdComplete(cmd, fmt.Errorf("nothing to prune: set --keep and/or --max-age"), started)
	}

	if !pruneForce && !promptConfirmation("Delete backups beyond the retention policy?") {
		fmt.Println("Prune cancelled")
		return auditCmdComplete(cmd, nil, started)
	}

	policy := backup.PrunePolicy{
		MaxCount: pruneKeep,
		MaxAge:   time.Duration(pruneMaxAgeDays) * 24 * time.Hour,
	}

	removed, err := manager.Backups().Prune(policy)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to prune backups: %w", err), started)
	}

	if len(removed) == 0 {
		fmt.Println("No backups matched the policy")
	} else {
		fmt.Printf("Deleted %d backup(s):\n", len(removed))
		for _, h := range removed {
			fmt.Printf("  %s (%s, %s)\n", h.ID, h.Label, h.CreatedAt.Format("2006-01-02 15:04:05"))
		}
	}

	return auditCmdComplete(cmd, nil, started)
}

func runBackupExport(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	id, dest := args[0], args[1]

	pass, err := resolveBackupPassphrase(true)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if err := manager.Backups().Export(id, dest, pass); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to export backup: %w", err), started)
	}

	color.Green("Backup exported")
	fmt.Printf("File: %s\n", dest)
	fmt.Println("The export is decryptable with its passphrase alone; store both safely.")

	return auditCmdComplete(cmd, nil, started)
}

func runBackupImport(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	src := args[0]
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return auditCmdComplete(cmd, fmt.Errorf("export file does not exist: %s", src), started)
	}

	pass, err := resolveBackupPassphrase(false)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	handle, err := manager.Backups().Import(src, pass)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to import backup: %w", err), started)
	}

	color.Green("Backup imported")
	fmt.Printf("ID: %s\n", handle.ID)
	fmt.Printf("File: %s (%d bytes)\n", handle.Path, handle.Size)

	return auditCmdComplete(cmd, nil, started)
}

// currentDatabasePath picks the file a backup should snapshot: the
// encrypted container once migrated, the legacy database before.
func currentDatabasePath() (string, error) {
	legacy := filepath.Join(storageDir, viper.GetString("store.legacy_db"))
	encrypted := legacy + ".enc"

	if _, err := os.Stat(encrypted); err == nil {
		return encrypted, nil
	}
	if _, err := os.Stat(legacy); err == nil {
		return legacy, nil
	}
	return "", fmt.Errorf("no database found under %s", storageDir)
}

func resolveBackupPassphrase(confirm bool) (string, error) {
	if backupPassphrase != "" {
		return backupPassphrase, nil
	}
	if env := os.Getenv("LOCKBOX_BACKUP_PASSPHRASE"); env != "" {
		return env, nil
	}

	first, err := readSecret("Backup passphrase: ")
	if err != nil {
		return "", err
	}
	if confirm {
		second, err := readSecret("Confirm backup passphrase: ")
		if err != nil {
			return "", err
		}
		if first != second {
			return "", fmt.Errorf("passphrases do not match")
		}
	}
	return first, nil
}
