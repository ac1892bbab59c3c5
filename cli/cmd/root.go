package cmd

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"southwinds.dev/lockbox"
	"southwinds.dev/lockbox/audit"
)

var (
	cfgFile     string
	storageDir  string
	passphrase  string
	manager     *lockbox.Manager
	auditLogger audit.Logger
	cliContext  *CLIContext
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname/IP
	StartTime time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "lockbox",
	Short: "Encrypted local storage with passphrase unlock and recovery",
	Long: `Lockbox manages an application database encrypted at rest.
It migrates a plaintext database into an encrypted container, unlocks it
with a passphrase-derived key, and keeps a recovery credential so a
forgotten passphrase does not mean lost data.`,
	PersistentPreRunE: initializeManager,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if manager != nil {
			return manager.Close()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags - consistent with config file structure
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.lockbox.yaml)")
	rootCmd.PersistentFlags().StringVarP(&storageDir, "storage-dir", "d", "", "directory holding the database and key material")
	rootCmd.PersistentFlags().StringVar(&passphrase, "passphrase", "", "passphrase (or use LOCKBOX_PASSPHRASE env var)")
	rootCmd.PersistentFlags().String("legacy-db", "", "file name of the unencrypted legacy database")
	rootCmd.PersistentFlags().Bool("cache-key", false, "cache the unlocked key in the OS secret store")
	rootCmd.PersistentFlags().Bool("memlock", false, "lock process memory to keep keys off swap")

	// Bind flags to viper
	bindFlagOrPanic("store.dir", "storage-dir")
	bindFlagOrPanic("store.passphrase", "passphrase")
	bindFlagOrPanic("store.legacy_db", "legacy-db")
	bindFlagOrPanic("store.cache_key", "cache-key")
	bindFlagOrPanic("store.memlock", "memlock")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, noop)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	// Bind audit flags
	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	// Set defaults first
	setDefaults()

	// Configure config file paths
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search in multiple locations for consistency
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/lockbox")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".lockbox")
	}

	// Environment variable support
	viper.SetEnvPrefix("LOCKBOX")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file found but error reading it
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	} else {
		if os.Getenv("DEBUG") == "true" {
			fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
		}
	}
}

func setDefaults() {
	// Store defaults
	viper.SetDefault("store.dir", ".lockbox")
	viper.SetDefault("store.legacy_db", "app.db")
	viper.SetDefault("store.cache_key", false)
	viper.SetDefault("store.memlock", false)

	// Audit defaults
	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.max_size", 100)
	viper.SetDefault("audit.options.max_backups", 5)
	viper.SetDefault("audit.log_level", "info")

	// Set audit file path relative to storage dir - updated in initializeManager
	viper.SetDefault("audit.options.file_path", "audit.log")
}

func initializeManager(cmd *cobra.Command, args []string) error {
	// Skip initialization for help, completion and config commands
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" || isConfigCommand(cmd) {
		return nil
	}

	// Get configuration values with proper fallbacks
	storageDir = viper.GetString("store.dir")

	// Set audit file path relative to storage dir if not explicitly set
	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(storageDir, "audit.log"))
	}

	passphrase = viper.GetString("store.passphrase")

	// Create the storage directory if it doesn't exist
	if err := os.MkdirAll(storageDir, 0700); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	// Initialize CLI context
	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: generateSessionID(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	options := lockbox.Options{
		StorageDir:       storageDir,
		LegacyDBName:     viper.GetString("store.legacy_db"),
		EnvPassphraseVar: "LOCKBOX_PASSPHRASE",
		EnableMemoryLock: viper.GetBool("store.memlock"),
		CacheUnlockKey:   viper.GetBool("store.cache_key"),
		Audit: &audit.Config{
			Enabled: viper.GetBool("audit.enabled"),
			Type:    audit.ConfigType(viper.GetString("audit.type")),
			Options: map[string]interface{}{
				"file_path":   viper.GetString("audit.options.file_path"),
				"max_size":    viper.GetInt("audit.options.max_size"),
				"max_backups": viper.GetInt("audit.options.max_backups"),
			},
			LogLevel: viper.GetString("audit.log_level"),
		},
	}

	var err error
	manager, err = lockbox.New(options)
	if err != nil {
		return fmt.Errorf("failed to initialize lockbox: %w", err)
	}
	auditLogger = manager.Audit()

	return nil
}

// isConfigCommand reports whether cmd belongs to the config subtree,
// which operates purely on viper state and needs no manager.
func isConfigCommand(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Name() == "config" {
			return true
		}
	}
	return false
}

// Helper function to check if a flag name is sensitive (for logging purposes)
func isSensitiveFlag(name string) bool {
	sensitive := []string{"passphrase", "password", "secret", "key", "token", "credential"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// getCurrentUser retrieves the username of the currently logged-in user.
// It returns "unknown_user" if the user cannot be determined.
func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		log.Printf("Warning: could not get current user: %v. Falling back to 'unknown_user'.", err)
		// This can happen in restricted environments or certain OSes (e.g., scratch Docker images without /etc/passwd)
		envUser := os.Getenv("USER")
		if envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

// generateSessionID creates a new unique session identifier.
// Uses UUID v4.
func generateSessionID() string {
	id := uuid.New()
	return id.String()
}

// getHostname retrieves the hostname of the machine.
// It returns "unknown_host" if the hostname cannot be determined.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("Warning: could not get hostname: %v. Falling back to 'unknown_host'.", err)
		return "unknown_host"
	}
	return hostname
}

func auditCmdStart(cmd *cobra.Command, args []string) time.Time {
	now := time.Now()
	err := auditLogger.Log("command_start", true, map[string]interface{}{
		"command":    cmd.CommandPath(),
		"args":       sanitizeArgs(args),
		"flags":      sanitizeFlags(cmd),
		"user_id":    cliContext.UserID,
		"session_id": cliContext.SessionID,
		"source":     cliContext.Source,
	})
	if err != nil {
		log.Printf("ERROR: %v\n", err)
	}
	return now
}

func auditCmdComplete(cmd *cobra.Command, err error, startedTime time.Time) error {
	// Log command completion
	if auditLogger != nil {
		auditLogger.Log("command_complete", err == nil, map[string]interface{}{
			"command":     cmd.CommandPath(),
			"duration_ms": time.Since(startedTime).Milliseconds(),
			"success":     err == nil,
			"error":       formatError(err),
			"user_id":     cliContext.UserID,
			"session_id":  cliContext.SessionID,
		})
	}
	return err
}

func formatError(err error) string {
	if err == nil {
		return ""
	}

	var messages []string

	// Unwrap the error chain and collect all messages
	for err != nil {
		messages = append(messages, err.Error())
		err = errors.Unwrap(err)
	}

	// If we have multiple errors in the chain, show the hierarchy
	if len(messages) > 1 {
		// Remove duplicates that might occur from unwrapping
		uniqueMessages := make([]string, 0, len(messages))
		seen := make(map[string]bool)

		for _, msg := range messages {
			if !seen[msg] {
				uniqueMessages = append(uniqueMessages, msg)
				seen[msg] = true
			}
		}

		if len(uniqueMessages) > 1 {
			return fmt.Sprintf("Error: %s (caused by: %s)",
				uniqueMessages[0],
				strings.Join(uniqueMessages[1:], " -> "))
		}
	}

	// Single error or all messages were the same
	message := messages[0]

	// Basic formatting
	if len(message) > 0 {
		first := string(message[0])
		if first != strings.ToUpper(first) {
			message = strings.ToUpper(first) + message[1:]
		}
	}

	return fmt.Sprintf("Error: %s", message)
}

func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed {
			if isSensitiveFlag(flag.Name) {
				flags[flag.Name] = "[REDACTED]"
			} else {
				flags[flag.Name] = flag.Value.String()
			}
		}
	})
	return flags
}

func sanitizeArgs(args []string) []string {
	// Positional arguments can carry a recovery credential, so mask
	// anything that looks like one.
	sanitized := make([]string, len(args))
	for i, arg := range args {
		if looksLikeCredential(arg) {
			sanitized[i] = "[REDACTED]"
		} else {
			sanitized[i] = arg
		}
	}
	return sanitized
}

func looksLikeCredential(arg string) bool {
	// Recovery credentials print as dash-separated base32 groups.
	return strings.Count(arg, "-") >= 4 && len(arg) >= 20
}
