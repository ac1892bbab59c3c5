package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/viper"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// resolveOrPromptPassphrase returns the passphrase from the --passphrase
// flag or config, falling back to an interactive prompt with echo
// disabled. When confirm is set the prompt is repeated and both entries
// must match, which guards against typos locking the user out of a
// freshly migrated store.
func resolveOrPromptPassphrase(prompt string, confirm bool) (string, error) {
	if passphrase != "" {
		return passphrase, nil
	}
	if env := os.Getenv("LOCKBOX_PASSPHRASE"); env != "" {
		return env, nil
	}

	first, err := readSecret(prompt)
	if err != nil {
		return "", err
	}
	if confirm {
		second, err := readSecret("Confirm passphrase: ")
		if err != nil {
			return "", err
		}
		if first != second {
			return "", fmt.Errorf("passphrases do not match")
		}
	}
	return first, nil
}

// readSecret reads a line from the terminal without echoing it. Falls
// back to an error rather than plain reads when stdin is not a
// terminal, so secrets never end up in shell history by accident.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal; use the --passphrase flag or LOCKBOX_PASSPHRASE")
	}

	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return string(raw), nil
}

// printRecoveryCredential prints a freshly generated credential with a
// warning that it is shown exactly once.
func printRecoveryCredential(credential string) {
	fmt.Println()
	color.Yellow("Write this recovery credential down and store it somewhere safe.")
	color.Yellow("It is shown ONCE and cannot be retrieved later.")
	fmt.Println()
	fmt.Printf("    %s\n", color.New(color.Bold).Sprint(credential))
	fmt.Println()
}

func getConfigFilePath(global bool) string {
	if global {
		// System-wide config (e.g., /etc/lockbox/config.yaml)
		return "/etc/lockbox/config.yaml"
	}

	if cfgFile != "" {
		return cfgFile
	}

	// User config
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".lockbox.yaml")
}

func ensureConfigDir(configFile string) error {
	dir := filepath.Dir(configFile)
	return os.MkdirAll(dir, 0700)
}

func isValidConfigKey(key string) bool {
	validKeys := []string{
		"store.dir",
		"store.legacy_db",
		"store.passphrase",
		"store.cache_key",
		"store.memlock",
		"audit.enabled",
		"audit.type",
		"audit.options.file_path",
		"audit.options.max_size",
		"audit.options.max_backups",
		"audit.log_level",
	}

	for _, validKey := range validKeys {
		if key == validKey {
			return true
		}
	}
	return false
}

func convertStringValue(value string) (interface{}, error) {
	// Try to convert to appropriate type
	if value == "true" || value == "false" {
		return value == "true", nil
	}

	// Try integer
	if strings.Contains(value, ".") {
		// Try float
		if f, err := parseFloat(value); err == nil {
			return f, nil
		}
	} else {
		// Try integer
		if i, err := parseInt(value); err == nil {
			return i, nil
		}
	}

	// Return as string
	return value, nil
}

func unsetNestedKey(config map[string]interface{}, key string) error {
	parts := strings.Split(key, ".")

	// Navigate to parent
	current := config
	for i, part := range parts[:len(parts)-1] {
		if next, ok := current[part].(map[string]interface{}); ok {
			current = next
		} else {
			return fmt.Errorf("key path not found at %s", strings.Join(parts[:i+1], "."))
		}
	}

	// Delete the final key
	delete(current, parts[len(parts)-1])
	return nil
}

func getConfigTemplate(template string) map[string]interface{} {
	switch template {
	case "minimal":
		return map[string]interface{}{
			"store": map[string]interface{}{
				"dir":       ".lockbox",
				"legacy_db": "app.db",
			},
		}
	case "full":
		return map[string]interface{}{
			"store": map[string]interface{}{
				"dir":       ".lockbox",
				"legacy_db": "app.db",
				"cache_key": false,
				"memlock":   false,
			},
			"audit": map[string]interface{}{
				"enabled": false,
				"type":    "file",
				"options": map[string]interface{}{
					"file_path":   "audit.log",
					"max_size":    100,
					"max_backups": 5,
				},
				"log_level": "info",
			},
		}
	default: // "default"
		return map[string]interface{}{
			"store": map[string]interface{}{
				"dir":       ".lockbox",
				"legacy_db": "app.db",
			},
			"audit": map[string]interface{}{
				"enabled": false,
				"type":    "file",
				"options": map[string]interface{}{
					"file_path": "audit.log",
				},
			},
		}
	}
}

func validateConfiguration() []string {
	var errors []string

	if dir := viper.GetString("store.dir"); dir == "" {
		errors = append(errors, "store.dir must not be empty")
	}

	if name := viper.GetString("store.legacy_db"); strings.ContainsAny(name, "/\\") {
		errors = append(errors, fmt.Sprintf("store.legacy_db must be a bare file name, got: %s", name))
	}

	// Validate audit configuration
	if viper.GetBool("audit.enabled") {
		auditType := viper.GetString("audit.type")
		validAuditTypes := []string{"file", "noop"}
		if !contains(validAuditTypes, auditType) {
			errors = append(errors, fmt.Sprintf("invalid audit type: %s (must be one of: %s)",
				auditType, strings.Join(validAuditTypes, ", ")))
		}

		if auditType == "file" {
			if filePath := viper.GetString("audit.options.file_path"); filePath == "" {
				errors = append(errors, "audit file path is required when using file audit")
			}
		}
	}

	return errors
}

func getConfigKeyDescriptions() map[string]string {
	return map[string]string{
		"store.dir":                 "Directory holding the database and key material",
		"store.legacy_db":           "File name of the unencrypted legacy database",
		"store.passphrase":          "Passphrase (prefer LOCKBOX_PASSPHRASE over this)",
		"store.cache_key":           "Cache the unlocked key in the OS secret store",
		"store.memlock":             "Lock process memory to keep keys off swap",
		"audit.enabled":             "Enable audit logging",
		"audit.type":                "Audit logger type (file, noop)",
		"audit.options.file_path":   "Audit log file path",
		"audit.options.max_size":    "Audit log rotation size in MB",
		"audit.options.max_backups": "Rotated audit log files to keep",
		"audit.log_level":           "Audit log level",
	}
}

// contains checks if a string slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// parseInt attempts to parse a string as an integer
func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}

// parseFloat attempts to parse a string as a float64
func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

// printConfigTable prints configuration in table format
func printConfigTable() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	fmt.Fprintln(w, "---\t-----\t------")

	// Get all settings
	settings := viper.AllSettings()
	var keys []string

	// Flatten nested keys
	flattenKeys(settings, "", &keys)
	sort.Strings(keys)

	for _, key := range keys {
		value := viper.Get(key)
		source := "default"
		if viper.ConfigFileUsed() != "" {
			source = filepath.Base(viper.ConfigFileUsed())
		}

		// Check if this is an environment variable
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if os.Getenv(envKey) != "" || os.Getenv("LOCKBOX_"+envKey) != "" {
			source = "environment"
		}

		// Mask sensitive values
		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}

		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, source)
	}

	return nil
}

// printConfigJSON prints configuration in JSON format
func printConfigJSON() error {
	config := viper.AllSettings()

	// Mask sensitive values
	maskSensitiveValues(config)

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}

	fmt.Println(string(data))
	return nil
}

// printConfigYAML prints configuration in YAML format
func printConfigYAML() error {
	config := viper.AllSettings()

	// Mask sensitive values
	maskSensitiveValues(config)

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	fmt.Print(string(data))
	return nil
}

// printConfigKeysTable prints available configuration keys in table format
func printConfigKeysTable(keys map[string]string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tDESCRIPTION")
	fmt.Fprintln(w, "---\t-----------")

	// Sort keys
	sortedKeys := make([]string, 0, len(keys))
	for key := range keys {
		sortedKeys = append(sortedKeys, key)
	}
	sort.Strings(sortedKeys)

	for _, key := range sortedKeys {
		fmt.Fprintf(w, "%s\t%s\n", key, keys[key])
	}

	return nil
}

// printConfigKeysYAML prints available configuration keys in YAML format
func printConfigKeysYAML(keys map[string]string) error {
	data, err := yaml.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to marshal keys to YAML: %w", err)
	}

	fmt.Print(string(data))
	return nil
}

// printConfigKeysJSON prints available configuration keys in JSON format
func printConfigKeysJSON(keys map[string]string) error {
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal keys to JSON: %w", err)
	}

	fmt.Println(string(data))
	return nil
}

// flattenKeys recursively flattens nested maps into dot-notation keys
func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

// isSensitiveConfigKey checks if a configuration key contains sensitive data
func isSensitiveConfigKey(key string) bool {
	sensitiveKeys := []string{"passphrase", "password", "secret", "key", "token", "auth"}
	lowerKey := strings.ToLower(key)

	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

// maskSensitiveValues recursively masks sensitive values in configuration
func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		} else if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		}
	}
}

// getDefaultEditor returns the editor to use for config edit,
// preferring EDITOR and VISUAL over platform fallbacks.
func getDefaultEditor() string {
	if editor := os.Getenv("EDITOR"); editor != "" {
		return editor
	}
	if visual := os.Getenv("VISUAL"); visual != "" {
		return visual
	}
	if runtime.GOOS == "windows" {
		return "notepad.exe"
	}
	return "vi"
}

// executeEditor launches the editor attached to the current terminal.
func executeEditor(editor, file string) error {
	cmd := exec.Command(editor, file)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// promptConfirmation prompts the user for yes/no confirmation
func promptConfirmation(message string) bool {
	fmt.Printf("%s (y/N): ", message)
	var response string
	fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}
