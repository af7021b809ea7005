package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable patterns in config values:
//   - ${VAR_NAME}          - simple variable
//   - ${VAR_NAME:-default} - default value if not set
//   - ${VAR_NAME:?error}   - error message if not set
//   - $VAR_NAME            - bare variable (no default/error support)
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// errMissingVar collects the first ${VAR:?msg} whose variable is unset.
type errMissingVar struct {
	name string
	msg  string
}

func (e *errMissingVar) Error() string {
	return fmt.Sprintf("config error: %s - %s", e.name, e.msg)
}

// Load reads and parses a YAML configuration file. .env files are loaded
// first and environment references are expanded before parsing. An empty
// path yields the defaults.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	if path == "" {
		cfg := DefaultConfig()
		resolveSecrets(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)
	return cfg, nil
}

// Parse parses YAML bytes into a Config, overlaying the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"wabridge.yaml",
		"wabridge.yml",
		"config.yaml",
		"config.yml",
		"configs/wabridge.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ---------- Internal ----------

// loadEnvFiles loads .env files from standard locations without
// overwriting variables already set.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR}, ${VAR:-default}, ${VAR:?error} and $VAR
// references with their environment values. Unset plain references are
// kept as written. An unset ${VAR:?error} is an error.
func expandEnvVars(input string) (string, error) {
	var missing *errMissingVar
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		varName, modifier, value, bareVar := sub[1], sub[2], sub[3], sub[4]

		if bareVar != "" {
			if val, ok := os.LookupEnv(bareVar); ok {
				return val
			}
			return match
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if missing == nil {
				if value == "" {
					value = "required environment variable not set"
				}
				missing = &errMissingVar{name: varName, msg: value}
			}
			return ""
		}
		return match
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}

// resolveSecrets fills the gateway token from the keyring or environment
// when the config value is empty or an unexpanded reference.
func resolveSecrets(cfg *Config) {
	if val := GetKeyring(keyringGatewayToken); val != "" {
		cfg.Gateway.AuthToken = val
		return
	}
	if val := os.Getenv(GatewayTokenEnv); val != "" {
		cfg.Gateway.AuthToken = val
		return
	}
	if IsEnvReference(cfg.Gateway.AuthToken) {
		cfg.Gateway.AuthToken = ""
	}
}

// resolveRelativePaths makes file paths relative to the config file's
// directory so the service works from any working directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	cfg.Contacts.CachePath = resolvePathFromConfig(cfg.Contacts.CachePath, dir)
	cfg.WhatsApp.SessionDir = resolvePathFromConfig(cfg.WhatsApp.SessionDir, dir)
	cfg.WhatsApp.DatabasePath = resolvePathFromConfig(cfg.WhatsApp.DatabasePath, dir)
	cfg.QR.ImagePath = resolvePathFromConfig(cfg.QR.ImagePath, dir)
}

// resolvePathFromConfig converts a path to absolute, resolving relative
// paths against the config file's directory. Expands ~ to the home dir.
func resolvePathFromConfig(path, configDir string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// IsEnvReference checks if a string is an environment variable reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "$")
}

// checkFilePermissions warns if the config file is readable by others.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
