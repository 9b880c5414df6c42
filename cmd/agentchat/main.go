package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/LuminPulse-AI/agentchat"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.agentchat/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default" mapstructure:"default"`
}

// ConfigDefault holds connection and runtime settings.
type ConfigDefault struct {
	BaseURL      string  `toml:"base_url" mapstructure:"base_url"`
	DataDir      string  `toml:"data_dir" mapstructure:"data_dir"`
	PollInterval string  `toml:"poll_interval" mapstructure:"poll_interval"`
	RateLimit    float64 `toml:"rate_limit" mapstructure:"rate_limit"`
	MetricsAddr  string  `toml:"metrics_addr" mapstructure:"metrics_addr"`
}

// pollInterval parses PollInterval, falling back to the library default.
func (c ConfigDefault) pollInterval() (time.Duration, error) {
	if c.PollInterval == "" {
		return agentchat.DefaultPollInterval, nil
	}
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid default.poll_interval %q: %w", c.PollInterval, err)
	}
	return d, nil
}

// ============================================================================
// Config helpers
// ============================================================================

const envPrefix = "AGENTCHAT"

// configDir returns the path to ~/.agentchat, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".agentchat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// configDefaults returns the built-in value of every config key.
func configDefaults(path string) map[string]any {
	return map[string]any{
		"default.base_url":      agentchat.DefaultBaseURL,
		"default.data_dir":      filepath.Join(filepath.Dir(path), "data"),
		"default.poll_interval": agentchat.DefaultPollInterval.String(),
		"default.rate_limit":    0.0,
		"default.metrics_addr":  "",
	}
}

// newConfigViper returns a viper instance bound to the config file, the
// AGENTCHAT_* environment (e.g. AGENTCHAT_DEFAULT_BASE_URL) and the defaults.
// Its AllKeys are the settable keys. A missing file is not an error.
func newConfigViper() (*viper.Viper, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, val := range configDefaults(path) {
		v.SetDefault(key, val)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("cannot read config: %w", err)
		}
	}
	return v, nil
}

// loadConfig returns the effective configuration.
func loadConfig() (*Config, error) {
	v, err := newConfigViper()
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// readConfigFile parses only what is on disk, without defaults or
// environment overrides, so that saving does not persist them.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	if section != "default" {
		return fmt.Errorf("unknown config section %q (valid: default)", section)
	}

	switch field {
	case "base_url":
		cfg.Default.BaseURL = value
	case "data_dir":
		cfg.Default.DataDir = value
	case "poll_interval":
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("poll_interval must be a duration such as 10s: %w", err)
		}
		cfg.Default.PollInterval = value
	case "rate_limit":
		rps, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("rate_limit must be a number of requests per second: %w", err)
		}
		cfg.Default.RateLimit = rps
	case "metrics_addr":
		cfg.Default.MetricsAddr = value
	default:
		return fmt.Errorf("unknown field %q in section [default]", field)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagDebug   bool
	flagBaseURL string
	flagDataDir string
)

var rootCmd = &cobra.Command{
	Use:          "agentchat",
	Short:        "Terminal client for the agent chat backend",
	Long:         "Chat with your tenant's agent, browse conversation history and manage notifications.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flagBaseURL, "base-url", "", "Backend base URL (overrides default.base_url)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "Local state directory (overrides default.data_dir)")
}

func main() {
	// A missing .env is normal.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
