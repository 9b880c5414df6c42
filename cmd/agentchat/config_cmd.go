package main

import (
	"fmt"
	"os"
	"slices"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd, configUnsetCmd, configPathCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit settings",
	Long: `Settings are resolved in this order: AGENTCHAT_* environment variables,
~/.agentchat/config.toml, built-in defaults. Keys use the section.field form,
e.g. default.base_url or AGENTCHAT_DEFAULT_BASE_URL.`,
}

var configListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"show"},
	Short:   "List every key with its effective value and where it comes from",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := newConfigViper()
		if err != nil {
			return err
		}
		keys := v.AllKeys()
		slices.Sort(keys)
		for _, key := range keys {
			fmt.Printf("%-22s %-36s (%s)\n", key, v.GetString(key), keySource(v, key))
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the effective value of one key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := newConfigViper()
		if err != nil {
			return err
		}
		key := strings.ToLower(args[0])
		if err := checkKey(v, key); err != nil {
			return err
		}
		fmt.Println(v.GetString(key))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:     "set <key> <value>",
	Short:   "Write a key to the config file",
	Example: "  agentchat config set default.base_url http://localhost:8000\n  agentchat config set default.poll_interval 5s",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := newConfigViper()
		if err != nil {
			return err
		}
		key, value := strings.ToLower(args[0]), args[1]
		if err := checkKey(v, key); err != nil {
			return err
		}

		// Only what is on disk is rewritten; env overrides stay out of the file.
		cfg, err := readConfigFile()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}

		if src := keySource(v, key); src == "env" {
			fmt.Printf("%s saved, but %s still overrides it\n", key, envName(key))
			return nil
		}
		fmt.Printf("%s = %s\n", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a key from the config file so its default applies again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := newConfigViper()
		if err != nil {
			return err
		}
		key := strings.ToLower(args[0])
		if err := checkKey(v, key); err != nil {
			return err
		}
		if !v.InConfig(key) {
			fmt.Printf("%s is not set in the config file\n", key)
			return nil
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("cannot read config: %w", err)
		}
		var doc map[string]any
		if err := toml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("cannot parse config: %w", err)
		}
		section, field, _ := strings.Cut(key, ".")
		if table, ok := doc[section].(map[string]any); ok {
			delete(table, field)
		}

		// Round-trip through Config so the file keeps its usual layout.
		data, err = toml.Marshal(doc)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		var cfg Config
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("cannot parse config: %w", err)
		}
		if err := saveConfig(&cfg); err != nil {
			return err
		}
		fmt.Printf("%s unset (default %s)\n", key, defaultFor(path, key))
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

// checkKey rejects keys viper does not know about.
func checkKey(v *viper.Viper, key string) error {
	keys := v.AllKeys()
	if slices.Contains(keys, key) {
		return nil
	}
	slices.Sort(keys)
	return fmt.Errorf("unknown key %q (known: %s)", key, strings.Join(keys, ", "))
}

func envName(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func keySource(v *viper.Viper, key string) string {
	if _, ok := os.LookupEnv(envName(key)); ok {
		return "env"
	}
	if v.InConfig(key) {
		return "file"
	}
	return "default"
}

// defaultFor reports the built-in value of key, ignoring file and env.
func defaultFor(path, key string) string {
	val := fmt.Sprint(configDefaults(path)[key])
	if val == "" {
		return `""`
	}
	return val
}
