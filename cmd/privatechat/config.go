package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	privatechat "github.com/nearai/private-chat-sub001"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
	Long:  "View or modify the configuration stored in ~/.privatechat/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration commands run with: the file merged with PRIVATECHAT_* environment overrides. The token is masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cache, err := cachePath(cfg)
		if err != nil {
			return err
		}
		renderConfig(os.Stdout, path, cache, cfg)
		return nil
	},
}

// renderConfig writes cfg in file layout with unset fields marked.
func renderConfig(w io.Writer, path, cache string, cfg *Config) {
	fmt.Fprintf(w, "# %s\n", path)
	fmt.Fprintln(w, "[default]")
	fmt.Fprintf(w, "base_url   = %s\n", valueOrDefault(cfg.Default.BaseURL, privatechat.DefaultBaseURL))
	fmt.Fprintf(w, "log_level  = %s\n", valueOrDefault(cfg.Default.LogLevel, "info"))
	fmt.Fprintf(w, "cache_path = %s\n", cache)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[auth]")
	fmt.Fprintf(w, "token      = %s\n", valueOrDefault(maskKey(cfg.Auth.Token), "(not set)"))
	fmt.Fprintf(w, "user_id    = %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: privatechat config set default.base_url https://private-chat.near.ai",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		shown, err := setConfigValue(cfg, args[0], args[1])
		if err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Set %s = %s\n", args[0], shown)
		return nil
	},
}
