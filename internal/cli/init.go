package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"courier/internal/config"
)

// InitOptions holds init command options.
type InitOptions struct {
	Force bool
}

// NewInitCmd creates the init command.
func NewInitCmd() *cobra.Command {
	opts := &InitOptions{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize courier configuration",
		Long:  "Create the configuration directory and write a default config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunInit(opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "overwrite existing configuration")

	return cmd
}

// RunInit creates ~/.courier and writes the default configuration.
func RunInit(opts *InitOptions) error {
	configDir, err := config.DefaultConfigDir()
	if err != nil {
		return fmt.Errorf("get config dir: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil && !opts.Force {
		return fmt.Errorf("configuration already exists at %s (use --force to overwrite)", configPath)
	}

	for _, dir := range []string{configDir, filepath.Join(configDir, "logs")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	defaultConfig := map[string]any{
		"gateway": map[string]any{
			"host":       "127.0.0.1",
			"port":       18990,
			"auth_token": "",
		},
		"log": map[string]any{
			"level":  "info",
			"format": "console",
		},
		"storage": map[string]any{
			"path": "~/.courier/data.db",
		},
		"run": map[string]any{
			"queue_size":               100,
			"idle_timeout":             "30s",
			"approval_timeout":         "0s",
			"channel_question_timeout": "120s",
			"multi_question_timeout":   "300s",
			"reply_window":             "45m",
		},
		"retention": map[string]any{
			"prune_grace": "10m",
			"max_age":     "168h",
		},
		"channels": map[string]any{
			"enabled": []string{},
		},
	}

	data, err := yaml.Marshal(defaultConfig)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("Configuration written to %s\n", configPath)
	return nil
}
