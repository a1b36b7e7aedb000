package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/feedstore/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, config file, FEEDSTORE_*
environment variables and flags are merged. Secrets are masked.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configShowCmd.Flags().String("format", "yaml", "Output format: yaml or json")
}

const masked = "********"

func redact(cfg config.Config) config.Config {
	if cfg.Storage.SecretAccessKey != "" {
		cfg.Storage.SecretAccessKey = masked
	}
	return cfg
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	shown := redact(*cfg)
	out := cmd.OutOrStdout()

	switch format {
	case "yaml", "yml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(shown); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(shown)
	}
	return fmt.Errorf("unknown format %q (want yaml or json)", format)
}
