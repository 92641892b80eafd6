// Package main provides the CLI entry point for the creation engine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cortexhub/creation-engine/internal/config"
	"github.com/cortexhub/creation-engine/internal/logging"
	"github.com/cortexhub/creation-engine/internal/server"
)

// Version information (set at build time)
var version = "dev"

var configPath string

func main() {
	server.Version = version

	rootCmd := &cobra.Command{
		Use:           "creation-engine",
		Short:         "Turns text, audio or image input into generated multimedia content",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "config file (empty for defaults and environment only)")

	rootCmd.AddCommand(newServeCmd(), newRunCmd(), newConfigCmd(), newDLQCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the config and sets up logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := logging.Setup(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write an example configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) == 1 {
				path = args[0]
			}
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.WriteExample(path); err != nil {
				return err
			}
			fmt.Printf("✓ Config written to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().Bool("force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Println("✓ Config is valid")
			return nil
		},
	}

	configCmd.AddCommand(initCmd, validateCmd)
	return configCmd
}
