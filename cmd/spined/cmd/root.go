package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/unioslo/spine/internal/config"
	"github.com/unioslo/spine/internal/logger"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "spined",
	Short: "Spine object graph server",
	Long: `Spine serves a shared, lazily loaded graph of accounts, persons, groups and
organisational units. Clients log in, open transactions and take short-lived
read or write locks on the entities they touch.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		applyFlags(cmd)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		level := cfg.LogLevel
		if cfg.Debug {
			level = "debug"
		}
		if err := logger.Init(level, cfg.LogFormat); err != nil {
			return fmt.Errorf("failed to configure logging: %w", err)
		}
		return nil
	},
}

// applyFlags lets explicitly set flags win over environment values.
func applyFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("db-url") {
		cfg.DatabaseURL, _ = flags.GetString("db-url")
	}
	if flags.Changed("server-addr") {
		cfg.ServerAddr, _ = flags.GetString("server-addr")
	}
	if flags.Changed("debug") {
		cfg.Debug, _ = flags.GetBool("debug")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.LogFormat, _ = flags.GetString("log-format")
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().String("db-url", "", "Database connection URL (env: DATABASE_URL)")
	rootCmd.PersistentFlags().String("server-addr", "", "Server bind address (env: SERVER_ADDR)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging (env: SPINE_DEBUG)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (env: LOG_LEVEL)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format, json or console (env: LOG_FORMAT)")
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
