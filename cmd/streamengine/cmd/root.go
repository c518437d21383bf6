// Package cmd implements the CLI commands for streamengine.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dashflow/streamengine/internal/engineconfig"
	"github.com/dashflow/streamengine/internal/logger"
)

var (
	cfgFile  string
	logLevel string
	v        = viper.New()
	log      logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "streamengine",
	Short: "Adaptive bitrate streaming orchestrator",
	Long: `streamengine drives an adaptive-bitrate manifest through its
lifecycle: fetching and refreshing the manifest, selecting
Representations, pulling segments, and reacting to playback freezes.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log = logger.New(logLevel)
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to engine config file (YAML/JSON)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	if err := engineconfig.Flags(rootCmd.PersistentFlags(), v); err != nil {
		panic(fmt.Sprintf("binding engineconfig flags: %v", err))
	}
	if err := engineconfig.BindLogLevel(rootCmd.PersistentFlags(), v); err != nil {
		panic(fmt.Sprintf("binding log-level flag: %v", err))
	}
}

func loadConfig() (engineconfig.Config, error) {
	return engineconfig.Load(v, cfgFile)
}
