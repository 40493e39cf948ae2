package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jelmore-io/jelmore/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "jelmore",
	Short: "Session orchestrator for long-lived AI coding agents",
	Long: `Jelmore manages long-lived interactive AI coding agent sessions:
it spawns agent backends, tracks session lifecycle, persists state through
Redis and PostgreSQL, publishes lifecycle events to NATS, and exposes the
whole thing over HTTP and WebSocket.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/jelmore/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/jelmore")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("JELMORE")
	// Replace dots with underscores for nested keys in env vars
	// e.g., JELMORE_SESSION_MAX_CONCURRENT for session.max_concurrent
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
