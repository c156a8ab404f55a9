package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ctxsync/ctxsyncd/internal/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ctxsyncd",
	Short: "ctxsyncd - shared context synchronization service for agent workers",
	Long: `ctxsyncd lets many concurrent agent workers read and write a common
project context cheaply, by exchanging versioned differential updates
instead of the full payload on every call.

The daemon keeps one versioned context record per project, serves full or
differential reads over HTTP, trims responses to caller token budgets,
compresses large payloads, and streams committed versions to WebSocket
subscribers.

Example:
  ctxsyncd serve --port 7171
  ctxsyncd stats --addr localhost:7171`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Version = version.Short()
	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .ctxsyncd.yaml)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable verbose output")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error getting working directory:", err)
			os.Exit(1)
		}

		viper.AddConfigPath(cwd)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".ctxsyncd")
	}

	viper.SetEnvPrefix("CTXSYNCD")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}
