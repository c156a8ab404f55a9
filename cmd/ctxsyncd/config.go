package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ctxsync/ctxsyncd/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage ctxsyncd configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default .ctxsyncd.yaml to the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Println("Wrote", path)
		return nil
	},
}

func init() {
	configInitCmd.Flags().String("file", ".ctxsyncd.yaml", "path to write")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
