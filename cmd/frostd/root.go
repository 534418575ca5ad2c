package main

import (
	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.Version=... -X main.Commit=...".
var (
	Version = "dev"
	Commit  = ""
)

func NewRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "frostd",
		Short:         "FROST threshold-signing session coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (yaml, json or toml)")

	InitRootCmd(rootCmd, &configPath)

	return rootCmd
}
