package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

// resolveConfigPath prefers the --config flag, then CONFIG_PATH.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return os.Getenv("CONFIG_PATH")
}

func main() {
	root := &cobra.Command{
		Use:   "parley",
		Short: "Parley: bot message gateway",
		Long:  "Parley connects chat platforms to a conversational agent and relays replies per platform.",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the gateway daemon",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	})
	root.AddCommand(newTokenCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
