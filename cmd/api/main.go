package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"insights/api/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "insights-api",
	Short:         "Notebook chat API",
	Long:          `Serves notebook chat transcripts and keeps them in sync with the chat history log.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml); environment variables override it")
	rootCmd.AddCommand(serveCmd, migrateCmd, transcriptCmd)
}

func loadConfig() (config.Config, error) {
	return config.Load(cfgFile)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
