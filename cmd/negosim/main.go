package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "negosim",
		Short: "Negotiation simulation scheduler",
		Long: `negosim expands combinatorial parameter selections into execution queues
of simulated negotiations, dispatches them to worker subprocesses with
bounded concurrency, and tracks every run's outcome in SQLite.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
