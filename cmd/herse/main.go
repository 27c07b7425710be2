package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "herse",
	Short: "Herse - agent spend control plane",
	Long:  "Herse is the spend admission and kill-switch service for AI agent fleets: it gates every spend-incurring action against monthly budgets and operator stops, meters usage into a durable ledger, and kills runaway agents automatically.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: configs/herse.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
