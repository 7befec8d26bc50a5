package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "kernelbox",
	Short: "kernelbox - single-tenant code execution sandbox",
	Long: `kernelbox keeps one live Python kernel in a Docker container and exposes it
over HTTP: submit code, pull its output events and recorded callbacks, and
interrupt or restart the kernel.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./kernelbox.yaml or ~/.kernelbox/kernelbox.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
