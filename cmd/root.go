// Package cmd defines the CLI entry points: the controller, battery node and
// offline simulation commands.
package cmd

import "github.com/spf13/cobra"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "microgrid",
	Short: "Microgrid MPC controller and battery fleet",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "configuration file")
}

// Execute runs the CLI.
func Execute() error { return rootCmd.Execute() }
