// Package cmd provides the CLI commands for the Interlock engine.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/interlock-hie/interlock/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "interlock",
	Short: "Interlock - healthcare message integration engine",
	Long: `Interlock is a message integration engine: a long-running server that
accepts messages on source connectors, routes each message through a
configurable per-channel pipeline of filter, transform and fan-out to
destinations, and persists every step so interrupted work recovers after a
crash.

Quick start:
  1. Create a config file: interlock.yaml
  2. Run: interlock start

Configuration:
  Config is loaded from interlock.yaml in the current directory,
  $HOME/.interlock/, or /etc/interlock/.

  Environment variables can override config values with the INTERLOCK_
  prefix; database connectivity additionally honors DB_HOST, DB_PORT,
  DB_NAME, DB_USER, DB_PASSWORD, DB_POOL_SIZE, DB_CONNECT_TIMEOUT,
  DB_ACQUIRE_TIMEOUT, DB_DEADLOCK_RETRIES and MIRTH_MODE.

Commands:
  start       Start the engine
  recover     Run the crash-recovery sweep without starting connectors
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./interlock.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
