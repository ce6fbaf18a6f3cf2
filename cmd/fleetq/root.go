package main

import (
	"github.com/UniQw/fleetq"
	"github.com/UniQw/fleetq/internal/config"
	"github.com/spf13/cobra"
)

var (
	cfgPath string
	debug   bool
	cfg     config.Config
	logger  fleetq.Logger
)

var rootCmd = &cobra.Command{
	Use:           "fleetq",
	Short:         "Capability-aware task scheduling for ad hoc device clusters.",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		c.ApplyEnv()
		if debug {
			c.Debug = true
		}
		if err := c.Validate(); err != nil {
			return err
		}
		cfg = c
		logger = &fleetq.FmtLogger{Verbose: c.Debug}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
