package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/UniQw/fleetq"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a device agent that executes tasks from a coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		wc := cfg.Worker
		if v, _ := cmd.Flags().GetString("coordinator"); v != "" {
			wc.CoordinatorURL = v
		}
		if v, _ := cmd.Flags().GetString("device-id"); v != "" {
			wc.DeviceID = v
		}
		host, _ := os.Hostname()

		caps := fleetq.Capabilities{
			CPUCount:       wc.CPUCount,
			MemoryTotalGB:  wc.MemoryGB,
			StorageTotalGB: wc.StorageGB,
			Tags:           wc.Tags,
			HasGPU:         wc.HasGPU,
			Platform:       wc.Platform,
			Role:           wc.Role,
		}
		exec := fleetq.NewExecutor(fleetq.ExecutorConfig{DeviceID: wc.DeviceID, Capabilities: caps, Logger: logger})
		caps.Features = map[string][]string{"task_types": exec.Mux().Types()}

		agent := fleetq.NewAgent(fleetq.NewClient(wc.CoordinatorURL, nil), exec, fleetq.AgentConfig{
			Registration: fleetq.Registration{
				DeviceID:     wc.DeviceID,
				Role:         wc.Role,
				Platform:     wc.Platform,
				Capabilities: caps,
				Hostname:     host,
			},
			HeartbeatInterval:  wc.HeartbeatInterval,
			PollInterval:       wc.PollInterval,
			MaxConcurrentTasks: wc.MaxConcurrentTasks,
			Logger:             logger,
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return agent.Run(ctx)
	},
}

func init() {
	workerCmd.Flags().String("coordinator", "", "Coordinator base URL (overrides config)")
	workerCmd.Flags().String("device-id", "", "Device id (overrides config)")
	rootCmd.AddCommand(workerCmd)
}
