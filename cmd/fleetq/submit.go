package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/UniQw/fleetq"
	"github.com/spf13/cobra"
)

var (
	submitPriority string
	submitPayload  string
	submitTarget   string
	submitTimeout  time.Duration
	submitRetries  int
	submitWait     time.Duration
	coordinatorURL string
)

var submitCmd = &cobra.Command{
	Use:   "submit <task-type>",
	Short: "Submit a task to a coordinator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := fleetq.ParsePriority(submitPriority)
		if err != nil {
			return err
		}
		opts := []fleetq.Option{fleetq.WithPriority(p), fleetq.MaxRetries(submitRetries)}
		if submitTimeout > 0 {
			opts = append(opts, fleetq.Timeout(submitTimeout))
		}
		if submitTarget != "" {
			opts = append(opts, fleetq.PinTo(submitTarget))
		}
		t, err := fleetq.NewTask(args[0], json.RawMessage(submitPayload), opts...)
		if err != nil {
			return err
		}
		cl := fleetq.NewClient(baseURL(), nil)
		ctx := cmd.Context()
		id, err := cl.Submit(ctx, t)
		if err != nil {
			return err
		}
		fmt.Println(id)
		if submitWait <= 0 {
			return nil
		}
		return waitResult(ctx, cl, id, submitWait)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := fleetq.NewClient(baseURL(), nil).GetTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(t)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue and cluster statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cl := fleetq.NewClient(baseURL(), nil)
		q, err := cl.QueueStats(cmd.Context())
		if err != nil {
			return err
		}
		c, err := cl.ClusterStats(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"queue": q, "cluster": c})
	},
}

func waitResult(ctx context.Context, cl *fleetq.Client, id string, limit time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("task %s: no result after %s", id, limit)
		case <-tick.C:
			t, err := cl.GetTask(ctx, id)
			if err != nil {
				return err
			}
			if t.Status.Terminal() {
				if t.Result != nil {
					return printJSON(t.Result)
				}
				return printJSON(t)
			}
		}
	}
}

func baseURL() string {
	if coordinatorURL != "" {
		return coordinatorURL
	}
	return cfg.Worker.CoordinatorURL
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	submitCmd.Flags().StringVarP(&submitPriority, "priority", "p", "normal", "low, normal, high or urgent")
	submitCmd.Flags().StringVar(&submitPayload, "payload", "{}", "JSON payload")
	submitCmd.Flags().StringVar(&submitTarget, "target", "", "Pin the task to a device id")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 0, "Execution timeout (default 300s)")
	submitCmd.Flags().IntVar(&submitRetries, "max-retries", fleetq.DefaultMaxRetries, "Retry budget")
	submitCmd.Flags().DurationVar(&submitWait, "wait", 0, "Wait up to this long for the result")
	rootCmd.PersistentFlags().StringVar(&coordinatorURL, "url", "", "Coordinator base URL for client commands")
	rootCmd.AddCommand(submitCmd, statusCmd, statsCmd)
}
