package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/UniQw/fleetq"
	"github.com/UniQw/fleetq/internal/httpapi"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the scheduler and its HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if v, _ := cmd.Flags().GetString("listen"); v != "" {
			cfg.Coordinator.Listen = v
		}
		cc := cfg.Coordinator

		var store fleetq.SnapshotStore
		switch cc.Snapshot.Backend {
		case "file":
			store = fleetq.NewFileSnapshotStore(cc.Snapshot.Path)
		case "redis":
			rdb := redis.NewClient(&redis.Options{Addr: cc.Snapshot.RedisAddr, Password: cc.Snapshot.RedisPassword, DB: cc.Snapshot.RedisDB})
			defer rdb.Close()
			store = fleetq.NewRedisSnapshotStore(rdb, cc.Snapshot.Namespace)
		}

		sched := fleetq.NewScheduler(fleetq.SchedulerConfig{
			HeartbeatTimeout:     cc.HeartbeatTimeout,
			MaxTasksPerDevice:    cc.MaxTasksPerDevice,
			Interval:             cc.ScheduleInterval,
			DisableLoadBalancing: !cc.LoadBalancing,
			DisableAffinity:      !cc.Affinity,
			AutoRetry:            cc.AutoRetry,
			RetryBackoff:         cc.RetryBackoff,
			CleanupInterval:      cc.CleanupInterval,
			CompletedTaskMaxAge:  cc.CompletedTaskMaxAge,
			Snapshots:            store,
			SnapshotInterval:     cc.Snapshot.Interval,
			Logger:               logger,
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sched.Start()
		defer sched.Stop()

		srv := &http.Server{
			Addr:              cc.Listen,
			Handler:           httpapi.NewRouter(sched, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			logger.Infof("coordinator listening on %s", cc.Listen)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
			logger.Infof("signal received; shutting down")
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		}
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	},
}

func init() {
	coordinatorCmd.Flags().String("listen", "", "Listen address (overrides config)")
	rootCmd.AddCommand(coordinatorCmd)
}
