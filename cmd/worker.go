package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the task worker pool without the API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return env.Pool.Run(gctx)
		})
		g.Go(func() error {
			runCacheSweeper(gctx, env.Store, time.Duration(cfg.Pipeline.CacheSweepInterval)*time.Minute)
			return nil
		})
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
