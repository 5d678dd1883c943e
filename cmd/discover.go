package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/datafinder/internal/model"
)

var (
	discoverTimeout time.Duration
	discoverProject string
)

var discoverCmd = &cobra.Command{
	Use:   "discover \"prompt\"",
	Short: "Run a discovery end to end and print the results",
	Long:  "Starts a discovery project for the prompt, runs the pipeline in-process, and waits until every source reaches a terminal state (or the timeout hits).",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		prompt := strings.TrimSpace(args[0])
		if prompt == "" {
			return eris.New("prompt must not be empty")
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		project, err := env.Jobs.StartDiscovery(ctx, discoverProject, prompt)
		if err != nil {
			return err
		}
		fmt.Printf("Project: %s\n", project.ID)

		poolCtx, cancelPool := context.WithCancel(ctx)
		defer cancelPool()
		poolDone := make(chan struct{})
		go func() {
			defer close(poolDone)
			if err := env.Pool.Run(poolCtx); err != nil {
				zap.L().Error("worker pool stopped", zap.Error(err))
			}
		}()

		err = waitForCompletion(ctx, env, project.ID, discoverTimeout)
		cancelPool()
		<-poolDone
		if err != nil {
			return err
		}

		return printResults(ctx, env, project.ID)
	},
}

func waitForCompletion(ctx context.Context, env *pipelineEnv, projectID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return eris.Errorf("discovery did not complete within %s", timeout)
		}

		stats, err := env.Store.ProjectStats(ctx, projectID)
		if err != nil {
			return err
		}
		if stats.Complete() {
			return nil
		}

		// A project with zero sources is complete only once no tasks remain;
		// before discovery runs there is legitimately nothing to count.
		if stats.Total == 0 {
			counts, err := env.Store.CountTasks(ctx)
			if err != nil {
				return err
			}
			if counts["pending"] == 0 && counts["running"] == 0 {
				return eris.New("discovery produced no sources; check the task queue for dead tasks")
			}
		}
	}
}

func printResults(ctx context.Context, env *pipelineEnv, projectID string) error {
	project, err := env.Store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project == nil {
		return eris.Errorf("project not found: %s", projectID)
	}

	stats := model.ComputeStats(project.Sources)
	fmt.Printf("\nSources: %d total, %d enriched, %d rejected, %d failed\n\n",
		stats.Total, stats.Enriched, stats.Rejected, stats.Failed)

	for _, src := range project.Sources {
		if src.Status != model.StatusEnriched {
			continue
		}
		score := 0
		if src.RelevanceScore != nil {
			score = *src.RelevanceScore
		}
		quality := 0
		if src.QualityRating != nil {
			quality = *src.QualityRating
		}
		fmt.Printf("  [%3d] %s\n", score, src.URL)
		fmt.Printf("        type=%s quality=%d credibility=%s features=%s\n",
			src.SourceType, quality, src.CredibilityTier, strings.Join(src.FeaturesFound, ", "))
	}
	return nil
}

func init() {
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", 15*time.Minute, "how long to wait for completion")
	discoverCmd.Flags().StringVar(&discoverProject, "project", "", "project ID to use (default: generated)")
	rootCmd.AddCommand(discoverCmd)
}
