package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/datafinder/internal/model"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status <project-id>",
	Short: "Show the progress of a discovery project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		project, err := st.GetProject(ctx, args[0])
		if err != nil {
			return err
		}
		if project == nil {
			return eris.Errorf("project not found: %s", args[0])
		}

		stats := model.ComputeStats(project.Sources)

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"project_id":        project.ID,
				"original_prompt":   project.OriginalPrompt,
				"generated_queries": project.GeneratedQueries,
				"stats":             stats,
				"complete":          stats.Complete(),
				"sources":           project.Sources,
			})
		}

		fmt.Printf("Project:  %s\n", project.ID)
		fmt.Printf("Prompt:   %s\n", project.OriginalPrompt)
		fmt.Printf("Queries:  %d\n", len(project.GeneratedQueries))
		fmt.Printf("Complete: %v\n\n", stats.Complete())
		fmt.Printf("  %-20s %d\n", "total", stats.Total)
		fmt.Printf("  %-20s %d\n", "pending_validation", stats.PendingValidation)
		fmt.Printf("  %-20s %d\n", "validated", stats.Validated)
		fmt.Printf("  %-20s %d\n", "crawling", stats.Crawling)
		fmt.Printf("  %-20s %d\n", "rate_limited", stats.RateLimited)
		fmt.Printf("  %-20s %d\n", "enriched", stats.Enriched)
		fmt.Printf("  %-20s %d\n", "rejected", stats.Rejected)
		fmt.Printf("  %-20s %d\n", "failed", stats.Failed)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print full status as JSON")
	rootCmd.AddCommand(statusCmd)
}
