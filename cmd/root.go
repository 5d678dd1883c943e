package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/datafinder/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "datafinder",
	Short: "Automated dataset discovery pipeline",
	Long:  "Turns a plain-language prediction goal into ranked, enriched candidate data sources: search query generation, web discovery, LLM relevance scoring, and scrape-based schema detection.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
