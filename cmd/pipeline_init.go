package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/datafinder/internal/intel"
	"github.com/sells-group/datafinder/internal/jobs"
	"github.com/sells-group/datafinder/internal/queue"
	"github.com/sells-group/datafinder/internal/store"
	anthropicpkg "github.com/sells-group/datafinder/pkg/anthropic"
	"github.com/sells-group/datafinder/pkg/firecrawl"
)

// pipelineEnv holds the initialized store, clients, and handlers needed by
// the serve/worker/discover commands.
type pipelineEnv struct {
	Store    store.Store
	Jobs     *jobs.Env
	Registry *queue.Registry
	Pool     *queue.Pool
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "datafinder.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initPipeline sets up the store, API clients, stage handlers, and worker
// pool. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)
	intelSvc := intel.NewService(anthropicClient, cfg.Anthropic.Model)

	crawlerOpts := []firecrawl.Option{firecrawl.WithBaseURL(cfg.Firecrawl.BaseURL)}
	if cfg.Firecrawl.RateLimitRPS > 0 {
		crawlerOpts = append(crawlerOpts,
			firecrawl.WithRateLimit(cfg.Firecrawl.RateLimitRPS, cfg.Firecrawl.RateLimitBurst))
	}
	crawler := firecrawl.NewClient(cfg.Firecrawl.Key, crawlerOpts...)

	cred := jobs.NewCredibilityRater()
	if cfg.Pipeline.TrustListPath != "" {
		extra, err := jobs.LoadTrustList(cfg.Pipeline.TrustListPath)
		if err != nil {
			zap.L().Warn("trust list not loaded", zap.Error(err))
		} else {
			cred = jobs.NewCredibilityRater(extra...)
			zap.L().Info("trust list loaded", zap.Int("domains", len(extra)))
		}
	}

	enqueuer := queue.NewEnqueuer(st, cfg.Worker.MaxAttempts)
	env := jobs.NewEnv(st, enqueuer, crawler, intelSvc, cred, jobs.Options{
		ScoreThreshold: cfg.Pipeline.ScoreThreshold,
		ScoreBatchSize: cfg.Pipeline.ScoreBatchSize,
		SearchLimit:    cfg.Pipeline.SearchLimit,
		CacheTTL:       time.Duration(cfg.Pipeline.CacheTTLHours) * time.Hour,
		SampleLimit:    cfg.Pipeline.SampleLimit,
		DiscoverDelay:  time.Duration(cfg.Pipeline.DiscoverDelaySecs) * time.Second,
		ScoreDelay:     time.Duration(cfg.Pipeline.ScoreDelaySecs) * time.Second,
		EnrichDelay:    time.Duration(cfg.Pipeline.EnrichDelaySecs) * time.Second,
	})

	registry := queue.NewRegistry()
	env.Register(registry)

	pool := queue.NewPool(st, registry, queue.PoolConfig{
		Workers:      cfg.Worker.Count,
		PollInterval: time.Duration(cfg.Worker.PollIntervalSecs) * time.Second,
		Lease:        time.Duration(cfg.Worker.LeaseMins) * time.Minute,
	})

	return &pipelineEnv{
		Store:    st,
		Jobs:     env,
		Registry: registry,
		Pool:     pool,
	}, nil
}

// runCacheSweeper deletes expired relevance cache rows on an interval until
// ctx is canceled.
func runCacheSweeper(ctx context.Context, st store.Store, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.DeleteExpiredRelevance(ctx)
			if err != nil {
				zap.L().Warn("relevance cache sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				zap.L().Info("relevance cache swept", zap.Int("deleted", n))
			}
		}
	}
}
