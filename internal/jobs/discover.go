package jobs

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/datafinder/internal/model"
	"github.com/sells-group/datafinder/internal/queue"
)

// HandleSourceDiscover runs every search query concurrently, deduplicates
// the hits by normalized URL, appends them as pending sources, and
// schedules scoring in batches. One failed query does not sink the stage;
// only all queries failing does.
func (e *Env) HandleSourceDiscover(ctx context.Context, task queue.Task) error {
	var p DiscoverPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return eris.Wrap(err, "jobs: decode discover payload")
	}

	log := zap.L().With(zap.String("project_id", p.ProjectID))

	var mu sync.Mutex
	seen := make(map[string]struct{})
	var candidates []model.Candidate
	failures := 0

	g, gctx := errgroup.WithContext(ctx)
	for _, query := range p.Intent.SearchQueries {
		g.Go(func() error {
			results, err := e.crawler.Search(gctx, query, e.opts.SearchLimit)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				log.Warn("search query failed", zap.String("query", query), zap.Error(err))
				return nil
			}
			for _, r := range results {
				key := NormalizeURL(r.URL)
				if key == "" {
					continue
				}
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				candidates = append(candidates, model.Candidate{
					URL:     r.URL,
					Title:   r.Title,
					Snippet: r.Description,
				})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if failures == len(p.Intent.SearchQueries) {
		return eris.Errorf("jobs: all %d search queries failed for project %s", failures, p.ProjectID)
	}

	added, err := e.store.AppendSources(ctx, p.ProjectID, candidates)
	if err != nil {
		return err
	}
	log.Info("sources discovered",
		zap.Int("candidates", len(candidates)),
		zap.Int64("added", added),
		zap.Int("failed_queries", failures),
	)

	// Score only sources still pending; on a rerun the already-scored ones
	// drop out here.
	pending, err := e.store.ListSources(ctx, p.ProjectID, model.StatusPendingValidation)
	if err != nil {
		return err
	}
	pendingSet := make(map[string]struct{}, len(pending))
	for _, src := range pending {
		pendingSet[NormalizeURL(src.URL)] = struct{}{}
	}

	var toScore []model.Candidate
	for _, c := range candidates {
		if _, ok := pendingSet[NormalizeURL(c.URL)]; ok {
			toScore = append(toScore, c)
		}
	}

	for start := 0; start < len(toScore); start += e.opts.ScoreBatchSize {
		end := min(start+e.opts.ScoreBatchSize, len(toScore))
		_, err := e.queue.EnqueueAfter(ctx, HandlerRelevanceScore, ScoreBatchPayload{
			ProjectID:  p.ProjectID,
			Intent:     p.Intent,
			Candidates: toScore[start:end],
		}, e.opts.ScoreDelay)
		if err != nil {
			return err
		}
	}
	return nil
}
