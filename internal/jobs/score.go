package jobs

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/datafinder/internal/model"
	"github.com/sells-group/datafinder/internal/queue"
)

// HandleRelevanceScore scores one batch of candidates. Each URL is handled
// independently: a scoring failure leaves that source pending and is
// reported at the end, so the retry only redoes the leftovers. Scores above
// the threshold validate the source and schedule enrichment; everything
// else is rejected.
func (e *Env) HandleRelevanceScore(ctx context.Context, task queue.Task) error {
	var p ScoreBatchPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return eris.Wrap(err, "jobs: decode score payload")
	}

	log := zap.L().With(zap.String("project_id", p.ProjectID))

	pending, err := e.store.ListSources(ctx, p.ProjectID, model.StatusPendingValidation)
	if err != nil {
		return err
	}
	pendingSet := make(map[string]struct{}, len(pending))
	for _, src := range pending {
		pendingSet[NormalizeURL(src.URL)] = struct{}{}
	}

	var failed []error
	for _, c := range p.Candidates {
		normalized := NormalizeURL(c.URL)
		if _, ok := pendingSet[normalized]; !ok {
			continue
		}
		if err := e.scoreOne(ctx, p.ProjectID, p.Intent, c, normalized); err != nil {
			log.Warn("scoring failed", zap.String("url", c.URL), zap.Error(err))
			failed = append(failed, err)
		}
	}

	if len(failed) > 0 {
		return eris.Wrapf(failed[0], "jobs: %d of %d candidates failed scoring", len(failed), len(p.Candidates))
	}
	return nil
}

func (e *Env) scoreOne(ctx context.Context, projectID string, intentData model.ParsedIntent, c model.Candidate, normalized string) error {
	score, sourceType, err := e.relevanceFor(ctx, intentData, c, normalized)
	if err != nil {
		return err
	}

	status := model.StatusRejected
	if score > e.opts.ScoreThreshold {
		status = model.StatusValidated
	}
	if err := e.store.UpdateSourceScore(ctx, projectID, c.URL, score, sourceType, status); err != nil {
		return err
	}

	zap.L().Debug("source scored",
		zap.String("project_id", projectID),
		zap.String("url", c.URL),
		zap.Int("score", score),
		zap.String("status", string(status)),
	)

	if status != model.StatusValidated {
		return nil
	}
	_, err = e.queue.EnqueueAfter(ctx, HandlerSourceEnrich, EnrichPayload{
		ProjectID: projectID,
		Intent:    intentData,
		URL:       c.URL,
	}, e.opts.EnrichDelay)
	return err
}

// relevanceFor consults the cross-project cache before spending an LLM
// call. Cache writes are best effort; a failed write costs a future call,
// not correctness.
func (e *Env) relevanceFor(ctx context.Context, intentData model.ParsedIntent, c model.Candidate, normalized string) (int, string, error) {
	if entry, err := e.store.GetCachedRelevance(ctx, normalized); err != nil {
		zap.L().Warn("relevance cache read failed", zap.String("url", normalized), zap.Error(err))
	} else if entry != nil {
		return entry.RelevanceScore, entry.SourceType, nil
	}

	res, err := e.intel.ScoreRelevance(ctx, intentData, c.Title, c.Snippet)
	if err != nil {
		return 0, "", err
	}

	if err := e.store.SetCachedRelevance(ctx, normalized, res.RelevanceScore, res.SourceType, e.opts.CacheTTL); err != nil {
		zap.L().Warn("relevance cache write failed", zap.String("url", normalized), zap.Error(err))
	}
	return res.RelevanceScore, res.SourceType, nil
}
