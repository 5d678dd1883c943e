package jobs

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/datafinder/internal/queue"
)

// HandleIntentExtract parses the prompt into a target, features, and search
// queries, persists them on the project, and schedules discovery. A failed
// extraction is returned as an error so the task retries and, eventually,
// deadlines with the reason on record.
func (e *Env) HandleIntentExtract(ctx context.Context, task queue.Task) error {
	var p IntentPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return eris.Wrap(err, "jobs: decode intent payload")
	}

	log := zap.L().With(zap.String("project_id", p.ProjectID))

	intent, err := e.intel.ExtractIntent(ctx, p.Prompt)
	if err != nil {
		return eris.Wrapf(err, "jobs: extract intent for project %s", p.ProjectID)
	}
	log.Info("intent extracted",
		zap.String("target", intent.TargetVariable),
		zap.Int("queries", len(intent.SearchQueries)),
	)

	if err := e.store.SetProjectIntent(ctx, p.ProjectID, p.Prompt, intent.SearchQueries); err != nil {
		return err
	}

	_, err = e.queue.EnqueueAfter(ctx, HandlerSourceDiscover, DiscoverPayload{
		ProjectID: p.ProjectID,
		Intent:    *intent,
	}, e.opts.DiscoverDelay)
	return err
}
