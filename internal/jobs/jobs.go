// Package jobs implements the discovery pipeline stages. Each stage is a
// queue handler; stages hand off by enqueuing the next stage's task, so
// progress survives process restarts.
package jobs

import (
	"context"
	"time"

	"github.com/sells-group/datafinder/internal/intel"
	"github.com/sells-group/datafinder/internal/model"
	"github.com/sells-group/datafinder/internal/queue"
	"github.com/sells-group/datafinder/internal/store"
	"github.com/sells-group/datafinder/pkg/firecrawl"
)

// Pipeline defaults. Delays between stages are short debounces that let a
// burst of writes settle before the next stage reads them.
const (
	DefaultScoreThreshold = 70 // strictly greater passes
	DefaultScoreBatchSize = 5
	DefaultSearchLimit    = 10
	DefaultCacheTTL       = 24 * time.Hour
	DefaultSampleLimit    = 5000

	DefaultDiscoverDelay = 5 * time.Second
	DefaultScoreDelay    = 10 * time.Second
	DefaultEnrichDelay   = 15 * time.Second

	// Deferral windows for enrichment scrapes that cannot proceed now.
	DefaultRateLimitPenalty = time.Hour        // 429 without Retry-After, 401, 403
	DefaultTransientPenalty = 30 * time.Minute // 408, 5xx, network timeouts
)

// Options tune the pipeline. Zero values take the defaults above.
type Options struct {
	ScoreThreshold int
	ScoreBatchSize int
	SearchLimit    int
	CacheTTL       time.Duration
	SampleLimit    int

	DiscoverDelay time.Duration
	ScoreDelay    time.Duration
	EnrichDelay   time.Duration

	RateLimitPenalty time.Duration
	TransientPenalty time.Duration
}

func (o Options) withDefaults() Options {
	if o.ScoreThreshold <= 0 {
		o.ScoreThreshold = DefaultScoreThreshold
	}
	if o.ScoreBatchSize <= 0 {
		o.ScoreBatchSize = DefaultScoreBatchSize
	}
	if o.SearchLimit <= 0 {
		o.SearchLimit = DefaultSearchLimit
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = DefaultCacheTTL
	}
	if o.SampleLimit <= 0 {
		o.SampleLimit = DefaultSampleLimit
	}
	if o.DiscoverDelay <= 0 {
		o.DiscoverDelay = DefaultDiscoverDelay
	}
	if o.ScoreDelay <= 0 {
		o.ScoreDelay = DefaultScoreDelay
	}
	if o.EnrichDelay <= 0 {
		o.EnrichDelay = DefaultEnrichDelay
	}
	if o.RateLimitPenalty <= 0 {
		o.RateLimitPenalty = DefaultRateLimitPenalty
	}
	if o.TransientPenalty <= 0 {
		o.TransientPenalty = DefaultTransientPenalty
	}
	return o
}

// Env bundles the dependencies the stage handlers share.
type Env struct {
	store   store.Store
	queue   queue.Enqueuer
	crawler firecrawl.Client
	intel   *intel.Service
	cred    *CredibilityRater
	opts    Options
}

func NewEnv(st store.Store, q queue.Enqueuer, crawler firecrawl.Client, svc *intel.Service, cred *CredibilityRater, opts Options) *Env {
	if cred == nil {
		cred = NewCredibilityRater()
	}
	return &Env{
		store:   st,
		queue:   q,
		crawler: crawler,
		intel:   svc,
		cred:    cred,
		opts:    opts.withDefaults(),
	}
}

// Register wires every stage handler into the registry.
func (e *Env) Register(r *queue.Registry) {
	r.Register(HandlerIntentExtract, e.HandleIntentExtract)
	r.Register(HandlerSourceDiscover, e.HandleSourceDiscover)
	r.Register(HandlerRelevanceScore, e.HandleRelevanceScore)
	r.Register(HandlerSourceEnrich, e.HandleSourceEnrich)
}

// StartDiscovery creates the project record and enqueues the first stage.
// Calling it again with the same project ID is a no-op on the project row
// but does enqueue another intent task; the intent handler overwrites the
// same fields, so the rerun is harmless.
func (e *Env) StartDiscovery(ctx context.Context, projectID, prompt string) (*model.DiscoveryProject, error) {
	project, err := e.store.CreateProject(ctx, projectID, prompt)
	if err != nil {
		return nil, err
	}
	_, err = e.queue.Enqueue(ctx, HandlerIntentExtract, IntentPayload{
		ProjectID: project.ID,
		Prompt:    prompt,
	})
	if err != nil {
		return nil, err
	}
	return project, nil
}
