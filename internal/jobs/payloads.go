package jobs

import (
	"github.com/sells-group/datafinder/internal/model"
)

// Handler names as stored in the tasks table. Renaming one orphans any
// queued tasks that reference the old name.
const (
	HandlerIntentExtract  = "intent_extract"
	HandlerSourceDiscover = "source_discover"
	HandlerRelevanceScore = "relevance_score"
	HandlerSourceEnrich   = "source_enrich"
)

// IntentPayload starts a discovery run.
type IntentPayload struct {
	ProjectID string `json:"project_id"`
	Prompt    string `json:"prompt"`
}

// DiscoverPayload fans out the generated search queries.
type DiscoverPayload struct {
	ProjectID string             `json:"project_id"`
	Intent    model.ParsedIntent `json:"intent"`
}

// ScoreBatchPayload scores one batch of candidates. Batches are capped at
// ScoreBatchSize so a single slow batch never blocks the whole project.
type ScoreBatchPayload struct {
	ProjectID  string             `json:"project_id"`
	Intent     model.ParsedIntent `json:"intent"`
	Candidates []model.Candidate  `json:"candidates"`
}

// EnrichPayload scrapes and analyzes one validated source.
type EnrichPayload struct {
	ProjectID string             `json:"project_id"`
	Intent    model.ParsedIntent `json:"intent"`
	URL       string             `json:"url"`
}
