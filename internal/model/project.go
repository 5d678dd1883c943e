package model

import "time"

// ParsedIntent is the structured interpretation of the user's prompt,
// produced once by the intent extractor and carried unchanged through every
// later stage.
type ParsedIntent struct {
	TargetVariable      string   `json:"target_variable"`
	FeatureRequirements []string `json:"feature_requirements"`
	SearchQueries       []string `json:"search_queries"`
}

// DiscoveryProject is the durable record of one discovery run.
type DiscoveryProject struct {
	ID               string    `json:"project_id" db:"id"`
	OriginalPrompt   string    `json:"original_prompt" db:"original_prompt"`
	GeneratedQueries []string  `json:"generated_queries" db:"generated_queries"`
	Sources          []Source  `json:"sources"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// SourceStats are the derived per-status counts for a project. The project
// itself never stores a "done" flag; Complete is computed by the reader.
type SourceStats struct {
	Total             int `json:"total_sources"`
	PendingValidation int `json:"pending_validation"`
	Validated         int `json:"validated"`
	Rejected          int `json:"rejected"`
	Crawling          int `json:"crawling"`
	RateLimited       int `json:"rate_limited"`
	Enriched          int `json:"enriched"`
	Failed            int `json:"failed"`
}

// Complete reports whether every source has reached a terminal status.
// A run whose intent extraction failed (empty GeneratedQueries) is
// distinguishable from one that legitimately found nothing.
func (s SourceStats) Complete() bool {
	return s.Total > 0 && s.Total == s.Rejected+s.Enriched+s.Failed
}

// ComputeStats tallies sources by status.
func ComputeStats(sources []Source) SourceStats {
	var st SourceStats
	st.Total = len(sources)
	for _, src := range sources {
		switch src.Status {
		case StatusPendingValidation:
			st.PendingValidation++
		case StatusValidated:
			st.Validated++
		case StatusRejected:
			st.Rejected++
		case StatusCrawling:
			st.Crawling++
		case StatusRateLimited:
			st.RateLimited++
		case StatusEnriched:
			st.Enriched++
		case StatusFailed:
			st.Failed++
		}
	}
	return st
}
