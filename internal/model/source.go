// Package model defines the core domain types for the dataset discovery pipeline.
package model

import "time"

// SourceStatus is the lifecycle state of a discovered source.
type SourceStatus string

const (
	// StatusPendingValidation is the initial state set by the discoverer.
	StatusPendingValidation SourceStatus = "pending_validation"
	// StatusValidated means the source passed the relevance threshold and is
	// awaiting (or undergoing) enrichment.
	StatusValidated SourceStatus = "validated"
	// StatusRejected is terminal: the relevance score was at or below threshold.
	StatusRejected SourceStatus = "rejected"
	// StatusCrawling means an enrichment scrape is in flight.
	StatusCrawling SourceStatus = "crawling"
	// StatusRateLimited means the scrape was rate limited; the source is parked
	// until retry_after and the enrichment task is rescheduled.
	StatusRateLimited SourceStatus = "rate_limited"
	// StatusEnriched is terminal: scrape and schema detection succeeded and the
	// enrichment fields are populated.
	StatusEnriched SourceStatus = "enriched"
	// StatusFailed is terminal: the scrape failed permanently or returned no
	// extractable content.
	StatusFailed SourceStatus = "failed"
)

// AllSourceStatuses returns every defined status value.
func AllSourceStatuses() []SourceStatus {
	return []SourceStatus{
		StatusPendingValidation,
		StatusValidated,
		StatusRejected,
		StatusCrawling,
		StatusRateLimited,
		StatusEnriched,
		StatusFailed,
	}
}

// Terminal reports whether the status is an end state of the source lifecycle.
func (s SourceStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusEnriched, StatusFailed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the defined status values.
func (s SourceStatus) Valid() bool {
	for _, v := range AllSourceStatuses() {
		if s == v {
			return true
		}
	}
	return false
}

// CredibilityTier classifies the trustworthiness of a source's host.
type CredibilityTier string

const (
	TierHigh   CredibilityTier = "high"
	TierMedium CredibilityTier = "medium"
	// TierLow is defined for completeness but nothing currently produces it.
	TierLow CredibilityTier = "low"
)

// RawDataSample is a bounded excerpt of scraped content plus page metadata.
type RawDataSample struct {
	Markdown string            `json:"markdown"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Source is one discovered URL within a project. The URL is stored as
// discovered (not normalized) and is unique within its project.
type Source struct {
	ProjectID       string          `json:"project_id" db:"project_id"`
	URL             string          `json:"url" db:"url"`
	Title           string          `json:"title,omitempty" db:"title"`
	Status          SourceStatus    `json:"status" db:"status"`
	RelevanceScore  *int            `json:"relevance_score,omitempty" db:"relevance_score"`
	SourceType      string          `json:"source_type,omitempty" db:"source_type"`
	FeaturesFound   []string        `json:"features_found,omitempty" db:"features_found"`
	QualityRating   *int            `json:"quality_rating,omitempty" db:"quality_rating"`
	CredibilityTier CredibilityTier `json:"credibility_tier,omitempty" db:"credibility_tier"`
	RawDataSample   *RawDataSample  `json:"raw_data_sample,omitempty" db:"raw_data_sample"`
	LastCrawled     *time.Time      `json:"last_crawled,omitempty" db:"last_crawled"`
	RetryAfter      *time.Time      `json:"retry_after,omitempty" db:"retry_after"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Candidate is a search hit carried from the discoverer to the relevance
// evaluator: the discovered URL plus whatever title/snippet context the
// search returned.
type Candidate struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}
