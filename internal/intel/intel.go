// Package intel holds the LLM-backed analysis steps: intent extraction,
// relevance scoring, and schema detection.
package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/datafinder/internal/model"
	"github.com/sells-group/datafinder/internal/resilience"
	"github.com/sells-group/datafinder/pkg/anthropic"
)

// Source type vocabulary the scorer is allowed to emit. Anything else is
// coerced to Irrelevant.
const (
	SourceTypeAPI        = "API"
	SourceTypeDataset    = "Dataset"
	SourceTypeArticle    = "Article"
	SourceTypeIrrelevant = "Irrelevant"
)

// RelevanceResult is one scored candidate.
type RelevanceResult struct {
	RelevanceScore int    `json:"relevance_score"`
	SourceType     string `json:"source_type"`
}

// SchemaResult is the outcome of analyzing scraped content.
type SchemaResult struct {
	FeaturesFound []string `json:"features_found"`
	QualityRating int      `json:"quality_rating"`
}

// Service runs the analysis prompts against an Anthropic model.
type Service struct {
	client anthropic.Client
	model  string
	retry  resilience.Policy
}

func NewService(client anthropic.Client, modelID string) *Service {
	return &Service{
		client: client,
		model:  modelID,
		retry:  resilience.DefaultPolicy(),
	}
}

const intentSystemPrompt = `You are an expert data discovery assistant. Extract structured information from the user's request.

Return ONLY valid JSON with this exact structure:
{
  "target_variable": "what the user wants to predict/analyze",
  "feature_requirements": ["list", "of", "required", "data", "points"],
  "search_queries": ["3-5", "specific", "search", "queries", "to", "find", "this", "data"]
}

Generate search queries that target:
- Government APIs and datasets
- Academic/research databases
- Open data portals
- Kaggle datasets
- GitHub repositories with relevant data

Be specific and use terms like "API", "dataset", "CSV", "open data" in queries.`

// ExtractIntent turns the user's prompt into a target variable, feature
// list, and search queries. It fails rather than guessing: a response with
// no target or no queries is an error so the pipeline stops instead of
// searching for nothing.
func (s *Service) ExtractIntent(ctx context.Context, prompt string) (*model.ParsedIntent, error) {
	raw, err := s.complete(ctx, "extract_intent", intentSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	var intent model.ParsedIntent
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &intent); err != nil {
		return nil, eris.Wrap(err, "intel: decode intent response")
	}
	if strings.TrimSpace(intent.TargetVariable) == "" {
		return nil, eris.New("intel: intent missing target variable")
	}
	if len(intent.SearchQueries) == 0 {
		return nil, eris.New("intel: intent produced no search queries")
	}
	return &intent, nil
}

const relevanceSystemPrompt = `You are a data source evaluator. Rate how relevant this source is for the user's data needs.

User needs:
- Target: %s
- Required features: %s

Return ONLY valid JSON:
{
  "relevance_score": <number 0-100>,
  "source_type": "<API|Dataset|Article|Irrelevant>"
}

Score guidelines:
- 90-100: Perfect match with target and features
- 70-89: Good match, has most required data
- 40-69: Partial match, missing some features
- 0-39: Poor match or irrelevant`

// ScoreRelevance rates one candidate from its title and search snippet.
// Scores are clamped to [0, 100]; an absent score decodes as 0, which the
// caller treats as a rejection rather than an error.
func (s *Service) ScoreRelevance(ctx context.Context, intent model.ParsedIntent, title, snippet string) (*RelevanceResult, error) {
	system := fmt.Sprintf(relevanceSystemPrompt,
		intent.TargetVariable, strings.Join(intent.FeatureRequirements, ", "))
	user := fmt.Sprintf("Title: %s\n\nSnippet: %s", title, truncate(snippet, 1000))

	raw, err := s.complete(ctx, "score_relevance", system, user)
	if err != nil {
		return nil, err
	}

	var res RelevanceResult
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &res); err != nil {
		return nil, eris.Wrap(err, "intel: decode relevance response")
	}
	res.RelevanceScore = clamp(res.RelevanceScore, 0, 100)
	switch res.SourceType {
	case SourceTypeAPI, SourceTypeDataset, SourceTypeArticle:
	default:
		res.SourceType = SourceTypeIrrelevant
	}
	return &res, nil
}

const schemaSystemPrompt = `You are a data schema analyzer. Determine if this scraped content contains the required features.

User needs:
- Target: %s
- Required features: %s

Analyze the sample and return ONLY valid JSON:
{
  "features_found": ["list", "of", "matching", "features"],
  "quality_rating": <number 0-100>
}

Quality rating guidelines:
- 90-100: Complete, clean, well-structured data
- 70-89: Good data with minor issues
- 40-69: Usable but requires significant cleaning
- 0-39: Poor quality or incomplete`

// SchemaExcerptLimit bounds how much scraped markdown is sent for analysis.
const SchemaExcerptLimit = 2000

// DetectSchema checks scraped content for the required features and rates
// its quality. Only the first SchemaExcerptLimit characters are sent.
func (s *Service) DetectSchema(ctx context.Context, intent model.ParsedIntent, scraped string) (*SchemaResult, error) {
	system := fmt.Sprintf(schemaSystemPrompt,
		intent.TargetVariable, strings.Join(intent.FeatureRequirements, ", "))
	user := fmt.Sprintf("Analyze this data sample:\n\n%s", truncate(scraped, SchemaExcerptLimit))

	raw, err := s.complete(ctx, "detect_schema", system, user)
	if err != nil {
		return nil, err
	}

	var res SchemaResult
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &res); err != nil {
		return nil, eris.Wrap(err, "intel: decode schema response")
	}
	res.QualityRating = clamp(res.QualityRating, 0, 100)
	return &res, nil
}

func (s *Service) complete(ctx context.Context, phase, system, user string) (string, error) {
	policy := s.retry
	policy.OnRetry = resilience.RetryLogger("anthropic", phase)

	resp, err := resilience.DoVal(ctx, policy, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return s.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     s.model,
			MaxTokens: 1024,
			System:    system,
			Messages:  []anthropic.Message{{Role: "user", Content: user}},
		})
	})
	if err != nil {
		return "", eris.Wrapf(err, "intel: %s", phase)
	}
	resp.Usage.LogCost(s.model, phase)

	text := resp.FirstText()
	if text == "" {
		return "", eris.Errorf("intel: %s returned no text content", phase)
	}
	return text, nil
}

// cleanJSON strips markdown code fences and any prose around the outermost
// JSON object. Models wrap JSON in fences often enough that decoding the
// raw text directly is unreliable.
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
