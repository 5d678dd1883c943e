package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/datafinder/internal/model"
	"github.com/sells-group/datafinder/internal/queue"
	"github.com/sells-group/datafinder/internal/resilience"
	"github.com/sells-group/datafinder/internal/store"
	"github.com/sells-group/datafinder/pkg/firecrawl"
)

// HandleSourceEnrich scrapes one validated source and runs schema detection
// on the content. Rate limits and transient upstream failures defer the
// source instead of failing it: the source is marked rate_limited with a
// retry time and the same payload is re-enqueued for then. Hard failures
// mark the source failed.
func (e *Env) HandleSourceEnrich(ctx context.Context, task queue.Task) error {
	var p EnrichPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return eris.Wrap(err, "jobs: decode enrich payload")
	}

	log := zap.L().With(
		zap.String("project_id", p.ProjectID),
		zap.String("url", p.URL),
	)

	if err := e.store.MarkSourceCrawling(ctx, p.ProjectID, p.URL); err != nil {
		return err
	}

	page, err := e.crawler.Scrape(ctx, p.URL)
	if err != nil {
		if delay, deferrable := e.deferralDelay(err); deferrable {
			return e.deferSource(ctx, p, delay, err)
		}
		log.Warn("scrape failed", zap.Error(err))
		if serr := e.store.UpdateSourceStatus(ctx, p.ProjectID, p.URL, model.StatusFailed); serr != nil {
			return serr
		}
		return eris.Wrapf(err, "jobs: scrape %s", p.URL)
	}

	markdown := strings.TrimSpace(page.Markdown)
	if markdown == "" {
		// Nothing to analyze; a retry would scrape the same empty page.
		log.Info("scrape returned no content")
		return e.store.UpdateSourceStatus(ctx, p.ProjectID, p.URL, model.StatusFailed)
	}

	schema, err := e.intel.DetectSchema(ctx, p.Intent, markdown)
	if err != nil {
		if serr := e.store.UpdateSourceStatus(ctx, p.ProjectID, p.URL, model.StatusFailed); serr != nil {
			return serr
		}
		return eris.Wrapf(err, "jobs: detect schema for %s", p.URL)
	}

	sample := model.RawDataSample{
		Markdown: truncate(markdown, e.opts.SampleLimit),
		Metadata: pageMetadata(page),
	}
	enrichment := store.Enrichment{
		FeaturesFound:   schema.FeaturesFound,
		QualityRating:   schema.QualityRating,
		CredibilityTier: e.cred.Rate(p.URL),
		Sample:          sample,
		LastCrawled:     time.Now().UTC(),
	}
	if err := e.store.SetSourceEnriched(ctx, p.ProjectID, p.URL, enrichment); err != nil {
		return err
	}

	log.Info("source enriched",
		zap.Int("features_found", len(schema.FeaturesFound)),
		zap.Int("quality_rating", schema.QualityRating),
		zap.String("credibility", string(enrichment.CredibilityTier)),
	)
	return nil
}

// deferralDelay classifies a scrape error into a wait window. Rate limits
// honor the server's Retry-After when present; auth failures get the full
// penalty because key problems rarely fix themselves quickly; transient
// upstream trouble gets a shorter window.
func (e *Env) deferralDelay(err error) (time.Duration, bool) {
	var rle *firecrawl.RateLimitError
	if errors.As(err, &rle) {
		if rle.RetryAfter > 0 {
			return rle.RetryAfter, true
		}
		return e.opts.RateLimitPenalty, true
	}

	var apiErr *firecrawl.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return e.opts.RateLimitPenalty, true
		case resilience.IsTransientHTTPStatus(apiErr.StatusCode):
			return e.opts.TransientPenalty, true
		}
		return 0, false
	}

	if resilience.IsTransient(err) {
		return e.opts.TransientPenalty, true
	}
	return 0, false
}

// deferSource parks the source as rate_limited and re-enqueues the same
// payload at the retry time. The current task completes; the deferred task
// owns the rerun.
func (e *Env) deferSource(ctx context.Context, p EnrichPayload, delay time.Duration, cause error) error {
	retryAt := time.Now().UTC().Add(delay)

	zap.L().Info("source deferred",
		zap.String("project_id", p.ProjectID),
		zap.String("url", p.URL),
		zap.Time("retry_at", retryAt),
		zap.Error(cause),
	)

	if err := e.store.SetSourceRateLimited(ctx, p.ProjectID, p.URL, retryAt); err != nil {
		return err
	}
	_, err := e.queue.EnqueueAt(ctx, HandlerSourceEnrich, p, retryAt)
	return err
}

func pageMetadata(page *firecrawl.ScrapeResult) map[string]string {
	md := make(map[string]string)
	if page.Metadata.Title != "" {
		md["title"] = page.Metadata.Title
	}
	if page.Metadata.Description != "" {
		md["description"] = page.Metadata.Description
	}
	if page.Metadata.Language != "" {
		md["language"] = page.Metadata.Language
	}
	if page.Metadata.SourceURL != "" {
		md["source_url"] = page.Metadata.SourceURL
	}
	if page.Metadata.StatusCode != 0 {
		md["status_code"] = strconv.Itoa(page.Metadata.StatusCode)
	}
	return md
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
