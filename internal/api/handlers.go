package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/datafinder/internal/model"
)

type startDiscoveryRequest struct {
	Prompt    string `json:"prompt"`
	ProjectID string `json:"project_id,omitempty"`
}

type startDiscoveryResponse struct {
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
}

func (s *Server) handleStartDiscovery(w http.ResponseWriter, r *http.Request) {
	var req startDiscoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.respondWithError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	project, err := s.env.StartDiscovery(r.Context(), req.ProjectID, req.Prompt)
	if err != nil {
		zap.L().Error("start discovery failed", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "could not start discovery")
		return
	}

	s.respondWithJSON(w, http.StatusAccepted, startDiscoveryResponse{ProjectID: project.ID, Status: "started"})
}

type projectStatusResponse struct {
	ProjectID        string            `json:"project_id"`
	OriginalPrompt   string            `json:"original_prompt"`
	GeneratedQueries []string          `json:"generated_queries"`
	Stats            model.SourceStats `json:"stats"`
	Complete         bool              `json:"complete"`
	Sources          []model.Source    `json:"sources"`
	RateLimited      []model.Source    `json:"rate_limited_sources"`
	TopSources       []model.Source    `json:"top_sources"`
}

func (s *Server) handleProjectStatus(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	project, err := s.store.GetProject(r.Context(), projectID)
	if err != nil {
		zap.L().Error("get project failed", zap.String("project_id", projectID), zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "could not load project")
		return
	}
	if project == nil {
		s.respondWithError(w, http.StatusNotFound, "project not found")
		return
	}

	stats := model.ComputeStats(project.Sources)
	resp := projectStatusResponse{
		ProjectID:        project.ID,
		OriginalPrompt:   project.OriginalPrompt,
		GeneratedQueries: project.GeneratedQueries,
		Stats:            stats,
		Complete:         stats.Complete(),
		Sources:          project.Sources,
		RateLimited:      filterByStatus(project.Sources, model.StatusRateLimited),
		TopSources:       topSources(project.Sources, 10),
	}
	s.respondWithJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProjectSources(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	status := model.SourceStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		s.respondWithError(w, http.StatusBadRequest, "unknown status: "+string(status))
		return
	}

	sources, err := s.store.ListSources(r.Context(), projectID, status)
	if err != nil {
		zap.L().Error("list sources failed", zap.String("project_id", projectID), zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "could not list sources")
		return
	}
	if sources == nil {
		sources = []model.Source{}
	}
	s.respondWithJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

// handleFirecrawlWebhook acknowledges crawl event callbacks. Scrapes are
// synchronous today, so the body is dropped after a read for logging.
func (s *Server) handleFirecrawlWebhook(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
		if t, ok := body["type"].(string); ok {
			zap.L().Debug("firecrawl webhook received", zap.String("type", t))
		}
	}
	s.respondWithJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		zap.L().Error("health check failed", zap.Error(err))
		s.respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"store": "unhealthy"})
		return
	}
	s.respondWithJSON(w, http.StatusOK, map[string]string{"store": "healthy"})
}

func filterByStatus(sources []model.Source, status model.SourceStatus) []model.Source {
	out := []model.Source{}
	for _, src := range sources {
		if src.Status == status {
			out = append(out, src)
		}
	}
	return out
}

// topSources returns up to n enriched sources, best quality first.
func topSources(sources []model.Source, n int) []model.Source {
	out := []model.Source{}
	for _, src := range sources {
		if src.Status == model.StatusEnriched {
			out = append(out, src)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return qualityOf(out[i]) > qualityOf(out[j])
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func qualityOf(src model.Source) int {
	if src.QualityRating == nil {
		return 0
	}
	return *src.QualityRating
}

func (s *Server) respondWithError(w http.ResponseWriter, code int, message string) {
	s.respondWithJSON(w, code, map[string]string{"error": message})
}

func (s *Server) respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
