package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/guiderec/internal/models"
	"github.com/hyperjump/guiderec/internal/recommend"
	"github.com/hyperjump/guiderec/internal/storage"
)

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// queryLimit returns the limit query parameter, 0 when absent.
func queryLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func (s *Server) clampLimit(limit int) int {
	if limit == 0 {
		limit = s.config.Recommend.DefaultLimit
	}
	if limit > s.config.Recommend.MaxLimit {
		limit = s.config.Recommend.MaxLimit
	}
	return limit
}

func (s *Server) respondRecommendations(w http.ResponseWriter, r *http.Request, userID int64, ids []int64, started time.Time) {
	summaries, err := recommend.Hydrate(r.Context(), s.storage, ids)
	if err != nil {
		// Recommendations never fail the request.
		s.logger.Warn("hydrate recommendations failed", zap.Error(err))
		summaries = []*models.GuideSummary{}
	}
	s.respondJSON(w, http.StatusOK, &models.RecommendationResponse{
		UserID:          userID,
		Recommendations: summaries,
		QueryTime:       time.Since(started).Milliseconds(),
	})
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	userID, ok := pathID(r, "id")
	if !ok {
		s.respondError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	query := models.RecommendationQuery{UserID: userID, Limit: limit}
	if v := r.URL.Query().Get("exclude_liked"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid exclude_liked")
			return
		}
		query.ExcludeLiked = &b
	}
	if err := query.Validate(s.config.Recommend.DefaultLimit, s.config.Recommend.MaxLimit); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Debug("recommendations request", zap.Int64("user_id", userID), zap.Int("limit", query.Limit))
	ids := s.engine.Recommend(r.Context(), userID, query.Limit, *query.ExcludeLiked)
	s.respondRecommendations(w, r, userID, ids, started)
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	guideID, ok := pathID(r, "id")
	if !ok {
		s.respondError(w, http.StatusBadRequest, "invalid guide id")
		return
	}
	limit, err := queryLimit(r)
	if err != nil || limit < 0 {
		s.respondError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	ids, err := s.engine.Similar(r.Context(), guideID, s.clampLimit(limit))
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "guide not found")
		return
	}
	if err != nil {
		s.logger.Error("similar guides failed", zap.Int64("guide_id", guideID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondRecommendations(w, r, 0, ids, started)
}

func (s *Server) handleByTags(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var query models.TagQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(query.TagIDs) == 0 {
		s.respondError(w, http.StatusBadRequest, "tag_ids is required")
		return
	}
	if query.Limit < 0 {
		s.respondError(w, http.StatusBadRequest, "limit cannot be negative")
		return
	}
	ids := s.engine.ByTags(r.Context(), query.TagIDs, s.clampLimit(query.Limit))
	s.respondRecommendations(w, r, 0, ids, started)
}

func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrInvalidInput):
		s.respondError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error(op+" failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleCreateGuide(w http.ResponseWriter, r *http.Request) {
	var input models.GuideInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	g, err := s.storage.CreateGuide(r.Context(), &input)
	if err != nil {
		s.writeError(w, "create guide", err)
		return
	}
	s.notifier.GuideChanged(r.Context(), g)
	s.respondJSON(w, http.StatusCreated, g)
}

func (s *Server) handleGetGuide(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		s.respondError(w, http.StatusBadRequest, "invalid guide id")
		return
	}
	g, err := s.storage.GetGuide(r.Context(), id)
	if err != nil {
		s.writeError(w, "get guide", err)
		return
	}
	s.respondJSON(w, http.StatusOK, g)
}

func (s *Server) handleUpdateGuide(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		s.respondError(w, http.StatusBadRequest, "invalid guide id")
		return
	}
	var input models.GuideInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	g, err := s.storage.UpdateGuide(r.Context(), id, &input)
	if err != nil {
		s.writeError(w, "update guide", err)
		return
	}
	s.notifier.GuideChanged(r.Context(), g)
	s.respondJSON(w, http.StatusOK, g)
}

func (s *Server) handleDeleteGuide(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		s.respondError(w, http.StatusBadRequest, "invalid guide id")
		return
	}
	s.logger.Debug("delete guide request", zap.Int64("guide_id", id))
	if err := s.storage.DeleteGuide(r.Context(), id); err != nil {
		s.writeError(w, "delete guide", err)
		return
	}
	s.notifier.GuideDeleted(r.Context(), id)
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) changeLike(w http.ResponseWriter, r *http.Request, like bool) {
	guideID, ok := pathID(r, "id")
	if !ok {
		s.respondError(w, http.StatusBadRequest, "invalid guide id")
		return
	}
	userID, ok := pathID(r, "user")
	if !ok {
		s.respondError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	op, status := s.storage.LikeGuide, "liked"
	if !like {
		op, status = s.storage.UnlikeGuide, "unliked"
	}
	if err := op(r.Context(), userID, guideID); err != nil {
		s.writeError(w, status, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleLike(w http.ResponseWriter, r *http.Request) {
	s.changeLike(w, r, true)
}

func (s *Server) handleUnlike(w http.ResponseWriter, r *http.Request) {
	s.changeLike(w, r, false)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	n, err := s.engine.IndexAllGuides(r.Context())
	if err != nil {
		s.logger.Error("rebuild failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"indexed":     n,
		"duration_ms": time.Since(started).Milliseconds(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	guides, err := s.storage.CountGuides(ctx)
	if err != nil {
		s.logger.Error("status: count guides failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	users, err := s.storage.CountUsers(ctx)
	if err != nil {
		s.logger.Error("status: count users failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	engine := s.engine.Status()
	resp := map[string]interface{}{
		"guides":          guides,
		"users":           users,
		"index_type":      engine.IndexType,
		"index_documents": engine.IndexDocuments,
		"breakers":        engine.Breakers,
		"config": map[string]interface{}{
			"embedding_provider":   s.config.Embedding.Provider,
			"embedding_dimensions": s.config.Embedding.Dimensions,
			"database_path":        s.config.Storage.DatabasePath,
			"index_path":           s.config.Storage.IndexPath,
			"async_updates":        s.config.Index.AsyncUpdatesOrDefault(),
		},
	}
	if usage, err := storage.DiskUsage(s.config.Storage.DatabasePath, s.config.Storage.IndexPath); err == nil {
		resp["disk_usage_bytes"] = usage.Total()
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
