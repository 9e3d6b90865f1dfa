package models

import "fmt"

// RecommendationQuery is a request for a user's recommendations.
type RecommendationQuery struct {
	UserID       int64 `json:"user_id"`
	Limit        int   `json:"limit,omitempty"`
	ExcludeLiked *bool `json:"exclude_liked,omitempty"`
}

// Validate checks the query and applies defaults. maxLimit caps Limit; defaultLimit is used when Limit is unset.
func (q *RecommendationQuery) Validate(defaultLimit, maxLimit int) error {
	if q.UserID <= 0 {
		return fmt.Errorf("user_id must be positive")
	}
	if q.Limit < 0 {
		return fmt.Errorf("limit cannot be negative")
	}
	if q.Limit == 0 {
		q.Limit = defaultLimit
	}
	if maxLimit > 0 && q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	if q.ExcludeLiked == nil {
		t := true
		q.ExcludeLiked = &t
	}
	return nil
}

// TagQuery is a request for recommendations seeded by explicit tags.
type TagQuery struct {
	TagIDs []int64 `json:"tag_ids"`
	Limit  int     `json:"limit,omitempty"`
}

// GuideSummary is the hydrated form of a recommended guide.
type GuideSummary struct {
	ID          int64    `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	CreatedAt   string   `json:"created_at"`
	LikeCount   int      `json:"like_count"`
}

// RecommendationResponse is the response for a recommendation request.
type RecommendationResponse struct {
	UserID          int64           `json:"user_id,omitempty"`
	Recommendations []*GuideSummary `json:"recommendations"`
	QueryTime       int64           `json:"query_time_ms"`
}
