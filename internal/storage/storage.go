// Package storage defines the relational guide catalog used by the recommendation engine.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/guiderec/internal/models"
)

// ErrNotFound is returned when a guide or user does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidInput is returned when a write is rejected before reaching the database.
var ErrInvalidInput = errors.New("invalid input")

// Catalog is the read-only query interface the recommendation engine and indexer depend on.
type Catalog interface {
	// FetchLikedGuides returns the guides userID liked, with tags, ordered by guide id.
	FetchLikedGuides(ctx context.Context, userID int64) ([]*models.Guide, error)
	FetchLikedGuideIDs(ctx context.Context, userID int64) (models.IDSet, error)
	FetchAuthoredGuideIDs(ctx context.Context, userID int64) (models.IDSet, error)
	// FetchGuidesByIDs returns the existing guides among ids in the order requested.
	FetchGuidesByIDs(ctx context.Context, ids []int64) ([]*models.Guide, error)
	// FetchPopularGuides returns guide ids by like_count descending, then id ascending.
	FetchPopularGuides(ctx context.Context, limit int, exclude models.IDSet) ([]int64, error)
	// FetchGuidesByTags returns ids of guides carrying any of tagIDs, by matching-tag count
	// descending, then id ascending.
	FetchGuidesByTags(ctx context.Context, tagIDs []int64, exclude models.IDSet, limit int) ([]int64, error)
	// FetchAllGuidesPaginated returns guides with tags ordered by id.
	FetchAllGuidesPaginated(ctx context.Context, offset, batchSize int) ([]*models.Guide, error)
	GetGuide(ctx context.Context, id int64) (*models.Guide, error)
	FetchTagsByIDs(ctx context.Context, ids []int64) ([]models.Tag, error)
}

// Storage is the full catalog including the writes performed by the API and seeding.
type Storage interface {
	Catalog

	CreateUser(ctx context.Context, name string) (*models.User, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)

	CreateGuide(ctx context.Context, in *models.GuideInput) (*models.Guide, error)
	UpdateGuide(ctx context.Context, id int64, in *models.GuideInput) (*models.Guide, error)
	DeleteGuide(ctx context.Context, id int64) error

	LikeGuide(ctx context.Context, userID, guideID int64) error
	UnlikeGuide(ctx context.Context, userID, guideID int64) error

	CountGuides(ctx context.Context) (int64, error)
	CountUsers(ctx context.Context) (int64, error)

	Close() error
}
