// Package models defines core data structures for guides, tags, users, and recommendations.
package models

import (
	"sort"
	"strings"
	"time"
)

// Tag is a case-normalized label attached to guides.
type Tag struct {
	ID   int64  `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
}

// NormalizeTagName returns the stored form of a tag name (trimmed, lower-case).
func NormalizeTagName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Guide is a user-authored document in the catalog.
type Guide struct {
	ID          int64     `json:"id" db:"id"`
	Title       string    `json:"title" db:"title"`
	Description string    `json:"description,omitempty" db:"description"`
	Tags        []Tag     `json:"tags" db:"-"`
	LikeCount   int       `json:"like_count" db:"like_count"`
	AuthorID    int64     `json:"author_id,omitempty" db:"author_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// TagNames returns the guide's tag names sorted by tag id.
func (g *Guide) TagNames() []string {
	tags := make([]Tag, len(g.Tags))
	copy(tags, g.Tags)
	sort.Slice(tags, func(i, j int) bool { return tags[i].ID < tags[j].ID })
	names := make([]string, 0, len(tags))
	for _, t := range tags {
		names = append(names, t.Name)
	}
	return names
}

// GuideInput is the input for creating or updating a guide.
type GuideInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	AuthorID    int64    `json:"author_id,omitempty"`
}

// User is a catalog user. Only the identity matters to the recommendation engine.
type User struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
