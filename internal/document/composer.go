package document

import (
	"sort"
	"strings"

	"github.com/hyperjump/guiderec/internal/models"
)

// Weights is the number of times each field is repeated in a composed document.
type Weights struct {
	Title       int
	Description int
	Tags        int
}

// DefaultWeights biases title over description over tags.
var DefaultWeights = Weights{Title: 5, Description: 3, Tags: 2}

// Composer builds the weighted text representation of a guide.
type Composer struct {
	weights Weights
}

// NewComposer returns a composer using w. Negative weights are treated as zero.
func NewComposer(w Weights) *Composer {
	if w.Title < 0 {
		w.Title = 0
	}
	if w.Description < 0 {
		w.Description = 0
	}
	if w.Tags < 0 {
		w.Tags = 0
	}
	return &Composer{weights: w}
}

// Weights returns the composer's field weights.
func (c *Composer) Weights() Weights {
	return c.weights
}

// Compose returns the normalized title repeated Title times, the normalized description
// repeated Description times and the normalized, space-joined tag names repeated Tags times,
// all separated by single spaces. Empty fields contribute nothing; if every field is empty
// the result is "" and the guide has nothing to index.
func (c *Composer) Compose(title, description string, tags []string) string {
	parts := make([]string, 0, c.weights.Title+c.weights.Description+c.weights.Tags)
	parts = repeat(parts, Normalize(title), c.weights.Title)
	parts = repeat(parts, Normalize(description), c.weights.Description)
	parts = repeat(parts, joinTags(tags), c.weights.Tags)
	return strings.Join(parts, " ")
}

// ComposeGuide composes g's title, description and tags.
func (c *Composer) ComposeGuide(g *models.Guide) string {
	if g == nil {
		return ""
	}
	return c.Compose(g.Title, g.Description, g.TagNames())
}

// joinTags normalizes tag names and joins them in sorted order; tags are a set, so
// order must not change the composed text.
func joinTags(tags []string) string {
	names := make([]string, 0, len(tags))
	for _, t := range tags {
		if n := Normalize(t); n != "" {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return strings.Join(names, " ")
}

func repeat(parts []string, s string, n int) []string {
	if s == "" {
		return parts
	}
	for i := 0; i < n; i++ {
		parts = append(parts, s)
	}
	return parts
}
