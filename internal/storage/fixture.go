package storage

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hyperjump/guiderec/internal/models"
)

// Fixture is a YAML description of users, guides and likes used to seed a catalog.
type Fixture struct {
	Users  []FixtureUser  `yaml:"users"`
	Guides []FixtureGuide `yaml:"guides"`
}

// FixtureUser is a user referenced by name from guides.
type FixtureUser struct {
	Name string `yaml:"name"`
}

// FixtureGuide is a guide with its author and the users who like it.
type FixtureGuide struct {
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Tags        []string `yaml:"tags"`
	Author      string   `yaml:"author"`
	LikedBy     []string `yaml:"liked_by"`
}

// SeedResult reports what Apply created.
type SeedResult struct {
	Users  map[string]int64
	Guides []*models.Guide
}

// LoadFixture reads a fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}
	return &f, nil
}

// Apply creates the fixture's users, guides and likes in s.
func (f *Fixture) Apply(ctx context.Context, s Storage) (*SeedResult, error) {
	res := &SeedResult{Users: make(map[string]int64, len(f.Users))}
	for _, u := range f.Users {
		if _, dup := res.Users[u.Name]; dup {
			return nil, fmt.Errorf("duplicate fixture user %q", u.Name)
		}
		created, err := s.CreateUser(ctx, u.Name)
		if err != nil {
			return nil, fmt.Errorf("create user %q: %w", u.Name, err)
		}
		res.Users[u.Name] = created.ID
	}
	lookup := func(name string) (int64, error) {
		id, ok := res.Users[name]
		if !ok {
			return 0, fmt.Errorf("fixture references unknown user %q", name)
		}
		return id, nil
	}

	for _, fg := range f.Guides {
		in := &models.GuideInput{Title: fg.Title, Description: fg.Description, Tags: fg.Tags}
		if fg.Author != "" {
			id, err := lookup(fg.Author)
			if err != nil {
				return nil, err
			}
			in.AuthorID = id
		}
		g, err := s.CreateGuide(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("create guide %q: %w", fg.Title, err)
		}
		for _, name := range fg.LikedBy {
			uid, err := lookup(name)
			if err != nil {
				return nil, err
			}
			if err := s.LikeGuide(ctx, uid, g.ID); err != nil {
				return nil, fmt.Errorf("like guide %q: %w", fg.Title, err)
			}
		}
		if len(fg.LikedBy) > 0 {
			if g, err = s.GetGuide(ctx, g.ID); err != nil {
				return nil, err
			}
		}
		res.Guides = append(res.Guides, g)
	}
	return res, nil
}
