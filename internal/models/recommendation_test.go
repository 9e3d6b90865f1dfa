package models

import "testing"

func TestRecommendationQuery_Validate(t *testing.T) {
	f := false
	tests := []struct {
		name         string
		query        *RecommendationQuery
		wantErr      bool
		wantLimit    int
		wantExcluded bool
	}{
		{"missing user", &RecommendationQuery{}, true, 0, false},
		{"negative limit", &RecommendationQuery{UserID: 1, Limit: -1}, true, 0, false},
		{"sets default limit", &RecommendationQuery{UserID: 1}, false, 10, true},
		{"caps limit", &RecommendationQuery{UserID: 1, Limit: 500}, false, 100, true},
		{"keeps exclude_liked false", &RecommendationQuery{UserID: 1, Limit: 3, ExcludeLiked: &f}, false, 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.query.Validate(10, 100)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if tt.query.Limit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", tt.query.Limit, tt.wantLimit)
			}
			if *tt.query.ExcludeLiked != tt.wantExcluded {
				t.Errorf("exclude_liked = %v, want %v", *tt.query.ExcludeLiked, tt.wantExcluded)
			}
		})
	}
}

func TestIDSet(t *testing.T) {
	a := NewIDSet(3, 1)
	b := NewIDSet(2, 3)
	u := a.Union(b)
	got := u.Sorted()
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("Union().Sorted() = %v", got)
	}
	if len(a) != 2 {
		t.Error("Union must not modify the receiver")
	}
	var empty IDSet
	if empty.Has(1) {
		t.Error("nil set should contain nothing")
	}
}

func TestGuide_TagNames(t *testing.T) {
	g := &Guide{Tags: []Tag{{ID: 7, Name: "alps"}, {ID: 2, Name: "hiking"}}}
	names := g.TagNames()
	if len(names) != 2 || names[0] != "hiking" || names[1] != "alps" {
		t.Errorf("TagNames() = %v", names)
	}
}
