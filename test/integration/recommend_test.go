// Package integration provides end-to-end tests over the HTTP API with real storage and indices.
package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"

	"github.com/hyperjump/guiderec/internal/config"
	"github.com/hyperjump/guiderec/internal/embedding"
	"github.com/hyperjump/guiderec/internal/indexer"
	"github.com/hyperjump/guiderec/internal/models"
	"github.com/hyperjump/guiderec/internal/recommend"
	"github.com/hyperjump/guiderec/internal/server"
	"github.com/hyperjump/guiderec/internal/storage"
	"github.com/hyperjump/guiderec/internal/vector"
)

const fixtureYAML = `
users:
  - name: alice
  - name: bob
  - name: carol
  - name: dave
  - name: erin
  - name: newcomer
guides:
  - title: Alps hiking
    description: Ridge walks and huts above Chamonix
    tags: [hiking, alps]
    author: bob
    liked_by: [alice, carol, dave, erin]
  - title: Dolomites hiking
    description: Via ferrata routes and mountain huts
    tags: [hiking]
    author: carol
    liked_by: [bob, dave]
  - title: Beach surfing
    description: Learning to surf on the Atlantic coast
    tags: [beach]
    author: dave
    liked_by: [bob, carol]
  - title: Sourdough bread
    description: Starter, folds and a hot oven
    tags: [baking]
    author: erin
    liked_by: [bob]
`

type env struct {
	store  *storage.SQLiteStorage
	index  vector.Index
	engine *recommend.Engine
	seed   *storage.SeedResult
	url    string
}

func newEnv(t *testing.T, backend string, async bool) *env {
	t.Helper()
	dir := t.TempDir()
	fixturePath := filepath.Join(dir, "fixture.yaml")
	if err := os.WriteFile(fixturePath, []byte(fixtureYAML), 0600); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Storage.DatabasePath = filepath.Join(dir, "guides.db")
	cfg.Storage.IndexPath = filepath.Join(dir, "index")
	cfg.Index.Backend = backend
	cfg.Index.AsyncUpdates = &async

	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	fixture, err := storage.LoadFixture(fixturePath)
	if err != nil {
		t.Fatal(err)
	}
	seed, err := fixture.Apply(ctx, store)
	if err != nil {
		t.Fatal(err)
	}

	embedder := embedding.NewCachedEmbedder(embedding.NewHashingEmbedder(cfg.Embedding.Dimensions), 1000)
	index, err := vector.NewIndex(vector.Options{Backend: backend, Path: cfg.Storage.IndexPath}, embedder)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = index.Close() })

	pipeline := indexer.NewPipeline(store, index, nil, indexer.WithBatchSize(2))
	engine := recommend.NewEngine(store, index, pipeline)
	if n, err := engine.IndexAllGuides(ctx); err != nil || n != 4 {
		t.Fatalf("IndexAllGuides = %d, %v", n, err)
	}

	var notifier indexer.Notifier = indexer.DirectNotifier{Pipeline: pipeline}
	if async {
		pubSub := gochannel.NewGoChannel(gochannel.Config{}, indexer.NewWatermillLogger(zap.NewNop()))
		t.Cleanup(func() { _ = pubSub.Close() })
		consumerCtx, cancel := context.WithCancel(ctx)
		t.Cleanup(cancel)
		if err := indexer.NewConsumer(pubSub, store, pipeline, nil).Start(consumerCtx); err != nil {
			t.Fatal(err)
		}
		notifier = indexer.NewPublisher(pubSub, nil)
	}

	srv := server.NewServer(engine, store, notifier, cfg, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &env{store: store, index: index, engine: engine, seed: seed, url: ts.URL}
}

func (e *env) guideID(t *testing.T, title string) int64 {
	t.Helper()
	for _, g := range e.seed.Guides {
		if g.Title == title {
			return g.ID
		}
	}
	t.Fatalf("no seeded guide %q", title)
	return 0
}

func (e *env) userID(name string) int64 {
	return e.seed.Users[name]
}

func (e *env) get(t *testing.T, path string) []int64 {
	t.Helper()
	resp, err := http.Get(e.url + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", path, resp.StatusCode)
	}
	var out models.RecommendationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	ids := make([]int64, 0, len(out.Recommendations))
	for _, g := range out.Recommendations {
		ids = append(ids, g.ID)
	}
	return ids
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func contains(ids []int64, id int64) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func TestIntegration_ColdStartIsPopularity(t *testing.T) {
	e := newEnv(t, "memory", false)
	got := e.get(t, "/api/v1/users/"+itoa(e.userID("newcomer"))+"/recommendations?limit=3")
	want := []int64{e.guideID(t, "Alps hiking"), e.guideID(t, "Dolomites hiking"), e.guideID(t, "Beach surfing")}
	if len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Errorf("cold start = %v, want %v", got, want)
	}
}

func TestIntegration_ContentRecommendationsExcludeLikedAndOwn(t *testing.T) {
	for _, backend := range []string{"memory", "bleve"} {
		t.Run(backend, func(t *testing.T) {
			e := newEnv(t, backend, false)
			// alice liked only the Alps guide and authored nothing.
			got := e.get(t, "/api/v1/users/"+itoa(e.userID("alice"))+"/recommendations?limit=3")
			if len(got) != 3 {
				t.Fatalf("recommendations = %v, want 3 ids", got)
			}
			if contains(got, e.guideID(t, "Alps hiking")) {
				t.Errorf("liked guide returned: %v", got)
			}
			if got[0] != e.guideID(t, "Dolomites hiking") {
				t.Errorf("top recommendation = %d, want the Dolomites guide", got[0])
			}

			// bob authored the Alps guide and liked the other three.
			got = e.get(t, "/api/v1/users/"+itoa(e.userID("bob"))+"/recommendations")
			if len(got) != 0 {
				t.Errorf("bob has nothing eligible, got %v", got)
			}
		})
	}
}

func TestIntegration_SimilarAndByTags(t *testing.T) {
	e := newEnv(t, "memory", false)
	alps := e.guideID(t, "Alps hiking")
	got := e.get(t, "/api/v1/guides/"+itoa(alps)+"/similar?limit=1")
	if len(got) != 1 || got[0] != e.guideID(t, "Dolomites hiking") {
		t.Errorf("similar = %v", got)
	}

	g, err := e.store.GetGuide(context.Background(), e.guideID(t, "Sourdough bread"))
	if err != nil {
		t.Fatal(err)
	}
	body := `{"tag_ids":[` + itoa(g.Tags[0].ID) + `],"limit":2}`
	resp, err := http.Post(e.url+"/api/v1/recommendations/by-tags", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out models.RecommendationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Recommendations) != 2 || out.Recommendations[0].ID != g.ID {
		t.Errorf("by-tags = %+v", out.Recommendations)
	}
}

func TestIntegration_DeletedGuideLeavesIndex(t *testing.T) {
	for _, async := range []bool{false, true} {
		t.Run("async="+strconv.FormatBool(async), func(t *testing.T) {
			e := newEnv(t, "memory", async)
			dolo := e.guideID(t, "Dolomites hiking")
			req, _ := http.NewRequest(http.MethodDelete, e.url+"/api/v1/guides/"+itoa(dolo), nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("delete: status %d", resp.StatusCode)
			}
			deadline := time.Now().Add(5 * time.Second)
			for e.index.Size() != 3 {
				if time.Now().After(deadline) {
					t.Fatalf("index size = %d, want 3", e.index.Size())
				}
				time.Sleep(10 * time.Millisecond)
			}
			hits, err := e.index.Query(context.Background(), "dolomites hiking via ferrata", 10, vector.NoFilter{})
			if err != nil {
				t.Fatal(err)
			}
			for _, h := range hits {
				if h.ID == dolo {
					t.Errorf("deleted guide %d still returned by the index", dolo)
				}
			}
			got := e.get(t, "/api/v1/users/"+itoa(e.userID("alice"))+"/recommendations")
			if contains(got, dolo) {
				t.Errorf("deleted guide recommended: %v", got)
			}
		})
	}
}
