// Package main is the guiderec CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/guiderec/internal/cli"
	"github.com/hyperjump/guiderec/internal/config"
	"github.com/hyperjump/guiderec/internal/models"
	"github.com/hyperjump/guiderec/internal/recommend"
	"github.com/hyperjump/guiderec/internal/server"
	"github.com/hyperjump/guiderec/internal/storage"
	"github.com/hyperjump/guiderec/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/guiderec/config.yaml"

// loadConfig loads config from path. When path is the default, config.yaml in the current
// directory is preferred if it exists, and a missing default file yields the built-in defaults.
// Returns the config and the path that was actually loaded ("" for built-in defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			return config.Default(), "", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func newLogger(cfg *config.Config, debug bool) (*zap.Logger, error) {
	return utils.NewLoggerWithFile(debug, utils.LogFileConfig{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress != nil && *cfg.Logging.Compress,
	})
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "reindex":
		runReindex()
	case "recommend":
		runRecommend()
	case "similar":
		runSimilar()
	case "seed":
		runSeed()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("guiderec version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// setup loads config, builds the logger and initializes components, exiting on failure.
func setup(configPath string, debugFlag bool) (*config.Config, *zap.Logger, *Components) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || debugFlag
	logger, err := newLogger(cfg, debugMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug("config loaded", zap.String("config_path", resolved), zap.Bool("debug", debugMode))

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	return cfg, logger, components
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, logger, components := setup(*configPath, *debug)
	defer logger.Sync()
	defer components.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := components.StartConsumer(ctx); err != nil {
		logger.Fatal("Failed to start index consumer", zap.Error(err))
	}
	if cfg.Recommend.ReindexOnStartOrDefault() {
		// Requests are served from the existing snapshot until the rebuild swaps in.
		go func() {
			n, err := components.Engine.IndexAllGuides(ctx)
			if err != nil {
				logger.Error("startup reindex failed", zap.Error(err))
				return
			}
			logger.Info("startup reindex complete", zap.Int("guides", n))
		}()
	}

	srv := server.NewServer(components.Engine, components.Storage, components.Notifier, cfg, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
	cancel()
}

func runReindex() {
	fs := flag.NewFlagSet("reindex", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	_, logger, components := setup(*configPath, *debug)
	defer logger.Sync()
	defer components.Close()

	started := time.Now()
	n, err := components.Engine.IndexAllGuides(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Reindex failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Indexed %d guides in %s\n", n, time.Since(started).Round(time.Millisecond))
}

// parseID returns the single positional id argument.
func parseID(args []string, what string) (int64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected exactly one %s id", what)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", what, args[0])
	}
	return id, nil
}

func writeHydrated(components *Components, userID int64, ids []int64, started time.Time, format cli.OutputFormat) error {
	summaries, err := recommend.Hydrate(context.Background(), components.Storage, ids)
	if err != nil {
		return err
	}
	return cli.WriteRecommendations(os.Stdout, &models.RecommendationResponse{
		UserID:          userID,
		Recommendations: summaries,
		QueryTime:       time.Since(started).Milliseconds(),
	}, format)
}

func runRecommend() {
	fs := flag.NewFlagSet("recommend", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	limit := fs.Int("limit", 0, "number of recommendations (0 = recommend.default_limit)")
	includeLiked := fs.Bool("include-liked", false, "allow guides the user already liked")
	outputFormat := fs.String("output", "text", "output format: text or json")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: guiderec recommend [flags] <user-id>\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[2:])

	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	userID, err := parseID(fs.Args(), "user")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fs.Usage()
		os.Exit(1)
	}

	cfg, logger, components := setup(*configPath, false)
	defer logger.Sync()
	defer components.Close()

	excludeLiked := !*includeLiked
	query := models.RecommendationQuery{UserID: userID, Limit: *limit, ExcludeLiked: &excludeLiked}
	if err := query.Validate(cfg.Recommend.DefaultLimit, cfg.Recommend.MaxLimit); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid request: %v\n", err)
		os.Exit(1)
	}
	started := time.Now()
	ids := components.Engine.Recommend(context.Background(), userID, query.Limit, excludeLiked)
	if err := writeHydrated(components, userID, ids, started, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runSimilar() {
	fs := flag.NewFlagSet("similar", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	limit := fs.Int("limit", 0, "number of similar guides (0 = recommend.default_limit)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: guiderec similar [flags] <guide-id>\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[2:])

	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	guideID, err := parseID(fs.Args(), "guide")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fs.Usage()
		os.Exit(1)
	}

	cfg, logger, components := setup(*configPath, false)
	defer logger.Sync()
	defer components.Close()

	n := *limit
	if n <= 0 {
		n = cfg.Recommend.DefaultLimit
	}
	if n > cfg.Recommend.MaxLimit {
		n = cfg.Recommend.MaxLimit
	}
	started := time.Now()
	ids, err := components.Engine.Similar(context.Background(), guideID, n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Similar failed: %v\n", err)
		os.Exit(1)
	}
	if err := writeHydrated(components, 0, ids, started, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runSeed() {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	reindex := fs.Bool("reindex", true, "rebuild the index after seeding")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: guiderec seed [flags] <fixture.yaml>\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[2:])
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}

	fixture, err := storage.LoadFixture(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load fixture: %v\n", err)
		os.Exit(1)
	}

	_, logger, components := setup(*configPath, false)
	defer logger.Sync()
	defer components.Close()

	ctx := context.Background()
	result, err := fixture.Apply(ctx, components.Storage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Seed failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Seeded %d users and %d guides\n", len(result.Users), len(result.Guides))
	if !*reindex {
		return
	}
	n, err := components.Engine.IndexAllGuides(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Reindex failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Indexed %d guides\n", n)
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "", "server URL (empty = read storage and index directly)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var status map[string]interface{}
	if *serverURL != "" {
		status, err = statusViaHTTP(*serverURL)
	} else {
		cfg, logger, components := setup(*configPath, false)
		defer logger.Sync()
		defer components.Close()
		status, err = localStatus(context.Background(), cfg, components)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteStatus(os.Stdout, status, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func localStatus(ctx context.Context, cfg *config.Config, components *Components) (map[string]interface{}, error) {
	guides, err := components.Storage.CountGuides(ctx)
	if err != nil {
		return nil, fmt.Errorf("count guides: %w", err)
	}
	users, err := components.Storage.CountUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	engine := components.Engine.Status()
	status := map[string]interface{}{
		"guides":          guides,
		"users":           users,
		"index_type":      engine.IndexType,
		"index_documents": engine.IndexDocuments,
		"embedder":        components.Embedder.Name(),
		"database_path":   cfg.Storage.DatabasePath,
		"index_path":      cfg.Storage.IndexPath,
	}
	if usage, err := storage.DiskUsage(cfg.Storage.DatabasePath, cfg.Storage.IndexPath); err == nil {
		status["disk_usage_bytes"] = usage.Total()
	}
	return status, nil
}

func statusViaHTTP(serverURL string) (map[string]interface{}, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(serverURL + "/api/v1/status")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %s: %s", resp.Status, string(b))
	}
	var status map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return status, nil
}

func printUsage() {
	fmt.Println(`guiderec - guide recommendation engine

Usage:
  guiderec server [flags]                 Start the HTTP server
  guiderec reindex [flags]                Rebuild the index from the catalog
  guiderec recommend [flags] <user-id>    Recommend guides for a user
  guiderec similar [flags] <guide-id>     List guides similar to a guide
  guiderec seed [flags] <fixture.yaml>    Load users, guides and likes from a fixture
  guiderec status [flags]                 Show catalog and index status
  guiderec version                        Show version
  guiderec help                           Show this help

Flags:
  -config string   config file path (default ` + defaultConfigPath + `,
                   or ./config.yaml when present)

Run 'guiderec <command> -h' for command flags.`)
}
