// Package cli provides output formatting for the guiderec command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/hyperjump/guiderec/internal/models"
	"github.com/hyperjump/guiderec/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat returns the format named by s.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(s)) {
	case OutputText, "":
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (supported: text, json)", s)
	}
}

// WriteRecommendations writes a recommendation response to w in the given format.
func WriteRecommendations(w io.Writer, response *models.RecommendationResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, response)
	}
	fmt.Fprintf(w, "\n%d recommendations in %dms\n\n", len(response.Recommendations), response.QueryTime)
	for i, g := range response.Recommendations {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "%d. [%d] %s (%d likes)\n", i+1, g.ID, g.Title, g.LikeCount)
		if len(g.Tags) > 0 {
			fmt.Fprintf(w, "Tags: %s\n", strings.Join(g.Tags, ", "))
		}
		if g.Description != "" {
			fmt.Fprintf(w, "\n%s\n", utils.Truncate(g.Description, 200))
		}
		fmt.Fprintln(w)
	}
	return nil
}

// WriteStatus writes key/value status lines sorted by key, or the map as JSON.
func WriteStatus(w io.Writer, status map[string]interface{}, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, status)
	}
	keys := make([]string, 0, len(status))
	for k := range status {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%-18s %v\n", k+":", status[k])
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
