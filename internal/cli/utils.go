// Package cli provides output helpers for the mirip command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat accepts "text" or "json" (case-insensitive); empty means text.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(OutputText):
		return OutputText, nil
	case string(OutputJSON):
		return OutputJSON, nil
	}
	return "", fmt.Errorf("unknown output format %q (want text or json)", s)
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteSearchResults writes image search results to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, response)
	}
	fmt.Fprintf(w, "\nFound %d similar products in %dms (top %d)\n\n", response.Total, response.QueryTime, response.TopK)
	for _, result := range response.Results {
		writeProductHeader(w, result.Rank, result.Product)
		fmt.Fprintf(w, "Similarity: %.4f\n", result.Similarity)
		fmt.Fprintf(w, "Image: %s\n\n", result.ImagePath)
	}
	return nil
}

// WriteTextResults writes keyword search results to w in the given format.
func WriteTextResults(w io.Writer, response *models.TextSearchResponse, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, response)
	}
	fmt.Fprintf(w, "\nFound %d products for %q in %dms\n\n", response.Total, response.Query, response.QueryTime)
	for _, result := range response.Results {
		writeProductHeader(w, result.Rank, result.Product)
		fmt.Fprintf(w, "Score: %.4f\n", result.Score)
		if result.Product != nil && result.Product.Description != "" {
			fmt.Fprintf(w, "\n%s\n", utils.Truncate(result.Product.Description, 200))
		}
		fmt.Fprintln(w)
	}
	return nil
}

func writeProductHeader(w io.Writer, rank int, p *models.Product) {
	fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
	if p == nil {
		fmt.Fprintf(w, "Rank: %d\n", rank)
		return
	}
	fmt.Fprintf(w, "Rank: %d | ID: %s | Price: %s\n", rank, p.ID, p.Price.StringFixed(2))
	if p.Name != "" {
		fmt.Fprintf(w, "Name: %s\n", p.Name)
	}
	if attrs := FormatAttributes(p.Attributes); attrs != "" {
		fmt.Fprintf(w, "Attributes: %s\n", attrs)
	}
}

// FormatAttributes renders attributes as "k=v" pairs sorted by key.
func FormatAttributes(attrs map[string]any) string {
	if len(attrs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, attrs[k])
	}
	return strings.Join(parts, ", ")
}

// ParseAttributes turns "k=v" pairs into an attribute map.
func ParseAttributes(pairs []string) (map[string]any, error) {
	attrs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("attribute %q must be key=value", pair)
		}
		attrs[k] = strings.TrimSpace(v)
	}
	return attrs, nil
}

// WriteStatus prints a status map as "key: value" lines in key order.
func WriteStatus(w io.Writer, status map[string]any, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, status)
	}
	keys := make([]string, 0, len(status))
	for k := range status {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := status[k].(type) {
		case map[string]any:
			fmt.Fprintf(w, "%s:\n", k)
			sub := make([]string, 0, len(v))
			for sk := range v {
				sub = append(sub, sk)
			}
			sort.Strings(sub)
			for _, sk := range sub {
				fmt.Fprintf(w, "  %s: %v\n", sk, v[sk])
			}
		default:
			fmt.Fprintf(w, "%s: %v\n", k, v)
		}
	}
	return nil
}

// PrintSearchResults prints search results to stdout in text format.
func PrintSearchResults(response *models.SearchResponse) {
	_ = WriteSearchResults(os.Stdout, response, OutputText)
}
