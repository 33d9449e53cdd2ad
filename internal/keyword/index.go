// Package keyword provides text search over product metadata.
package keyword

import (
	"context"

	"github.com/hyperjump/mirip/internal/models"
)

// SearchOptions optional parameters for keyword search. Nil means use defaults.
type SearchOptions struct {
	// NameBoost multiplies the score contribution of matches in the product name.
	// Values <= 0 mean the default of 2.
	NameBoost float64
	// FuzzyEnabled enables fuzzy matching for typo tolerance.
	FuzzyEnabled bool
	// Fuzziness is the maximum Levenshtein edit distance for fuzzy matching (1 or 2).
	// Default is 1 when FuzzyEnabled is true.
	Fuzziness int
}

// KeywordIndex indexes products by name, description and attribute values.
type KeywordIndex interface {
	Index(ctx context.Context, product *models.Product) error
	Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*KeywordResult, error)
	Delete(ctx context.Context, id models.ProductID) error
	// DocCount returns the total number of products in the index.
	DocCount() (uint64, error)
	Close() error
}

// KeywordResult is a single keyword search hit.
type KeywordResult struct {
	ProductID models.ProductID
	Score     float64
}
