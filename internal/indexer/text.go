package indexer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/mirip/internal/keyword"
	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/pkg/e"
)

// ErrTextSearchDisabled is returned by SearchText when no keyword index is configured.
var ErrTextSearchDisabled = errors.New("text search is not configured")

// SearchText runs a keyword query over product name, description and attributes.
func (idx *Indexer) SearchText(ctx context.Context, q *models.TextQuery) ([]*models.TextSearchResult, error) {
	if idx.keyword == nil {
		return nil, ErrTextSearchDisabled
	}
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", e.ErrValidation, err)
	}
	hits, err := idx.keyword.Search(ctx, q.Query, q.Limit, &keyword.SearchOptions{FuzzyEnabled: q.Fuzzy})
	if err != nil {
		return nil, err
	}
	results := make([]*models.TextSearchResult, 0, len(hits))
	for _, h := range hits {
		p, err := idx.store.GetProduct(ctx, h.ProductID)
		if errors.Is(err, e.ErrNotFound) {
			idx.logger.Warn("keyword hit without product", zap.String("product_id", string(h.ProductID)))
			continue
		}
		if err != nil {
			return nil, err
		}
		results = append(results, &models.TextSearchResult{Product: p, Score: h.Score, Rank: len(results) + 1})
	}
	return results, nil
}

// RebuildTextIndex indexes every stored product again. Used when the keyword index
// was lost or is behind the mapping store. Returns the number of products indexed.
func (idx *Indexer) RebuildTextIndex(ctx context.Context) (int, error) {
	if idx.keyword == nil {
		return 0, ErrTextSearchDisabled
	}
	const page = 200
	n := 0
	for offset := 0; ; offset += page {
		products, err := idx.store.ListProducts(ctx, offset, page)
		if err != nil {
			return n, fmt.Errorf("list products: %w", err)
		}
		for _, p := range products {
			if err := idx.keyword.Index(ctx, p); err != nil {
				return n, err
			}
			n++
		}
		if len(products) < page {
			return n, nil
		}
	}
}

// TextIndexBehind reports whether the keyword index holds fewer products than storage.
func (idx *Indexer) TextIndexBehind(ctx context.Context) (bool, error) {
	if idx.keyword == nil {
		return false, nil
	}
	docs, err := idx.keyword.DocCount()
	if err != nil {
		return false, err
	}
	products, err := idx.store.CountProducts(ctx)
	if err != nil {
		return false, err
	}
	return int64(docs) < products, nil
}
