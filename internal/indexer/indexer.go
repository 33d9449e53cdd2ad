// Package indexer coordinates the feature extractor, the vector store and the identity
// mapping store so that every vector position maps to exactly one product image.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/mirip/internal/keyword"
	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/storage"
	"github.com/hyperjump/mirip/internal/vector"
	"github.com/hyperjump/mirip/pkg/e"
)

// Extractor turns an image path into a unit-norm vector.
// *embedding.FeatureExtractor is the production implementation.
type Extractor interface {
	Extract(ctx context.Context, imagePath string) ([]float32, error)
	Dimensions() int
}

// Indexer keeps the vector store and the mapping store in step.
// Every mutation runs under mu; searches share it. The invariant
// vectors.Size() == store.RowCount() holds whenever mu is free.
type Indexer struct {
	mu        sync.RWMutex
	store     storage.Storage
	vectors   vector.VectorIndex
	extractor Extractor
	keyword   keyword.KeywordIndex
	indexPath string
	dirty     bool
	logger    *zap.Logger
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets a logger. The default discards everything.
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) {
		if l != nil {
			idx.logger = l
		}
	}
}

// WithKeywordIndex enables SearchText and keeps product text indexed on Add.
func WithKeywordIndex(k keyword.KeywordIndex) IndexerOption {
	return func(idx *Indexer) { idx.keyword = k }
}

// NewIndexer creates a coordinator. indexPath is where the vector file is saved after
// every commit. The extractor and vector store must agree on dimensionality.
func NewIndexer(store storage.Storage, vectors vector.VectorIndex, extractor Extractor, indexPath string, opts ...IndexerOption) (*Indexer, error) {
	if store == nil || vectors == nil || extractor == nil {
		return nil, errors.New("indexer: store, vector index and extractor are required")
	}
	if extractor.Dimensions() != vectors.Dimensions() {
		return nil, fmt.Errorf("indexer: extractor and vector index disagree: %w",
			e.DimensionMismatch(extractor.Dimensions(), vectors.Dimensions()))
	}
	idx := &Indexer{
		store:     store,
		vectors:   vectors,
		extractor: extractor,
		indexPath: indexPath,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx, nil
}

// Load replaces the in-memory vectors with the saved file. A missing file leaves the
// store empty. Call Reconcile afterwards.
func (idx *Indexer) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := idx.vectors.Load(idx.indexPath); err != nil {
		return fmt.Errorf("load vector index %s: %w", idx.indexPath, err)
	}
	idx.logger.Info("vector index loaded",
		zap.String("path", idx.indexPath),
		zap.Int("vectors", idx.vectors.Size()),
	)
	return nil
}

// Add extracts every image of product and commits them as new positions.
//
// Nothing is committed unless every extraction succeeds. When the commit succeeds but
// the vector file cannot be saved, the positions are returned together with an
// *e.PersistenceError; the in-memory state stays and Save can be retried.
func (idx *Indexer) Add(ctx context.Context, product *models.Product, imagePaths []string) ([]int64, error) {
	if product == nil {
		return nil, e.Validation("product is required")
	}
	if err := product.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", e.ErrValidation, err)
	}
	if len(imagePaths) == 0 {
		return nil, e.Validation("at least one image is required")
	}
	for i, p := range imagePaths {
		if strings.TrimSpace(p) == "" {
			return nil, e.Validation("image path %d is empty", i)
		}
	}

	vecs := make([][]float32, len(imagePaths))
	for i, p := range imagePaths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := idx.extractor.Extract(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("image %d of %d (%s): %w", i+1, len(imagePaths), p, err)
		}
		vecs[i] = v
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	// The critical section runs to completion once entered.
	cctx := context.WithoutCancel(ctx)
	positions, err := idx.commit(cctx, product, imagePaths, vecs)
	if err != nil {
		return nil, err
	}
	idx.logger.Info("product added",
		zap.String("product_id", string(product.ID)),
		zap.Int64s("positions", positions),
	)
	idx.indexText(cctx, product)

	if err := idx.vectors.Save(idx.indexPath); err != nil {
		idx.dirty = true
		idx.logger.Error("vector index not persisted; state kept in memory",
			zap.String("path", idx.indexPath),
			zap.Int64s("positions", positions),
			zap.Error(err),
		)
		return positions, &e.PersistenceError{Positions: positions, Err: err}
	}
	idx.dirty = false
	return positions, nil
}

// commit appends vecs and writes their mapping rows. On any failure both stores are
// returned to their sizes at entry. Caller holds mu.
func (idx *Indexer) commit(ctx context.Context, product *models.Product, paths []string, vecs [][]float32) ([]int64, error) {
	base := idx.vectors.Size()
	if rows := idx.store.RowCount(); rows != int64(base) {
		return nil, fmt.Errorf("%w: %d vectors but %d mapping rows; run reconcile",
			e.ErrConsistencyViolation, base, rows)
	}

	positions := make([]int64, len(vecs))
	entries := make([]*models.ImageEntry, len(vecs))
	for i, v := range vecs {
		pos, err := idx.vectors.Append(ctx, v)
		if err != nil {
			idx.rollback(ctx, base)
			return nil, fmt.Errorf("append vector for %s: %w", paths[i], err)
		}
		positions[i] = pos
		entries[i] = &models.ImageEntry{Position: pos, ProductID: product.ID, ImagePath: paths[i]}
	}
	if err := idx.store.PutBatch(ctx, product, entries); err != nil {
		idx.rollback(ctx, base)
		return nil, fmt.Errorf("write mapping rows: %w", err)
	}
	return positions, nil
}

// rollback truncates both stores back to base. Caller holds mu.
func (idx *Indexer) rollback(ctx context.Context, base int) {
	if err := idx.vectors.Truncate(base); err != nil {
		idx.logger.Error("rollback of vector store failed", zap.Int("base", base), zap.Error(err))
	}
	if idx.store.RowCount() > int64(base) {
		if _, err := idx.store.DeleteFrom(ctx, int64(base)); err != nil {
			idx.logger.Error("rollback of mapping rows failed", zap.Int("base", base), zap.Error(err))
		}
	}
}

// indexText refreshes the keyword document of product. Failures are logged only;
// the text index can be rebuilt from the mapping store.
func (idx *Indexer) indexText(ctx context.Context, product *models.Product) {
	if idx.keyword == nil {
		return
	}
	if err := idx.keyword.Index(ctx, product); err != nil {
		idx.logger.Warn("keyword index update failed",
			zap.String("product_id", string(product.ID)),
			zap.Error(err),
		)
	}
}

// Search returns up to k catalog images most similar to the image at queryPath,
// by descending similarity with ties broken by ascending position.
func (idx *Indexer) Search(ctx context.Context, queryPath string, k int) ([]*models.SearchResult, error) {
	if k <= 0 {
		return nil, e.Validation("k must be positive, got %d", k)
	}
	if strings.TrimSpace(queryPath) == "" {
		return nil, e.Validation("query image path is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q, err := idx.extractor.Extract(ctx, queryPath)
	if err != nil {
		return nil, fmt.Errorf("query image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	hits, err := idx.vectors.Search(ctx, q, k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	results := make([]*models.SearchResult, 0, len(hits))
	products := make(map[models.ProductID]*models.Product)
	for _, h := range hits {
		entry, err := idx.store.Get(ctx, h.Position)
		if errors.Is(err, e.ErrNotFound) {
			idx.logger.Warn("consistency violation: vector without mapping row",
				zap.Int64("position", h.Position),
				zap.Error(e.ErrConsistencyViolation),
			)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve position %d: %w", h.Position, err)
		}
		p, ok := products[entry.ProductID]
		if !ok {
			p, err = idx.store.GetProduct(ctx, entry.ProductID)
			if errors.Is(err, e.ErrNotFound) {
				idx.logger.Warn("consistency violation: mapping row without product",
					zap.Int64("position", h.Position),
					zap.String("product_id", string(entry.ProductID)),
					zap.Error(e.ErrConsistencyViolation),
				)
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("resolve product %s: %w", entry.ProductID, err)
			}
			products[entry.ProductID] = p
		}
		results = append(results, &models.SearchResult{
			Product:    p,
			Similarity: vector.Similarity(h.Distance),
			ImagePath:  entry.ImagePath,
			Rank:       len(results) + 1,
		})
	}
	return results, nil
}

// Save persists the vector store. It is safe to retry after a failed Add.
func (idx *Indexer) Save(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.saveLocked()
}

func (idx *Indexer) saveLocked() error {
	if err := idx.vectors.Save(idx.indexPath); err != nil {
		idx.dirty = true
		return fmt.Errorf("%w: save %s: %w", e.ErrPersistence, idx.indexPath, err)
	}
	idx.dirty = false
	idx.logger.Debug("vector index saved", zap.String("path", idx.indexPath), zap.Int("vectors", idx.vectors.Size()))
	return nil
}

// Stats is a point-in-time view of the index.
type Stats struct {
	Vectors    int    `json:"vectors"`
	Rows       int64  `json:"mapping_rows"`
	Dimensions int    `json:"dimensions"`
	IndexType  string `json:"index_type"`
	IndexPath  string `json:"index_path"`
	Dirty      bool   `json:"dirty"`
}

// Stats returns the current sizes and the dirty flag.
func (idx *Indexer) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return Stats{
		Vectors:    idx.vectors.Size(),
		Rows:       idx.store.RowCount(),
		Dimensions: idx.vectors.Dimensions(),
		IndexType:  idx.vectors.Type(),
		IndexPath:  idx.indexPath,
		Dirty:      idx.dirty,
	}
}

// CountProducts returns the number of stored products.
func (idx *Indexer) CountProducts(ctx context.Context) (int64, error) {
	return idx.store.CountProducts(ctx)
}

// GetProduct returns a product with its indexed images.
func (idx *Indexer) GetProduct(ctx context.Context, id models.ProductID) (*models.ProductDetail, error) {
	p, err := idx.store.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	images, err := idx.store.ImagesByProduct(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("images of %s: %w", id, err)
	}
	return &models.ProductDetail{Product: p, Images: images}, nil
}

const maxListLimit = 1000

// ListProducts pages through products ordered by ID.
func (idx *Indexer) ListProducts(ctx context.Context, offset, limit int) ([]*models.Product, error) {
	if offset < 0 {
		return nil, e.Validation("offset must be non-negative, got %d", offset)
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return idx.store.ListProducts(ctx, offset, limit)
}

// Close releases the vector store. The mapping store and keyword index belong to the caller.
func (idx *Indexer) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.vectors.Close()
}
