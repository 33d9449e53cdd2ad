package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/mirip/internal/config"
	"github.com/hyperjump/mirip/internal/embedding"
	"github.com/hyperjump/mirip/internal/indexer"
	"github.com/hyperjump/mirip/internal/keyword"
	"github.com/hyperjump/mirip/internal/storage"
	"github.com/hyperjump/mirip/internal/vector"
)

// Components holds initialized services.
type Components struct {
	Storage   *storage.SQLiteStorage
	Vectors   vector.VectorIndex
	Keyword   keyword.KeywordIndex
	Extractor *embedding.FeatureExtractor
	Indexer   *indexer.Indexer
	// Recovery is the report of the reconcile pass run at startup.
	Recovery *indexer.ReconcileReport
}

// Close releases everything in reverse order of creation.
func (c *Components) Close() {
	if c.Indexer != nil {
		_ = c.Indexer.Close()
	} else if c.Vectors != nil {
		_ = c.Vectors.Close()
	}
	if c.Extractor != nil {
		_ = c.Extractor.Close()
	}
	if c.Keyword != nil {
		_ = c.Keyword.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
}

// newProvider builds the embedding provider named by embedding.provider.
func newProvider(cfg *config.Config) (embedding.Provider, error) {
	dims := cfg.Vector.Dimensions
	switch cfg.Embedding.Provider {
	case "mock":
		return embedding.NewMockProvider(dims), nil
	case "onnx":
		if cfg.Embedding.ModelPath == "" {
			return nil, fmt.Errorf("embedding.model_path is required for the onnx provider")
		}
		return embedding.NewONNXProvider(cfg.Embedding.ModelPath, dims)
	case "dashscope", "":
		if cfg.Embedding.APIKey == "" {
			return nil, fmt.Errorf("dashscope provider needs embedding.api_key or %s", config.APIKeyEnv)
		}
		opts := []embedding.DashScopeOption{
			embedding.WithModel(cfg.Embedding.Model),
			embedding.WithTimeout(cfg.Embedding.Timeout.Std()),
		}
		if cfg.Embedding.BaseURL != "" {
			opts = append(opts, embedding.WithBaseURL(cfg.Embedding.BaseURL))
		}
		return embedding.NewDashScopeProvider(cfg.Embedding.APIKey, dims, opts...)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q (supported: dashscope, onnx, mock)", cfg.Embedding.Provider)
	}
}

// policyFromConfig converts the extraction section to a retry policy.
func policyFromConfig(cfg *config.Config) embedding.Policy {
	return embedding.Policy{
		MaxAttempts: cfg.Extraction.MaxAttempts,
		BaseDelay:   cfg.Extraction.BaseDelay.Std(),
		PacingMin:   cfg.Extraction.PacingMin.Std(),
		PacingMax:   cfg.Extraction.PacingMax.Std(),
	}
}

// initializeComponents opens the stores, loads the saved vectors and runs the
// reconcile pass so every command starts from a consistent index.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Components, err error) {
	c := &Components{}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	c.Storage, err = storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	provider, err := newProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding provider: %w", err)
	}
	extractorOpts := []embedding.Option{
		embedding.WithLogger(logger),
		embedding.WithPolicy(policyFromConfig(cfg)),
	}
	if cfg.Embedding.CacheSize > 0 {
		cache, cacheErr := embedding.NewEmbeddingCache(cfg.Embedding.CacheSize)
		if cacheErr != nil {
			_ = provider.Close()
			return nil, fmt.Errorf("failed to initialize embedding cache: %w", cacheErr)
		}
		extractorOpts = append(extractorOpts, embedding.WithCache(cache))
	}
	c.Extractor, err = embedding.NewFeatureExtractor(provider, cfg.Vector.Dimensions, extractorOpts...)
	if err != nil {
		_ = provider.Close()
		return nil, fmt.Errorf("failed to initialize feature extractor: %w", err)
	}

	c.Vectors, err = vector.NewVectorIndex(cfg.Vector.IndexType, cfg.Vector.Dimensions)
	if err != nil {
		// Fall back to memory index if configured type fails (e.g., FAISS not available)
		if cfg.Vector.IndexType == string(vector.IndexTypeMemory) || cfg.Vector.IndexType == "" {
			return nil, fmt.Errorf("failed to initialize vector index: %w", err)
		}
		logger.Warn("failed to create vector index, falling back to memory",
			zap.String("requested_type", cfg.Vector.IndexType),
			zap.Error(err))
		c.Vectors, err = vector.NewVectorIndex(string(vector.IndexTypeMemory), cfg.Vector.Dimensions)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize vector index: %w", err)
		}
	}
	logger.Debug("vector index initialized",
		zap.String("type", c.Vectors.Type()),
		zap.Bool("faiss_available", vector.IsFAISSAvailable()))

	c.Keyword, err = keyword.NewBleveIndex(cfg.Storage.KeywordIndexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize keyword index: %w", err)
	}

	c.Indexer, err = indexer.NewIndexer(c.Storage, c.Vectors, c.Extractor, cfg.Storage.IndexPath,
		indexer.WithLogger(logger), indexer.WithKeywordIndex(c.Keyword))
	if err != nil {
		return nil, err
	}
	if err := c.Indexer.Load(ctx); err != nil {
		return nil, err
	}
	c.Recovery, err = c.Indexer.Reconcile(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	if behind, behindErr := c.Indexer.TextIndexBehind(ctx); behindErr == nil && behind {
		n, rebuildErr := c.Indexer.RebuildTextIndex(ctx)
		if rebuildErr != nil {
			logger.Warn("keyword index rebuild failed", zap.Error(rebuildErr))
		} else {
			logger.Info("keyword index rebuilt", zap.Int("products", n))
		}
	}
	return c, nil
}
