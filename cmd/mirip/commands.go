package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hyperjump/mirip/internal/cli"
	"github.com/hyperjump/mirip/internal/config"
	"github.com/hyperjump/mirip/internal/extract"
	"github.com/hyperjump/mirip/internal/indexer"
	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/server"
	"github.com/hyperjump/mirip/internal/storage"
	"github.com/hyperjump/mirip/internal/watcher"
	"github.com/hyperjump/mirip/pkg/e"
	"github.com/hyperjump/mirip/pkg/utils"
)

// stdout is where command results go; tests replace it.
var stdout io.Writer = os.Stdout

// session is a loaded config plus initialized components for one-shot commands.
type session struct {
	cfg        *config.Config
	logger     *zap.Logger
	components *Components
}

func (s *session) Close() {
	if s.components != nil {
		s.components.Close()
	}
	_ = s.logger.Sync()
}

func openSession(ctx context.Context, configPath string, debug bool) (*session, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := utils.NewCLILogger(cfg.Debug || debug)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, components: components}, nil
}

func runServer(args []string) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (requests, reconcile, imports, etc.)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Close()
	if r := components.Recovery; r != nil && !r.Consistent {
		logger.Warn("startup recovery applied",
			zap.Int64("truncated_at", r.TruncatedAt),
			zap.Int64("deleted_rows", r.DeletedRows),
			zap.Int("vectors", r.VectorsAfter),
		)
	}

	idx := components.Indexer
	srv := server.NewServer(idx, cfg, logger)

	var watch *watcher.Watcher
	if cfg.Import.WatchDir != "" {
		watch = watcher.NewWatcher(cfg.Import.WatchDir, []string{".csv", ".xlsx"},
			catalogHandler(idx, cfg, srv.ImportOptions(), logger),
			watcher.WithLogger(logger))
		if err := watch.Start(ctx); err != nil {
			return fmt.Errorf("failed to start catalog watcher: %w", err)
		}
		logger.Info("watching for catalogs", zap.String("dir", watch.Dir()))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", zap.Error(err))
		}
	}

	logger.Info("Shutting down...")
	if watch != nil {
		watch.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(shutdownCtx)
	if err := idx.Save(shutdownCtx); err != nil {
		logger.Error("vector index save on shutdown failed", zap.Error(err))
		return err
	}
	logger.Info("vector index saved", zap.Int("vectors", idx.Stats().Vectors))
	return nil
}

// catalogHandler imports a catalog dropped into the watch folder. Images come from
// import.images_dir, or the folder holding the catalog when that is unset.
func catalogHandler(idx *indexer.Indexer, cfg *config.Config, opts indexer.ImportOptions, logger *zap.Logger) watcher.Handler {
	return func(ctx context.Context, path string) error {
		if !extract.IsCatalogFile(path) {
			return fmt.Errorf("not a catalog file: %s", path)
		}
		imagesDir := cfg.Import.ImagesDir
		if imagesDir == "" {
			imagesDir = filepath.Dir(path)
		}
		report, err := idx.ImportCatalog(ctx, path, imagesDir, opts)
		if err != nil {
			return err
		}
		logger.Info("catalog imported",
			zap.String("catalog", path),
			zap.Int("added", report.Added),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed),
		)
		if report.Added == 0 && report.Failed > 0 {
			return fmt.Errorf("no products imported, %d failed", report.Failed)
		}
		return nil
	}
}

func runAdd(args []string) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	id := fs.String("id", "", "product ID (required)")
	name := fs.String("name", "", "product name")
	price := fs.String("price", "0", "price")
	description := fs.String("description", "", "description")
	var attrs attrFlag
	fs.Var(&attrs, "attr", "attribute as key=value; repeatable")
	if err := fs.Parse(argsReorder(fs, args)); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: mirip add -id ID [flags] <image>")
	}

	product, err := buildProduct(*id, *name, *price, *description, attrs)
	if err != nil {
		return err
	}
	images := make([]string, fs.NArg())
	for i, p := range fs.Args() {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		images[i] = abs
	}

	ctx := context.Background()
	s, err := openSession(ctx, *configPath, *debug)
	if err != nil {
		return err
	}
	defer s.Close()

	positions, err := s.components.Indexer.Add(ctx, product, images)
	var pe *e.PersistenceError
	if errors.As(err, &pe) {
		fmt.Fprintf(stdout, "Product %s committed at positions %v but not saved: %v\n", product.ID, positions, pe.Err)
		return err
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Product %s added at positions %v\n", product.ID, positions)
	return nil
}

func buildProduct(id, name, price, description string, attrs []string) (*models.Product, error) {
	if strings.TrimSpace(id) == "" {
		return nil, e.Validation("-id is required")
	}
	p, err := decimal.NewFromString(strings.TrimSpace(price))
	if err != nil {
		return nil, e.Validation("invalid price %q", price)
	}
	attributes, err := cli.ParseAttributes(attrs)
	if err != nil {
		return nil, e.Validation("%v", err)
	}
	return &models.Product{
		ID:          models.ProductID(strings.TrimSpace(id)),
		Name:        name,
		Price:       p,
		Description: description,
		Attributes:  attributes,
	}, nil
}

func runSearch(args []string) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	k := fs.Int("k", 0, "number of results (default from config)")
	formatFlag := fs.String("format", "text", "output format: text or json")
	serverURL := fs.String("server", "", "server URL (empty = open the index directly)")
	if err := fs.Parse(argsReorder(fs, args)); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: mirip search [flags] <image>")
	}
	format, err := cli.ParseOutputFormat(*formatFlag)
	if err != nil {
		return err
	}
	imagePath := fs.Arg(0)

	if *serverURL != "" {
		response, err := searchViaHTTP(*serverURL, imagePath, *k)
		if err != nil {
			return err
		}
		return cli.WriteSearchResults(stdout, response, format)
	}

	ctx := context.Background()
	s, err := openSession(ctx, *configPath, *debug)
	if err != nil {
		return err
	}
	defer s.Close()

	query := &models.ImageQuery{ImagePath: imagePath, TopK: *k}
	if err := query.Validate(s.cfg.Search.DefaultTopK, s.cfg.Search.MaxTopK); err != nil {
		return e.Validation("%v", err)
	}
	start := time.Now()
	results, err := s.components.Indexer.Search(ctx, query.ImagePath, query.TopK)
	if err != nil {
		return err
	}
	return cli.WriteSearchResults(stdout, &models.SearchResponse{
		Results:   results,
		Total:     len(results),
		TopK:      query.TopK,
		QueryTime: time.Since(start).Milliseconds(),
	}, format)
}

func runSearchText(args []string) error {
	fs := flag.NewFlagSet("search-text", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	limit := fs.Int("limit", 10, "number of results")
	fuzzy := fs.Bool("fuzzy", false, "enable fuzzy matching for typo tolerance")
	formatFlag := fs.String("format", "text", "output format: text or json")
	serverURL := fs.String("server", "", "server URL (empty = open the index directly)")
	if err := fs.Parse(argsReorder(fs, args)); err != nil {
		return err
	}
	query := &models.TextQuery{Query: strings.TrimSpace(strings.Join(fs.Args(), " ")), Limit: *limit, Fuzzy: *fuzzy}
	if query.Query == "" {
		return fmt.Errorf("usage: mirip search-text [flags] <query>")
	}
	format, err := cli.ParseOutputFormat(*formatFlag)
	if err != nil {
		return err
	}

	if *serverURL != "" {
		response, err := searchTextViaHTTP(*serverURL, query)
		if err != nil {
			return err
		}
		return cli.WriteTextResults(stdout, response, format)
	}

	ctx := context.Background()
	s, err := openSession(ctx, *configPath, *debug)
	if err != nil {
		return err
	}
	defer s.Close()

	start := time.Now()
	results, err := s.components.Indexer.SearchText(ctx, query)
	if err != nil {
		return err
	}
	return cli.WriteTextResults(stdout, &models.TextSearchResponse{
		Results:   results,
		Total:     len(results),
		Query:     query.Query,
		QueryTime: time.Since(start).Milliseconds(),
	}, format)
}

func runImport(args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	imagesDir := fs.String("images", "", "directory with one image folder per product name")
	batch := fs.Int("batch", 0, "products per index save (default from config)")
	formatFlag := fs.String("format", "text", "output format: text or json")
	if err := fs.Parse(argsReorder(fs, args)); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: mirip import -images DIR <catalog.csv|xlsx>")
	}
	format, err := cli.ParseOutputFormat(*formatFlag)
	if err != nil {
		return err
	}
	catalog := fs.Arg(0)
	if !extract.IsCatalogFile(catalog) {
		return e.Validation("catalog must be a .csv or .xlsx file: %s", catalog)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	s, err := openSession(ctx, *configPath, *debug)
	if err != nil {
		return err
	}
	defer s.Close()

	dir := *imagesDir
	if dir == "" {
		dir = s.cfg.Import.ImagesDir
	}
	if dir == "" {
		return e.Validation("-images is required")
	}
	opts := indexer.ImportOptions{
		BatchSize:           s.cfg.Import.BatchSize,
		MaxImagesPerProduct: s.cfg.Import.MaxImagesPerProduct,
		ImageExtensions:     s.cfg.Import.ImageExtensions,
	}
	if *batch > 0 {
		opts.BatchSize = *batch
	}
	report, err := s.components.Indexer.ImportCatalog(ctx, catalog, dir, opts)
	if report != nil {
		if werr := writeImportReport(stdout, report, format); werr != nil {
			return werr
		}
	}
	return err
}

func writeImportReport(w io.Writer, report *indexer.ImportReport, format cli.OutputFormat) error {
	if format == cli.OutputJSON {
		return cli.WriteJSON(w, report)
	}
	fmt.Fprintf(w, "Imported %d of %d products (%d skipped without images, %d failed)\n",
		report.Added, report.Total, report.Skipped, report.Failed)
	for _, ie := range report.Errors {
		if ie.Line > 0 {
			fmt.Fprintf(w, "  line %d (%s): %s\n", ie.Line, ie.ProductID, ie.Message)
		} else {
			fmt.Fprintf(w, "  %s\n", ie.Message)
		}
	}
	return nil
}

func runReconcile(args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	formatFlag := fs.String("format", "text", "output format: text or json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	format, err := cli.ParseOutputFormat(*formatFlag)
	if err != nil {
		return err
	}
	s, err := openSession(context.Background(), *configPath, *debug)
	if err != nil {
		return err
	}
	defer s.Close()

	r := s.components.Recovery
	if format == cli.OutputJSON {
		return cli.WriteJSON(stdout, r)
	}
	if r.Consistent {
		fmt.Fprintf(stdout, "Index consistent: %d vectors, %d mapping rows\n", r.VectorsAfter, r.RowsAfter)
		return nil
	}
	fmt.Fprintf(stdout, "Recovered: vectors %d -> %d, mapping rows %d -> %d (truncated at %d, %d rows deleted)\n",
		r.VectorsBefore, r.VectorsAfter, r.RowsBefore, r.RowsAfter, r.TruncatedAt, r.DeletedRows)
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	serverURL := fs.String("server", "", "server URL (empty = open the index directly)")
	formatFlag := fs.String("format", "text", "output format: text or json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	format, err := cli.ParseOutputFormat(*formatFlag)
	if err != nil {
		return err
	}

	if *serverURL != "" {
		status, err := statusViaHTTP(*serverURL)
		if err != nil {
			return err
		}
		return cli.WriteStatus(stdout, status, format)
	}

	ctx := context.Background()
	s, err := openSession(ctx, *configPath, *debug)
	if err != nil {
		return err
	}
	defer s.Close()

	stats := s.components.Indexer.Stats()
	products, err := s.components.Indexer.CountProducts(ctx)
	if err != nil {
		return fmt.Errorf("count products: %w", err)
	}
	status := map[string]any{
		"products":     products,
		"vectors":      stats.Vectors,
		"mapping_rows": stats.Rows,
		"dimensions":   stats.Dimensions,
		"index_type":   stats.IndexType,
		"dirty":        stats.Dirty,
		"consistent":   int64(stats.Vectors) == stats.Rows,
		"config": map[string]any{
			"database_path":      s.cfg.Storage.DatabasePath,
			"index_path":         s.cfg.Storage.IndexPath,
			"keyword_index_path": s.cfg.Storage.KeywordIndexPath,
			"embedding_provider": s.cfg.Embedding.Provider,
			"embedding_model":    s.cfg.Embedding.Model,
		},
	}
	if fp, err := storage.DiskFootprint(s.cfg.Storage.DatabasePath, s.cfg.Storage.IndexPath, s.cfg.Storage.KeywordIndexPath); err == nil {
		status["disk_usage_bytes"] = fp.Total
	}
	return cli.WriteStatus(stdout, status, format)
}
