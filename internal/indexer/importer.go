package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/mirip/internal/extract"
	"github.com/hyperjump/mirip/pkg/e"
)

// DefaultImageExtensions are the image types accepted for import and upload.
var DefaultImageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp"}

// ImportOptions tunes a catalog import. Zero values take the defaults.
type ImportOptions struct {
	// BatchSize is how many products are added between index saves. Default 10.
	BatchSize int
	// MaxImagesPerProduct caps the images taken from each product folder. Default 7.
	MaxImagesPerProduct int
	// ImageExtensions lists accepted image extensions. Default DefaultImageExtensions.
	ImageExtensions []string
}

func (o ImportOptions) withDefaults() ImportOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.MaxImagesPerProduct <= 0 {
		o.MaxImagesPerProduct = 7
	}
	if len(o.ImageExtensions) == 0 {
		o.ImageExtensions = DefaultImageExtensions
	}
	return o
}

// ImportError describes one catalog line that could not be imported.
type ImportError struct {
	Line      int    `json:"line"`
	ProductID string `json:"product_id,omitempty"`
	Message   string `json:"message"`
}

// ImportReport summarizes a catalog import.
type ImportReport struct {
	Total   int           `json:"total"`
	Added   int           `json:"added"`
	Skipped int           `json:"skipped"`
	Failed  int           `json:"failed"`
	Errors  []ImportError `json:"errors,omitempty"`
}

type importItem struct {
	row    extract.CatalogRow
	images []string
}

// ImportCatalog adds every product of the catalog at catalogPath. Images for a product
// are read from imagesDir/<product name>/, sorted by file name. Products without images
// are skipped; per-product failures are recorded and the import continues. The index
// is saved after every batch that added something.
func (idx *Indexer) ImportCatalog(ctx context.Context, catalogPath, imagesDir string, opts ImportOptions) (*ImportReport, error) {
	opts = opts.withDefaults()
	info, err := os.Stat(imagesDir)
	if err != nil || !info.IsDir() {
		return nil, e.Validation("images directory does not exist: %s", imagesDir)
	}
	rows, err := extract.ReadCatalog(catalogPath)
	if err != nil {
		return nil, err
	}

	report := &ImportReport{Total: len(rows), Errors: []ImportError{}}
	items := make([]importItem, 0, len(rows))
	for _, row := range rows {
		if row.Err != nil {
			report.fail(row, row.Err)
			continue
		}
		folder, err := productImageDir(imagesDir, row.Name)
		if err != nil {
			report.fail(row, err)
			continue
		}
		images, err := productImages(folder, opts)
		if err != nil {
			report.fail(row, err)
			continue
		}
		if len(images) == 0 {
			report.Skipped++
			idx.logger.Debug("import: no images for product",
				zap.String("product_id", row.ProductID),
				zap.String("name", row.Name),
			)
			continue
		}
		items = append(items, importItem{row: row, images: images})
	}

	idx.logger.Info("import started",
		zap.String("catalog", catalogPath),
		zap.Int("products", len(items)),
		zap.Int("batch_size", opts.BatchSize),
	)
	for start := 0; start < len(items); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(items))
		addedInBatch := 0
		for _, item := range items[start:end] {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			_, err := idx.Add(ctx, item.row.Product(), item.images)
			var pe *e.PersistenceError
			switch {
			case err == nil:
				report.Added++
				addedInBatch++
			case errors.As(err, &pe):
				// Committed in memory; the batch save below retries persistence.
				report.Added++
				addedInBatch++
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return report, err
			default:
				report.fail(item.row, err)
				idx.logger.Warn("import: product failed",
					zap.String("product_id", item.row.ProductID),
					zap.Error(err),
				)
			}
		}
		if addedInBatch > 0 && idx.Stats().Dirty {
			if err := idx.Save(ctx); err != nil {
				idx.logger.Error("import: batch save failed", zap.Int("batch_start", start), zap.Error(err))
				report.Errors = append(report.Errors, ImportError{Message: fmt.Sprintf("save after batch %d: %v", start/opts.BatchSize+1, err)})
			}
		}
		idx.logger.Info("import batch done",
			zap.Int("batch", start/opts.BatchSize+1),
			zap.Int("added", report.Added),
			zap.Int("of", len(items)),
		)
	}
	return report, nil
}

func (r *ImportReport) fail(row extract.CatalogRow, err error) {
	r.Failed++
	r.Errors = append(r.Errors, ImportError{Line: row.Line, ProductID: row.ProductID, Message: err.Error()})
}

// productImageDir returns the image folder of a product. The name must be a single
// path element so a catalog cannot reach outside imagesDir.
func productImageDir(imagesDir, name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return "", e.Validation("product name %q is not a valid image folder name", name)
	}
	return filepath.Join(imagesDir, name), nil
}

// productImages lists the accepted images of dir in name order, capped at the limit.
// A missing directory yields no images.
func productImages(dir string, opts ImportOptions) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read image folder: %w", err)
	}
	var images []string
	for _, ent := range entries {
		if ent.IsDir() || !extensionAllowed(filepath.Ext(ent.Name()), opts.ImageExtensions) {
			continue
		}
		images = append(images, filepath.Join(dir, ent.Name()))
	}
	sort.Strings(images)
	if len(images) > opts.MaxImagesPerProduct {
		images = images[:opts.MaxImagesPerProduct]
	}
	return images, nil
}

func extensionAllowed(ext string, allowed []string) bool {
	extNorm := strings.ToLower(strings.TrimPrefix(ext, "."))
	if extNorm == "" {
		return false
	}
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == extNorm {
			return true
		}
	}
	return false
}

