// Package extract reads product catalogs (CSV and XLSX) into import rows.
package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/pkg/e"
)

// Column names as they appear after header normalization.
const (
	ColName        = "name"
	ColProductID   = "product_id"
	ColPattern     = "pattern"
	ColSize        = "size"
	ColColor       = "color"
	ColPrice       = "price"
	ColDescription = "description"
)

// RequiredColumns must all be present in a catalog header.
var RequiredColumns = []string{ColName, ColProductID, ColPattern, ColSize, ColColor}

// headerAliases maps accepted header spellings to column names.
var headerAliases = map[string]string{
	"名称":           ColName,
	"name":         ColName,
	"product_name": ColName,
	"货号":           ColProductID,
	"sku":          ColProductID,
	"product_id":   ColProductID,
	"id":           ColProductID,
	"图案":           ColPattern,
	"pattern":      ColPattern,
	"尺寸":           ColSize,
	"size":         ColSize,
	"颜色":           ColColor,
	"color":        ColColor,
	"colour":       ColColor,
	"价格":           ColPrice,
	"price":        ColPrice,
	"描述":           ColDescription,
	"description":  ColDescription,
}

// CatalogRow is one product line of a catalog. Err is set when the line is unusable;
// readers keep going so the importer can report every bad line.
type CatalogRow struct {
	Line        int
	ProductID   string
	Name        string
	Pattern     string
	Size        string
	Color       string
	Price       decimal.Decimal
	Description string
	Err         error
}

// Product converts the row into a product record with the catalog defaults applied:
// attributes {pattern, size, color} and, when empty, a description joining
// name, pattern, size and color.
func (r CatalogRow) Product() *models.Product {
	desc := r.Description
	if desc == "" {
		desc = strings.Join([]string{r.Name, r.Pattern, r.Size, r.Color}, " - ")
	}
	return &models.Product{
		ID:   models.ProductID(r.ProductID),
		Name: r.Name,
		Attributes: map[string]any{
			ColPattern: r.Pattern,
			ColSize:    r.Size,
			ColColor:   r.Color,
		},
		Price:       r.Price,
		Description: desc,
	}
}

// ReadCatalog parses the catalog at path, choosing the reader by extension.
func ReadCatalog(path string) ([]CatalogRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ParseCSV(f)
	case ".xlsx":
		return ParseXLSX(f)
	default:
		return nil, e.Validation("unsupported catalog format %q (want .csv or .xlsx)", filepath.Ext(path))
	}
}

// IsCatalogFile reports whether path has a catalog extension.
func IsCatalogFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".xlsx":
		return true
	}
	return false
}

// parseRows maps a header row plus data rows to catalog rows. Line numbers are
// 1-based with the header on line 1.
func parseRows(records [][]string) ([]CatalogRow, error) {
	if len(records) == 0 {
		return nil, e.Validation("catalog is empty")
	}
	index := make(map[string]int)
	for i, h := range records[0] {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if col, ok := headerAliases[key]; ok {
			if _, dup := index[col]; !dup {
				index[col] = i
			}
		}
	}
	var missing []string
	for _, col := range RequiredColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, e.Validation("catalog is missing required columns: %s", strings.Join(missing, ", "))
	}

	cell := func(rec []string, col string) string {
		i, ok := index[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	rows := make([]CatalogRow, 0, len(records)-1)
	for n, rec := range records[1:] {
		if blank(rec) {
			continue
		}
		row := CatalogRow{
			Line:        n + 2,
			ProductID:   cell(rec, ColProductID),
			Name:        cell(rec, ColName),
			Pattern:     cell(rec, ColPattern),
			Size:        cell(rec, ColSize),
			Color:       cell(rec, ColColor),
			Description: cell(rec, ColDescription),
			Price:       decimal.Zero,
		}
		switch {
		case row.ProductID == "":
			row.Err = e.Validation("line %d: product id is empty", row.Line)
		case row.Name == "":
			row.Err = e.Validation("line %d: name is empty", row.Line)
		}
		if raw := cell(rec, ColPrice); raw != "" && row.Err == nil {
			price, err := decimal.NewFromString(raw)
			switch {
			case err != nil:
				row.Err = e.Validation("line %d: invalid price %q", row.Line, raw)
			case price.IsNegative():
				row.Err = e.Validation("line %d: negative price %s", row.Line, raw)
			default:
				row.Price = price
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
