// Package models defines the product catalog records, image entries, and search results.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ProductID is a product identity. JSON numbers are accepted and kept as their decimal text.
type ProductID string

// UnmarshalJSON accepts both "sku-1" and 1024.
func (id *ProductID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ProductID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("product_id must be a string or integer: %w", err)
	}
	if _, err := n.Int64(); err != nil {
		return fmt.Errorf("product_id must be a string or integer, got %s", n)
	}
	*id = ProductID(n.String())
	return nil
}

// Product is the catalog record for one product.
type Product struct {
	ID          ProductID       `json:"product_id"`
	Name        string          `json:"name"`
	Attributes  map[string]any  `json:"attributes,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Validate checks the fields the index depends on.
func (p *Product) Validate() error {
	if strings.TrimSpace(string(p.ID)) == "" {
		return fmt.Errorf("product_id is required")
	}
	if p.Price.IsNegative() {
		return fmt.Errorf("price must be non-negative, got %s", p.Price)
	}
	for k, v := range p.Attributes {
		if !isScalarAttribute(v) {
			return fmt.Errorf("attribute %q must be a string or number, got %T", k, v)
		}
	}
	return nil
}

func isScalarAttribute(v any) bool {
	switch v.(type) {
	case string, float64, float32, int, int64, int32, json.Number:
		return true
	}
	return false
}

// ImageEntry maps one vector position to the product image it was extracted from.
type ImageEntry struct {
	Position  int64     `json:"vector_position"`
	ProductID ProductID `json:"product_id"`
	ImagePath string    `json:"image_path"`
	CreatedAt time.Time `json:"created_at"`
}

// ProductDetail is a product together with its indexed images.
type ProductDetail struct {
	Product *Product      `json:"product"`
	Images  []*ImageEntry `json:"images"`
}
