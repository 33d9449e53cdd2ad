package models

import "fmt"

// ImageQuery is a similarity search request over a server-local image path.
type ImageQuery struct {
	ImagePath string `json:"image_path"`
	TopK      int    `json:"top_k,omitempty"`
}

// Validate applies the default top_k and caps it at maxTopK.
func (q *ImageQuery) Validate(defaultTopK, maxTopK int) error {
	if q.ImagePath == "" {
		return fmt.Errorf("image_path cannot be empty")
	}
	if q.TopK < 0 {
		return fmt.Errorf("top_k must be positive, got %d", q.TopK)
	}
	if q.TopK == 0 {
		q.TopK = defaultTopK
	}
	if maxTopK > 0 && q.TopK > maxTopK {
		q.TopK = maxTopK
	}
	return nil
}

// TextQuery is a keyword search request over product names, descriptions and attributes.
type TextQuery struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
	Fuzzy bool   `json:"fuzzy,omitempty"`
}

// Validate ensures the query is non-empty and normalizes limit.
func (q *TextQuery) Validate() error {
	if q.Query == "" {
		return fmt.Errorf("query cannot be empty")
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	return nil
}
