package models

// SearchResult is one visually similar catalog image.
type SearchResult struct {
	Product    *Product `json:"product"`
	Similarity float64  `json:"similarity"`
	ImagePath  string   `json:"image_path"`
	Rank       int      `json:"rank"`
}

// SearchResponse wraps image search results for the API and CLI.
type SearchResponse struct {
	Results   []*SearchResult `json:"results"`
	Total     int             `json:"total"`
	TopK      int             `json:"top_k"`
	QueryTime int64           `json:"query_time_ms"`
}

// TextSearchResult is one keyword hit over product text.
type TextSearchResult struct {
	Product *Product `json:"product"`
	Score   float64  `json:"score"`
	Rank    int      `json:"rank"`
}

// TextSearchResponse wraps text search results.
type TextSearchResponse struct {
	Results   []*TextSearchResult `json:"results"`
	Total     int                 `json:"total"`
	Query     string              `json:"query"`
	QueryTime int64               `json:"query_time_ms"`
}

// AddResponse reports the positions assigned by an add.
type AddResponse struct {
	ProductID ProductID `json:"product_id"`
	Positions []int64   `json:"vector_positions"`
	Durable   bool      `json:"durable"`
}
