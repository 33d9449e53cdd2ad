package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/mirip/internal/indexer"
	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/storage"
	"github.com/hyperjump/mirip/pkg/e"
)

const (
	productImagesDir = "products"
	queryImagesDir   = "queries"

	maxJSONBody = 1 << 20
)

func (s *Server) handleAddProduct(w http.ResponseWriter, r *http.Request) {
	if err := s.parseMultipart(w, r); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	raw := r.FormValue("product")
	if raw == "" {
		s.respondError(w, http.StatusBadRequest, "product field is required")
		return
	}
	var product models.Product
	if err := json.Unmarshal([]byte(raw), &product); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid product JSON: "+err.Error())
		return
	}
	files := r.MultipartForm.File["images"]
	if len(files) == 0 {
		s.respondError(w, http.StatusBadRequest, "at least one image is required")
		return
	}

	paths := make([]string, 0, len(files))
	cleanup := func() {
		for _, p := range paths {
			_ = os.Remove(p)
		}
	}
	for _, fh := range files {
		p, err := s.saveUpload(fh, productImagesDir)
		if err != nil {
			cleanup()
			s.respondFailure(w, err)
			return
		}
		paths = append(paths, p)
	}

	s.logger.Debug("add product request", zap.String("product_id", string(product.ID)), zap.Int("images", len(paths)))
	positions, err := s.indexer.Add(r.Context(), &product, paths)
	var pe *e.PersistenceError
	if err != nil && !errors.As(err, &pe) {
		cleanup()
		s.logger.Error("add product failed", zap.String("product_id", string(product.ID)), zap.Error(err))
		s.respondFailure(w, err)
		return
	}
	if pe != nil {
		s.logger.Error("product committed but not persisted", zap.String("product_id", string(product.ID)), zap.Error(err))
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, &models.AddResponse{ProductID: product.ID, Positions: positions, Durable: true})
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	products, err := s.indexer.ListProducts(r.Context(), offset, limit)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	total, err := s.indexer.CountProducts(r.Context())
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"products": products,
		"total":    total,
		"offset":   offset,
		"limit":    limit,
	})
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	detail, err := s.indexer.GetProduct(r.Context(), models.ProductID(id))
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, detail)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var query models.ImageQuery
	if isMultipart(r) {
		if err := s.parseMultipart(w, r); err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		files := r.MultipartForm.File["image"]
		if len(files) == 0 {
			s.respondError(w, http.StatusBadRequest, "image file is required")
			return
		}
		if v := r.FormValue("top_k"); v != "" {
			k, err := strconv.Atoi(v)
			if err != nil {
				s.respondError(w, http.StatusBadRequest, "top_k must be an integer")
				return
			}
			query.TopK = k
		}
		path, err := s.saveUpload(files[0], queryImagesDir)
		if err != nil {
			s.respondFailure(w, err)
			return
		}
		defer os.Remove(path)
		query.ImagePath = path
	} else if !s.decodeJSON(w, r, &query) {
		return
	}
	if err := query.Validate(s.config.Search.DefaultTopK, s.config.Search.MaxTopK); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Debug("search request", zap.String("image", query.ImagePath), zap.Int("top_k", query.TopK))
	start := time.Now()
	results, err := s.indexer.Search(r.Context(), query.ImagePath, query.TopK)
	if err != nil {
		s.logger.Error("search failed", zap.Error(err))
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, &models.SearchResponse{
		Results:   results,
		Total:     len(results),
		TopK:      query.TopK,
		QueryTime: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleSearchText(w http.ResponseWriter, r *http.Request) {
	var query models.TextQuery
	if !s.decodeJSON(w, r, &query) {
		return
	}
	start := time.Now()
	results, err := s.indexer.SearchText(r.Context(), &query)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, &models.TextSearchResponse{
		Results:   results,
		Total:     len(results),
		Query:     query.Query,
		QueryTime: time.Since(start).Milliseconds(),
	})
}

type importRequest struct {
	CatalogPath string `json:"catalog_path"`
	ImagesDir   string `json:"images_dir"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.CatalogPath == "" {
		s.respondError(w, http.StatusBadRequest, "catalog_path is required")
		return
	}
	if req.ImagesDir == "" {
		req.ImagesDir = s.config.Import.ImagesDir
	}
	if req.ImagesDir == "" {
		req.ImagesDir = filepath.Dir(req.CatalogPath)
	}
	s.logger.Info("catalog import request", zap.String("catalog", req.CatalogPath), zap.String("images_dir", req.ImagesDir))
	report, err := s.indexer.ImportCatalog(r.Context(), req.CatalogPath, req.ImagesDir, s.ImportOptions())
	if err != nil {
		s.logger.Error("catalog import failed", zap.Error(err))
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

// ImportOptions returns the configured catalog import options.
func (s *Server) ImportOptions() indexer.ImportOptions {
	return indexer.ImportOptions{
		BatchSize:           s.config.Import.BatchSize,
		MaxImagesPerProduct: s.config.Import.MaxImagesPerProduct,
		ImageExtensions:     s.config.Import.ImageExtensions,
	}
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if err := s.indexer.Save(r.Context()); err != nil {
		s.logger.Error("index save failed", zap.Error(err))
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"status": "saved", "vectors": s.indexer.Stats().Vectors})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.indexer.Stats()
	products, err := s.indexer.CountProducts(r.Context())
	if err != nil {
		s.logger.Error("status: count products failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]any{
		"products":       products,
		"vectors":        stats.Vectors,
		"mapping_rows":   stats.Rows,
		"dimensions":     stats.Dimensions,
		"index_type":     stats.IndexType,
		"dirty":          stats.Dirty,
		"consistent":     int64(stats.Vectors) == stats.Rows,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	resp["config"] = map[string]any{
		"database_path":      s.config.Storage.DatabasePath,
		"index_path":         s.config.Storage.IndexPath,
		"keyword_index_path": s.config.Storage.KeywordIndexPath,
		"embedding_provider": s.config.Embedding.Provider,
		"embedding_model":    s.config.Embedding.Model,
		"default_top_k":      s.config.Search.DefaultTopK,
	}
	fp, err := storage.DiskFootprint(
		s.config.Storage.DatabasePath,
		s.config.Storage.IndexPath,
		s.config.Storage.KeywordIndexPath,
	)
	if err == nil {
		resp["disk_usage_bytes"] = fp.Total
	} else {
		s.logger.Warn("status: disk usage failed", zap.Error(err))
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) parseMultipart(w http.ResponseWriter, r *http.Request) error {
	limit := s.config.Server.MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("upload exceeds %d MB", s.config.Server.MaxUploadMB)
		}
		return fmt.Errorf("invalid multipart form: %w", err)
	}
	return nil
}

// decodeJSON reads a JSON body of at most maxJSONBody bytes into v. On failure it
// writes the error response and returns false.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", maxJSONBody))
			return false
		}
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// saveUpload writes fh under upload_dir/sub with a fresh uuid name, keeping the extension.
func (s *Server) saveUpload(fh *multipart.FileHeader, sub string) (string, error) {
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	if !s.allowedImage(ext) {
		return "", e.Validation("file type %q is not allowed", ext)
	}
	dir := filepath.Join(s.config.Server.UploadDir, sub)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	path := filepath.Join(dir, uuid.NewString()+ext)
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

func (s *Server) allowedImage(ext string) bool {
	allowed := s.config.Import.ImageExtensions
	if len(allowed) == 0 {
		allowed = indexer.DefaultImageExtensions
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimPrefix(a, "."), strings.TrimPrefix(ext, ".")) {
			return true
		}
	}
	return false
}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "multipart/form-data"
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}

// respondFailure maps the error taxonomy to a status code.
func (s *Server) respondFailure(w http.ResponseWriter, err error) {
	var pe *e.PersistenceError
	switch {
	case errors.As(err, &pe):
		s.respondJSON(w, http.StatusInternalServerError, map[string]any{
			"error":            err.Error(),
			"committed":        true,
			"vector_positions": pe.Positions,
		})
	case errors.Is(err, e.ErrValidation), errors.Is(err, e.ErrInvalidImage):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, e.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, e.ErrExtractionFailed):
		s.respondError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, indexer.ErrTextSearchDisabled):
		s.respondError(w, http.StatusNotImplemented, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.respondError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
