package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hyperjump/mirip/internal/models"
)

var httpClient = &http.Client{Timeout: 2 * time.Minute}

// searchViaHTTP uploads the image at imagePath to a running server.
func searchViaHTTP(serverURL, imagePath string, k int) (*models.SearchResponse, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", filepath.Base(imagePath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, err
	}
	if k > 0 {
		if err := mw.WriteField("top_k", strconv.Itoa(k)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var response models.SearchResponse
	if err := postJSONResponse(endpoint(serverURL, "/api/v1/search"), mw.FormDataContentType(), &body, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

func searchTextViaHTTP(serverURL string, query *models.TextQuery) (*models.TextSearchResponse, error) {
	data, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}
	var response models.TextSearchResponse
	if err := postJSONResponse(endpoint(serverURL, "/api/v1/search/text"), "application/json", bytes.NewReader(data), &response); err != nil {
		return nil, err
	}
	return &response, nil
}

func statusViaHTTP(serverURL string) (map[string]any, error) {
	resp, err := httpClient.Get(endpoint(serverURL, "/api/v1/status"))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, serverError(resp)
	}
	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return status, nil
}

func endpoint(serverURL, path string) string {
	return strings.TrimRight(serverURL, "/") + path
}

func postJSONResponse(url, contentType string, body io.Reader, out any) error {
	resp, err := httpClient.Post(url, contentType, body)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return serverError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func serverError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &payload) == nil && payload.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
}
