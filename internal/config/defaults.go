package config

import (
	"os"
	"time"
)

// APIKeyEnv is read when embedding.api_key is empty.
const APIKeyEnv = "DASHSCOPE_API_KEY"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MaxUploadMB == 0 {
		cfg.Server.MaxUploadMB = 16
	}
	if cfg.Server.UploadDir == "" {
		cfg.Server.UploadDir = "/usr/local/var/mirip/uploads"
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = Duration(2 * time.Minute)
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/mirip/data/db/catalog.db"
	}
	if cfg.Storage.IndexPath == "" {
		cfg.Storage.IndexPath = "/usr/local/var/mirip/data/indices/vectors.mvec"
	}
	if cfg.Vector.IndexType == "" {
		cfg.Vector.IndexType = "memory"
	}
	if cfg.Vector.Dimensions == 0 {
		cfg.Vector.Dimensions = 1024
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "dashscope"
	}
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = os.Getenv(APIKeyEnv)
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "multimodal-embedding-v1"
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = Duration(30 * time.Second)
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 1024
	}
	if cfg.Extraction.PacingMin == 0 && cfg.Extraction.PacingMax == 0 {
		cfg.Extraction.PacingMin = Duration(time.Second)
		cfg.Extraction.PacingMax = Duration(3 * time.Second)
	}
	if cfg.Extraction.MaxAttempts == 0 {
		cfg.Extraction.MaxAttempts = 3
	}
	if cfg.Extraction.BaseDelay == 0 {
		cfg.Extraction.BaseDelay = Duration(5 * time.Second)
	}
	if cfg.Search.DefaultTopK == 0 {
		cfg.Search.DefaultTopK = 5
	}
	if cfg.Search.MaxTopK == 0 {
		cfg.Search.MaxTopK = 100
	}
	if cfg.Import.BatchSize == 0 {
		cfg.Import.BatchSize = 10
	}
	if cfg.Import.MaxImagesPerProduct == 0 {
		cfg.Import.MaxImagesPerProduct = 7
	}
	if cfg.Import.ImageExtensions == nil {
		cfg.Import.ImageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp"}
	}
}
