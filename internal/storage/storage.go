// Package storage provides the identity mapping store: the durable record of what each
// vector position means (product and image path) plus product metadata.
package storage

import (
	"context"

	"github.com/hyperjump/mirip/internal/models"
)

// Storage is the identity mapping store used by the index coordinator.
type Storage interface {
	// Position mapping
	Put(ctx context.Context, position int64, productID models.ProductID, imagePath string) error
	PutBatch(ctx context.Context, product *models.Product, entries []*models.ImageEntry) error
	Get(ctx context.Context, position int64) (*models.ImageEntry, error)
	Positions(ctx context.Context, from int64) ([]int64, error)
	DeleteFrom(ctx context.Context, position int64) (int64, error)
	ImagesByProduct(ctx context.Context, productID models.ProductID) ([]*models.ImageEntry, error)

	// Product operations
	UpsertProduct(ctx context.Context, product *models.Product) error
	GetProduct(ctx context.Context, productID models.ProductID) (*models.Product, error)
	ListProducts(ctx context.Context, offset, limit int) ([]*models.Product, error)

	// Stats
	RowCount() int64
	CountProducts(ctx context.Context) (int64, error)

	Close() error
}
