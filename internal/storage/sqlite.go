package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/pkg/e"
)

// SQLiteStorage implements Storage using SQLite.
// The product_images row count is cached in memory so RowCount is O(1); every write
// that adds or removes rows goes through a method that keeps it in step.
type SQLiteStorage struct {
	db *sql.DB

	countMu  sync.Mutex
	rowCount int64
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &SQLiteStorage{db: db}
	if err := db.QueryRow(`SELECT COUNT(*) FROM product_images`).Scan(&s.rowCount); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to count image rows: %w", err)
	}
	return s, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		product_id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		attributes TEXT,
		price TEXT NOT NULL DEFAULT '0',
		description TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS product_images (
		vector_position INTEGER PRIMARY KEY,
		product_id TEXT NOT NULL,
		image_path TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (product_id) REFERENCES products(product_id)
	);

	CREATE INDEX IF NOT EXISTS idx_product_images_product_id ON product_images(product_id);
	`
	_, err := db.Exec(schema)
	return err
}

// UpsertProduct inserts a product or overwrites the metadata of an existing one.
// created_at of an existing product is preserved.
func (s *SQLiteStorage) UpsertProduct(ctx context.Context, product *models.Product) error {
	return upsertProduct(ctx, s.db, product)
}

type execQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// upsertProduct writes product and sets its CreatedAt and UpdatedAt to the stored
// values, so an existing product keeps the created_at it was first stored with.
func upsertProduct(ctx context.Context, db execQueryer, product *models.Product) error {
	attributesJSON, err := json.Marshal(product.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}
	now := time.Now().UTC()
	createdAt := product.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO products (product_id, name, attributes, price, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(product_id) DO UPDATE SET
		   name = excluded.name,
		   attributes = excluded.attributes,
		   price = excluded.price,
		   description = excluded.description,
		   updated_at = excluded.updated_at`,
		string(product.ID), product.Name, string(attributesJSON), product.Price.String(),
		product.Description, createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert product %s: %w", product.ID, err)
	}
	var stored time.Time
	if err := db.QueryRowContext(ctx,
		`SELECT created_at FROM products WHERE product_id = ?`, string(product.ID),
	).Scan(&stored); err != nil {
		return fmt.Errorf("failed to read back product %s: %w", product.ID, err)
	}
	product.CreatedAt = stored
	product.UpdatedAt = now
	return nil
}

// GetProduct returns a product by ID.
func (s *SQLiteStorage) GetProduct(ctx context.Context, productID models.ProductID) (*models.Product, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT product_id, name, attributes, price, description, created_at, updated_at
		 FROM products WHERE product_id = ?`, string(productID),
	)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, e.NotFound("product", productID)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProduct(row scanner) (*models.Product, error) {
	var (
		p              models.Product
		id, price      string
		attributesJSON sql.NullString
	)
	if err := row.Scan(&id, &p.Name, &attributesJSON, &price, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.ID = models.ProductID(id)
	d, err := decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("product %s has invalid price %q: %w", id, price, err)
	}
	p.Price = d
	if attributesJSON.Valid && attributesJSON.String != "" && attributesJSON.String != "null" {
		if err := json.Unmarshal([]byte(attributesJSON.String), &p.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
		}
	}
	return &p, nil
}

// ListProducts returns products ordered by product_id with offset and limit.
func (s *SQLiteStorage) ListProducts(ctx context.Context, offset, limit int) ([]*models.Product, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT product_id, name, attributes, price, description, created_at, updated_at
		 FROM products ORDER BY product_id LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]*models.Product, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// Put inserts a single mapping row. The product must already exist.
func (s *SQLiteStorage) Put(ctx context.Context, position int64, productID models.ProductID, imagePath string) error {
	if position < 0 {
		return e.Validation("vector position must be non-negative, got %d", position)
	}
	s.countMu.Lock()
	defer s.countMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO product_images (vector_position, product_id, image_path, created_at)
		 VALUES (?, ?, ?, ?)`,
		position, string(productID), imagePath, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert image row %d: %w", position, err)
	}
	s.rowCount++
	return nil
}

// PutBatch upserts product and inserts entries in one transaction. Either every row
// is written or none is.
func (s *SQLiteStorage) PutBatch(ctx context.Context, product *models.Product, entries []*models.ImageEntry) error {
	s.countMu.Lock()
	defer s.countMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if product != nil {
		if err := upsertProduct(ctx, tx, product); err != nil {
			return err
		}
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO product_images (vector_position, product_id, image_path, created_at)
		 VALUES (?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, entry := range entries {
		if entry.Position < 0 {
			return e.Validation("vector position must be non-negative, got %d", entry.Position)
		}
		entry.CreatedAt = now
		if _, err := stmt.ExecContext(ctx, entry.Position, string(entry.ProductID), entry.ImagePath, entry.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert image row %d: %w", entry.Position, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.rowCount += int64(len(entries))
	return nil
}

// Get returns the mapping row for position.
func (s *SQLiteStorage) Get(ctx context.Context, position int64) (*models.ImageEntry, error) {
	var (
		entry models.ImageEntry
		id    string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT vector_position, product_id, image_path, created_at
		 FROM product_images WHERE vector_position = ?`, position,
	).Scan(&entry.Position, &id, &entry.ImagePath, &entry.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, e.NotFound("vector position", position)
	}
	if err != nil {
		return nil, err
	}
	entry.ProductID = models.ProductID(id)
	return &entry, nil
}

// ImagesByProduct returns all mapping rows of a product ordered by position.
func (s *SQLiteStorage) ImagesByProduct(ctx context.Context, productID models.ProductID) ([]*models.ImageEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT vector_position, product_id, image_path, created_at
		 FROM product_images WHERE product_id = ? ORDER BY vector_position`,
		string(productID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]*models.ImageEntry, 0)
	for rows.Next() {
		var (
			entry models.ImageEntry
			id    string
		)
		if err := rows.Scan(&entry.Position, &id, &entry.ImagePath, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.ProductID = models.ProductID(id)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// Positions returns every mapped position >= from in ascending order.
func (s *SQLiteStorage) Positions(ctx context.Context, from int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT vector_position FROM product_images WHERE vector_position >= ? ORDER BY vector_position`, from,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := make([]int64, 0)
	for rows.Next() {
		var p int64
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// DeleteFrom removes every mapping row with position >= position and returns how many
// were removed. Used only for rollback and startup recovery.
func (s *SQLiteStorage) DeleteFrom(ctx context.Context, position int64) (int64, error) {
	s.countMu.Lock()
	defer s.countMu.Unlock()
	result, err := s.db.ExecContext(ctx, `DELETE FROM product_images WHERE vector_position >= ?`, position)
	if err != nil {
		return 0, fmt.Errorf("failed to delete image rows from %d: %w", position, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	s.rowCount -= n
	return n, nil
}

// RowCount returns the number of mapping rows without touching the database.
func (s *SQLiteStorage) RowCount() int64 {
	s.countMu.Lock()
	defer s.countMu.Unlock()
	return s.rowCount
}

// CountProducts returns the total number of products.
func (s *SQLiteStorage) CountProducts(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
