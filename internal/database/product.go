package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/maltedev/amazon-product-importer/internal/models"
)

// ProductRepository stores acquired products. Records are created once and
// never overwritten; every creation writes a PRODUCT_ACQUIRED outbox event
// in the same transaction.
type ProductRepository struct {
	db     *DB
	outbox *OutboxRepository
	logger *slog.Logger
}

func NewProductRepository(db *DB, logger *slog.Logger) *ProductRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProductRepository{
		db:     db,
		outbox: NewOutboxRepository(db),
		logger: logger.With("component", "product_repository"),
	}
}

type acquiredPayload struct {
	Ref        string    `json:"ref"`
	Code       string    `json:"code"`
	Kind       string    `json:"kind"`
	ASIN       string    `json:"asin"`
	Title      string    `json:"title"`
	Brand      string    `json:"brand,omitempty"`
	Price      *float64  `json:"price,omitempty"`
	SalePrice  float64   `json:"sale_price"`
	ImageCount int       `json:"image_count"`
	AcquiredAt time.Time `json:"acquired_at"`
}

type imagesPayload struct {
	Code   string               `json:"code"`
	Images []models.StoredImage `json:"images"`
}

func newAcquiredPayload(ref string, rec models.ProductRecord) acquiredPayload {
	return acquiredPayload{
		Ref:        ref,
		Code:       rec.Code,
		Kind:       rec.Kind,
		ASIN:       rec.ASIN,
		Title:      rec.Title,
		Brand:      rec.Brand,
		Price:      rec.Price,
		SalePrice:  rec.SalePrice,
		ImageCount: len(rec.ImageURLs),
		AcquiredAt: rec.AcquiredAt,
	}
}

// Lookup reports whether a product with code exists and returns its ref.
func (r *ProductRepository) Lookup(ctx context.Context, code string) (string, bool, error) {
	var id uuid.UUID
	err := r.db.pool.QueryRow(ctx, `SELECT id FROM products WHERE code = $1`, code).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up product %s: %w", code, err)
	}
	return id.String(), true, nil
}

// Create inserts rec if no product with the same code exists. On conflict
// it returns the existing ref with models.ErrAlreadyExists.
func (r *ProductRepository) Create(ctx context.Context, rec models.ProductRecord) (string, error) {
	bullets, err := json.Marshal(nonNil(rec.Bullets))
	if err != nil {
		return "", fmt.Errorf("failed to marshal bullets: %w", err)
	}
	images, err := json.Marshal(nonNil(rec.ImageURLs))
	if err != nil {
		return "", fmt.Errorf("failed to marshal image urls: %w", err)
	}
	dimensions, err := optionalJSON(rec.Dimensions)
	if err != nil {
		return "", fmt.Errorf("failed to marshal dimensions: %w", err)
	}
	weight, err := optionalJSON(rec.Weight)
	if err != nil {
		return "", fmt.Errorf("failed to marshal weight: %w", err)
	}

	id := uuid.New()
	var existing string

	err = r.db.WithTx(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO products (
				id, code, kind, asin, url, title, description, bullets,
				brand, upc, price, sale_price, dimensions, weight,
				image_urls, acquired_at
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
			)
			ON CONFLICT (code) DO NOTHING`

		tag, err := tx.Exec(ctx, query,
			id, rec.Code, rec.Kind, rec.ASIN, rec.URL, rec.Title, rec.Description, bullets,
			rec.Brand, rec.UPC, rec.Price, rec.SalePrice, dimensions, weight,
			images, rec.AcquiredAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert product: %w", err)
		}

		if tag.RowsAffected() == 0 {
			var existingID uuid.UUID
			if err := tx.QueryRow(ctx, `SELECT id FROM products WHERE code = $1`, rec.Code).Scan(&existingID); err != nil {
				return fmt.Errorf("failed to read existing product: %w", err)
			}
			existing = existingID.String()
			return models.ErrAlreadyExists
		}

		event, err := NewProductEvent(EventProductAcquired, rec.Code, newAcquiredPayload(id.String(), rec))
		if err != nil {
			return err
		}
		return r.outbox.InsertWithTx(ctx, tx, event)
	})

	if errors.Is(err, models.ErrAlreadyExists) {
		r.logger.Info("product already exists", "code", rec.Code, "ref", existing)
		return existing, models.ErrAlreadyExists
	}
	if err != nil {
		return "", err
	}

	r.logger.Info("product created", "code", rec.Code, "ref", id.String())
	return id.String(), nil
}

// AttachImages records uploaded images for code. Re-attaching a position
// replaces the previous row.
func (r *ProductRepository) AttachImages(ctx context.Context, code string, images []models.StoredImage) error {
	if len(images) == 0 {
		return nil
	}

	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, img := range images {
			batch.Queue(`
				INSERT INTO product_images (code, position, source_url, public_url, storage_key, content_type)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (code, position) DO UPDATE SET
					source_url = EXCLUDED.source_url,
					public_url = EXCLUDED.public_url,
					storage_key = EXCLUDED.storage_key,
					content_type = EXCLUDED.content_type`,
				code, img.Position, img.SourceURL, img.PublicURL, img.StorageKey, img.ContentType)
		}
		batch.Queue(`UPDATE products SET updated_at = NOW() WHERE code = $1`, code)

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to attach images to %s: %w", code, err)
		}

		event, err := NewProductEvent(EventProductImagesAttached, code, imagesPayload{Code: code, Images: images})
		if err != nil {
			return err
		}
		return r.outbox.InsertWithTx(ctx, tx, event)
	})
}

const productColumns = `
	id, code, kind, asin, url, title, description, bullets, brand, upc,
	price, sale_price, dimensions, weight, image_urls, acquired_at, created_at`

// Get returns the stored product for code, or nil when there is none.
func (r *ProductRepository) Get(ctx context.Context, code string) (*models.StoredProduct, error) {
	products, err := r.List(ctx, []string{code})
	if err != nil {
		return nil, err
	}
	if len(products) == 0 {
		return nil, nil
	}
	return &products[0], nil
}

// List returns the stored products for codes in the order requested.
// Unknown codes are skipped. An empty codes slice lists every product.
func (r *ProductRepository) List(ctx context.Context, codes []string) ([]models.StoredProduct, error) {
	query := `SELECT` + productColumns + ` FROM products`
	var args []any
	if len(codes) > 0 {
		query += ` WHERE code = ANY($1) ORDER BY array_position($1, code)`
		args = append(args, codes)
	} else {
		query += ` ORDER BY created_at ASC`
	}

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var products []models.StoredProduct
	index := make(map[string]int)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		index[p.Record.Code] = len(products)
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating products: %w", err)
	}
	if len(products) == 0 {
		return nil, nil
	}

	found := make([]string, 0, len(products))
	for _, p := range products {
		found = append(found, p.Record.Code)
	}

	imgRows, err := r.db.pool.Query(ctx, `
		SELECT code, position, source_url, public_url, storage_key, content_type
		FROM product_images
		WHERE code = ANY($1)
		ORDER BY code, position`, found)
	if err != nil {
		return nil, fmt.Errorf("failed to list product images: %w", err)
	}
	defer imgRows.Close()

	for imgRows.Next() {
		var code string
		var img models.StoredImage
		if err := imgRows.Scan(&code, &img.Position, &img.SourceURL, &img.PublicURL, &img.StorageKey, &img.ContentType); err != nil {
			return nil, fmt.Errorf("failed to scan product image: %w", err)
		}
		if i, ok := index[code]; ok {
			products[i].Images = append(products[i].Images, img)
		}
	}
	if err := imgRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating product images: %w", err)
	}

	return products, nil
}

// Count returns the number of stored products.
func (r *ProductRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM products`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count products: %w", err)
	}
	return count, nil
}

func scanProduct(rows pgx.Rows) (models.StoredProduct, error) {
	var (
		p                  models.StoredProduct
		id                 uuid.UUID
		bullets, images    []byte
		dimensions, weight []byte
	)
	rec := &p.Record
	err := rows.Scan(
		&id, &rec.Code, &rec.Kind, &rec.ASIN, &rec.URL, &rec.Title, &rec.Description, &bullets,
		&rec.Brand, &rec.UPC, &rec.Price, &rec.SalePrice, &dimensions, &weight,
		&images, &rec.AcquiredAt, &p.CreatedAt,
	)
	if err != nil {
		return p, fmt.Errorf("failed to scan product: %w", err)
	}
	p.Ref = id.String()

	if err := json.Unmarshal(bullets, &rec.Bullets); err != nil {
		return p, fmt.Errorf("failed to decode bullets: %w", err)
	}
	if err := json.Unmarshal(images, &rec.ImageURLs); err != nil {
		return p, fmt.Errorf("failed to decode image urls: %w", err)
	}
	if len(dimensions) > 0 {
		rec.Dimensions = &models.Dimension{}
		if err := json.Unmarshal(dimensions, rec.Dimensions); err != nil {
			return p, fmt.Errorf("failed to decode dimensions: %w", err)
		}
	}
	if len(weight) > 0 {
		rec.Weight = &models.Weight{}
		if err := json.Unmarshal(weight, rec.Weight); err != nil {
			return p, fmt.Errorf("failed to decode weight: %w", err)
		}
	}
	return p, nil
}

func optionalJSON[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
