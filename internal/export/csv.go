// Package export renders stored products as the bulk-import CSV.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/maltedev/amazon-product-importer/internal/models"
)

// MaxImages is the number of image columns in every row.
const MaxImages = 12

const bulletSeparator = " | "

// Header returns the fixed column layout.
func Header() []string {
	header := []string{
		"sku", "asin", "title", "description", "bullet_points",
		"brand", "upc", "price", "weight", "dimensions",
	}
	for i := 1; i <= MaxImages; i++ {
		header = append(header, "image_"+strconv.Itoa(i))
	}
	return header
}

// Row renders one product. Images come from the stored blobs in position
// order; a product without stored images falls back to its source URLs.
func Row(p models.StoredProduct) []string {
	rec := p.Record
	row := []string{
		rec.Code,
		rec.ASIN,
		rec.Title,
		rec.Description,
		strings.Join(rec.Bullets, bulletSeparator),
		rec.Brand,
		rec.UPC,
		strconv.FormatFloat(rec.SalePrice, 'f', 2, 64),
		rec.Weight.String(),
		rec.Dimensions.String(),
	}

	images := make([]string, MaxImages)
	if len(p.Images) > 0 {
		for i, img := range p.Images {
			if i == MaxImages {
				break
			}
			images[i] = img.PublicURL
		}
	} else {
		for i, u := range rec.ImageURLs {
			if i == MaxImages {
				break
			}
			images[i] = u
		}
	}
	return append(row, images...)
}

// Write writes the header followed by one row per product.
func Write(w io.Writer, products []models.StoredProduct) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(Header()); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for _, p := range products {
		if err := writer.Write(Row(p)); err != nil {
			return fmt.Errorf("write csv record %s: %w", p.Record.Code, err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

// WriteFile writes the export to filename, creating parent directories.
func WriteFile(filename string, products []models.StoredProduct) error {
	if dir := filepath.Dir(filename); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create csv file: %w", err)
	}
	if err := Write(f, products); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
