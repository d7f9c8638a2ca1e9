package stores

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jonesrussell/north-cloud/store-locator/internal/checkpoint"
)

// Export formats.
const (
	FormatJSON   = "json"
	FormatCSV    = "csv"
	FormatXLSX   = "xlsx"
	FormatSQLite = "sqlite"
)

// ErrUnknownFormat is returned for an export format with no exporter.
var ErrUnknownFormat = errors.New("unknown export format")

// Formats lists every supported export format.
func Formats() []string {
	return []string{FormatJSON, FormatCSV, FormatXLSX, FormatSQLite}
}

// DefaultFormats are used when a retailer configures none.
func DefaultFormats() []string {
	return []string{FormatJSON, FormatCSV}
}

// Exporter writes a full result set to one file under an output directory.
type Exporter interface {
	Format() string
	// Export writes stores and returns the file it wrote.
	Export(ctx context.Context, stores []Store) (string, error)
}

// OutputDir returns data/{retailer}/output under dataDir.
func OutputDir(dataDir, retailer string) string {
	return filepath.Join(dataDir, retailer, "output")
}

// NewExporter returns the exporter for format writing into dir.
func NewExporter(format, dir string) (Exporter, error) {
	switch format {
	case FormatJSON:
		return &JSONExporter{Path: filepath.Join(dir, "stores_latest.json")}, nil
	case FormatCSV:
		return &CSVExporter{Path: filepath.Join(dir, "stores_latest.csv")}, nil
	case FormatXLSX:
		return &XLSXExporter{Path: filepath.Join(dir, "stores_latest.xlsx")}, nil
	case FormatSQLite:
		return &SQLiteExporter{Path: filepath.Join(dir, "stores.db")}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// ExportAll runs one exporter per format and returns the written paths. It
// stops at the first failure.
func ExportAll(ctx context.Context, dir string, formats []string, stores []Store) ([]string, error) {
	paths := make([]string, 0, len(formats))
	for _, format := range formats {
		exp, err := NewExporter(format, dir)
		if err != nil {
			return paths, err
		}
		path, err := exp.Export(ctx, stores)
		if err != nil {
			return paths, fmt.Errorf("export %s: %w", format, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// LoadLatest reads the previous JSON export in dir. A missing or unreadable
// export yields no stores.
func LoadLatest(dir string) []Store {
	var list []Store
	if !checkpoint.Load(filepath.Join(dir, "stores_latest.json"), &list) {
		return nil
	}
	return list
}

// WriteChanges stores c as changes_{run_id}.json in dir.
func WriteChanges(dir string, c *Changes) (string, error) {
	path := filepath.Join(dir, "changes_"+c.RunID+".json")
	if err := checkpoint.Save(path, c); err != nil {
		return "", err
	}
	return path, nil
}

// JSONExporter writes an indented JSON array.
type JSONExporter struct {
	Path string
}

func (e *JSONExporter) Format() string { return FormatJSON }

func (e *JSONExporter) Export(_ context.Context, stores []Store) (string, error) {
	if stores == nil {
		stores = []Store{}
	}
	if err := checkpoint.Save(e.Path, stores); err != nil {
		return "", err
	}
	return e.Path, nil
}

// Columns is the flat column order shared by the tabular exporters.
var Columns = []string{
	"store_id", "retailer", "name", "street", "city", "state", "postal_code",
	"country", "latitude", "longitude", "phone", "hours", "url", "scraped_at",
}

// Row flattens s in Columns order.
func (s *Store) Row() []string {
	return []string{
		s.StoreID,
		s.Retailer,
		s.Name,
		s.Street,
		s.City,
		s.State,
		s.PostalCode,
		s.Country,
		formatFloat(s.Latitude),
		formatFloat(s.Longitude),
		s.Phone,
		s.Hours,
		s.URL,
		s.ScrapedAt.UTC().Format(time.RFC3339),
	}
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// CSVExporter writes a header row followed by one row per store.
type CSVExporter struct {
	Path string
}

func (e *CSVExporter) Format() string { return FormatCSV }

func (e *CSVExporter) Export(_ context.Context, stores []Store) (string, error) {
	err := checkpoint.WriteAtomic(e.Path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(Columns); err != nil {
			return err
		}
		for i := range stores {
			if err := cw.Write(stores[i].Row()); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
	if err != nil {
		return "", err
	}
	return e.Path, nil
}
