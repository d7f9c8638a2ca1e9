package stores

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // SQLite driver
)

const sqliteDriver = "sqlite"

const storesSchema = `
CREATE TABLE IF NOT EXISTS stores (
	retailer    TEXT NOT NULL,
	store_id    TEXT NOT NULL,
	name        TEXT NOT NULL,
	street      TEXT NOT NULL DEFAULT '',
	city        TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL DEFAULT '',
	postal_code TEXT NOT NULL DEFAULT '',
	country     TEXT NOT NULL DEFAULT '',
	latitude    REAL,
	longitude   REAL,
	phone       TEXT NOT NULL DEFAULT '',
	hours       TEXT NOT NULL DEFAULT '',
	url         TEXT NOT NULL DEFAULT '',
	fingerprint TEXT NOT NULL,
	scraped_at  TEXT NOT NULL,
	PRIMARY KEY (retailer, store_id)
)`

// storeSelectColumns lists columns for SELECT queries on stores.
const storeSelectColumns = `retailer, store_id, name, street, city, state, postal_code,
	country, latitude, longitude, phone, hours, url, fingerprint, scraped_at`

const upsertStoreQuery = `
INSERT INTO stores (` + storeSelectColumns + `)
VALUES (:retailer, :store_id, :name, :street, :city, :state, :postal_code,
	:country, :latitude, :longitude, :phone, :hours, :url, :fingerprint, :scraped_at)
ON CONFLICT (retailer, store_id) DO UPDATE SET
	name = excluded.name,
	street = excluded.street,
	city = excluded.city,
	state = excluded.state,
	postal_code = excluded.postal_code,
	country = excluded.country,
	latitude = excluded.latitude,
	longitude = excluded.longitude,
	phone = excluded.phone,
	hours = excluded.hours,
	url = excluded.url,
	fingerprint = excluded.fingerprint,
	scraped_at = excluded.scraped_at`

// storeRow is the stores table row. Timestamps are stored as RFC 3339 text.
type storeRow struct {
	Retailer    string          `db:"retailer"`
	StoreID     string          `db:"store_id"`
	Name        string          `db:"name"`
	Street      string          `db:"street"`
	City        string          `db:"city"`
	State       string          `db:"state"`
	PostalCode  string          `db:"postal_code"`
	Country     string          `db:"country"`
	Latitude    sql.NullFloat64 `db:"latitude"`
	Longitude   sql.NullFloat64 `db:"longitude"`
	Phone       string          `db:"phone"`
	Hours       string          `db:"hours"`
	URL         string          `db:"url"`
	Fingerprint string          `db:"fingerprint"`
	ScrapedAt   string          `db:"scraped_at"`
}

func toRow(s *Store) storeRow {
	return storeRow{
		Retailer:    s.Retailer,
		StoreID:     s.StoreID,
		Name:        s.Name,
		Street:      s.Street,
		City:        s.City,
		State:       s.State,
		PostalCode:  s.PostalCode,
		Country:     s.Country,
		Latitude:    nullFloat(s.Latitude),
		Longitude:   nullFloat(s.Longitude),
		Phone:       s.Phone,
		Hours:       s.Hours,
		URL:         s.URL,
		Fingerprint: s.Fingerprint(),
		ScrapedAt:   s.ScrapedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (r *storeRow) store() Store {
	s := Store{
		StoreID:    r.StoreID,
		Retailer:   r.Retailer,
		Name:       r.Name,
		Street:     r.Street,
		City:       r.City,
		State:      r.State,
		PostalCode: r.PostalCode,
		Country:    r.Country,
		Phone:      r.Phone,
		Hours:      r.Hours,
		URL:        r.URL,
	}
	if r.Latitude.Valid {
		s.Latitude = Float(r.Latitude.Float64)
	}
	if r.Longitude.Valid {
		s.Longitude = Float(r.Longitude.Float64)
	}
	if t, err := time.Parse(time.RFC3339Nano, r.ScrapedAt); err == nil {
		s.ScrapedAt = t
	}
	return s
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// OpenSQLite opens (creating if needed) the stores database at path.
func OpenSQLite(ctx context.Context, path string) (*sqlx.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	db, err := sqlx.Open(sqliteDriver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer.
	db.SetMaxOpenConns(1)

	if _, err = db.ExecContext(ctx, storesSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create stores table: %w", err)
	}
	return db, nil
}

// SQLiteExporter upserts stores into a database that accumulates every
// retailer's latest known locations.
type SQLiteExporter struct {
	Path string
}

func (e *SQLiteExporter) Format() string { return FormatSQLite }

func (e *SQLiteExporter) Export(ctx context.Context, stores []Store) (string, error) {
	db, err := OpenSQLite(ctx, e.Path)
	if err != nil {
		return "", err
	}
	defer db.Close()

	if err = UpsertStores(ctx, db, stores); err != nil {
		return "", err
	}
	return e.Path, nil
}

// UpsertStores writes stores in one transaction.
func UpsertStores(ctx context.Context, db *sqlx.DB, stores []Store) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i := range stores {
		if _, err = tx.NamedExecContext(ctx, upsertStoreQuery, toRow(&stores[i])); err != nil {
			return fmt.Errorf("failed to upsert store %s: %w", stores[i].StoreID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit stores: %w", err)
	}
	return nil
}

// ListStores returns the stored locations of retailer ordered by store id.
func ListStores(ctx context.Context, db *sqlx.DB, retailer string) ([]Store, error) {
	query := `SELECT ` + storeSelectColumns + ` FROM stores WHERE retailer = ? ORDER BY store_id`

	var rows []storeRow
	if err := db.SelectContext(ctx, &rows, query, retailer); err != nil {
		return nil, fmt.Errorf("failed to list stores: %w", err)
	}
	list := make([]Store, len(rows))
	for i := range rows {
		list[i] = rows[i].store()
	}
	return list, nil
}
