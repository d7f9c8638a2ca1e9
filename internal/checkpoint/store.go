package checkpoint

import (
	"path/filepath"
	"slices"
	"time"
)

// Dir returns data/{retailer}/checkpoints under dataDir.
func Dir(dataDir, retailer string) string {
	return filepath.Join(dataDir, retailer, "checkpoints")
}

// Store reads and writes the named checkpoints of one retailer.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at data/{retailer}/checkpoints.
func NewStore(dataDir, retailer string) *Store {
	return &Store{dir: Dir(dataDir, retailer)}
}

// Path returns the file backing the named checkpoint.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Save atomically replaces the named checkpoint.
func (s *Store) Save(name string, data any) error {
	return Save(s.Path(name), data)
}

// Load reports whether the named checkpoint existed and decoded into v.
func (s *Store) Load(name string, v any) bool {
	return Load(s.Path(name), v)
}

// Clear removes the named checkpoint.
func (s *Store) Clear(name string) error {
	return Remove(s.Path(name))
}

// Progress is the conventional checkpoint document written by store scrapers.
// S is the scraper's record type.
type Progress[S any] struct {
	CompletedCount    int       `json:"completed_count"`
	CompletedStoreIDs []string  `json:"completed_store_ids"`
	Stores            []S       `json:"stores"`
	LastUpdated       time.Time `json:"last_updated"`
}

// Record marks id finished and appends the records it produced.
func (p *Progress[S]) Record(id string, records ...S) {
	p.CompletedStoreIDs = append(p.CompletedStoreIDs, id)
	p.Stores = append(p.Stores, records...)
	p.CompletedCount = len(p.CompletedStoreIDs)
}

// Completed returns the set of finished store ids for quick lookups on resume.
func (p *Progress[S]) Completed() map[string]struct{} {
	done := make(map[string]struct{}, len(p.CompletedStoreIDs))
	for _, id := range p.CompletedStoreIDs {
		done[id] = struct{}{}
	}
	return done
}

// Snapshot copies p and stamps LastUpdated so it can be saved while workers keep appending.
func (p *Progress[S]) Snapshot(now time.Time) Progress[S] {
	return Progress[S]{
		CompletedCount:    p.CompletedCount,
		CompletedStoreIDs: slices.Clone(p.CompletedStoreIDs),
		Stores:            slices.Clone(p.Stores),
		LastUpdated:       now.UTC(),
	}
}
