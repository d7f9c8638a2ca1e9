// Package stores defines the canonical store record every retailer scraper
// produces, detects changes between runs and exports results.
package stores

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidStore is wrapped by Validate failures.
var ErrInvalidStore = errors.New("invalid store")

// Store is one normalized store location.
type Store struct {
	StoreID    string    `json:"store_id"`
	Retailer   string    `json:"retailer"`
	Name       string    `json:"name"`
	Street     string    `json:"street"`
	City       string    `json:"city"`
	State      string    `json:"state"`
	PostalCode string    `json:"postal_code"`
	Country    string    `json:"country"`
	Latitude   *float64  `json:"latitude,omitempty"`
	Longitude  *float64  `json:"longitude,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	Hours      string    `json:"hours,omitempty"`
	URL        string    `json:"url"`
	ScrapedAt  time.Time `json:"scraped_at"`
}

// Validate checks the fields every export relies on.
func (s *Store) Validate() error {
	switch {
	case strings.TrimSpace(s.StoreID) == "":
		return fmt.Errorf("%w: missing store_id", ErrInvalidStore)
	case strings.TrimSpace(s.Retailer) == "":
		return fmt.Errorf("%w: %s: missing retailer", ErrInvalidStore, s.StoreID)
	case strings.TrimSpace(s.Name) == "":
		return fmt.Errorf("%w: %s: missing name", ErrInvalidStore, s.StoreID)
	}
	if s.Latitude != nil && (*s.Latitude < -90 || *s.Latitude > 90) {
		return fmt.Errorf("%w: %s: latitude %v out of range", ErrInvalidStore, s.StoreID, *s.Latitude)
	}
	if s.Longitude != nil && (*s.Longitude < -180 || *s.Longitude > 180) {
		return fmt.Errorf("%w: %s: longitude %v out of range", ErrInvalidStore, s.StoreID, *s.Longitude)
	}
	return nil
}

// Key identifies a store across runs.
func (s *Store) Key() string {
	return s.Retailer + "/" + s.StoreID
}

// Fingerprint hashes the descriptive fields. ScrapedAt is excluded so an
// unchanged store keeps its fingerprint between runs.
func (s *Store) Fingerprint() string {
	h := sha256.New()
	for _, f := range s.comparable() {
		h.Write([]byte(f.value))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

type field struct {
	name  string
	value string
}

func (s *Store) comparable() []field {
	return []field{
		{"name", s.Name},
		{"street", s.Street},
		{"city", s.City},
		{"state", s.State},
		{"postal_code", s.PostalCode},
		{"country", s.Country},
		{"latitude", formatCoord(s.Latitude)},
		{"longitude", formatCoord(s.Longitude)},
		{"phone", s.Phone},
		{"hours", s.Hours},
		{"url", s.URL},
	}
}

// formatCoord rounds to ~1 m so float noise between runs is not a change.
func formatCoord(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 5, 64)
}

// Float returns a pointer to v, for building stores literally.
func Float(v float64) *float64 {
	return &v
}
