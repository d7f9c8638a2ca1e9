package retailers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jonesrussell/north-cloud/store-locator/internal/stores"
)

// ExtractStores reads every schema.org store described by the page's JSON-LD
// blocks. fallbackID names the store when the markup carries no identifier.
func ExtractStores(html []byte, pageURL, retailer, fallbackID string) ([]stores.Store, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var found []stores.Store
	doc.Find("script[type='application/ld+json']").Each(func(_ int, s *goquery.Selection) {
		var raw any
		if json.Unmarshal([]byte(s.Text()), &raw) != nil {
			return
		}
		for _, node := range flatten(raw) {
			if !isStore(node) {
				continue
			}
			found = append(found, toStore(node, pageURL, retailer))
		}
	})

	// A single store on the page inherits the URL's id.
	if len(found) == 1 && found[0].StoreID == "" {
		found[0].StoreID = fallbackID
	}
	return found, nil
}

// flatten walks arrays and @graph containers down to JSON-LD nodes.
func flatten(v any) []map[string]any {
	switch t := v.(type) {
	case []any:
		var out []map[string]any
		for _, item := range t {
			out = append(out, flatten(item)...)
		}
		return out
	case map[string]any:
		if graph, ok := t["@graph"]; ok {
			return flatten(graph)
		}
		return []map[string]any{t}
	default:
		return nil
	}
}

// isStore matches LocalBusiness and every schema.org *Store type.
func isStore(node map[string]any) bool {
	for _, typ := range strList(node["@type"]) {
		if typ == "LocalBusiness" || strings.HasSuffix(typ, "Store") {
			return true
		}
	}
	return false
}

func toStore(node map[string]any, pageURL, retailer string) stores.Store {
	s := stores.Store{
		StoreID:  firstString(node, "branchCode", "storeId", "identifier"),
		Retailer: retailer,
		Name:     str(node["name"]),
		Phone:    str(node["telephone"]),
		URL:      str(node["url"]),
	}
	if s.URL == "" {
		s.URL = pageURL
	}

	if addr, ok := node["address"].(map[string]any); ok {
		s.Street = str(addr["streetAddress"])
		s.City = str(addr["addressLocality"])
		s.State = str(addr["addressRegion"])
		s.PostalCode = str(addr["postalCode"])
		s.Country = str(addr["addressCountry"])
	}
	if geo, ok := node["geo"].(map[string]any); ok {
		s.Latitude = number(geo["latitude"])
		s.Longitude = number(geo["longitude"])
	}
	s.Hours = hours(node)
	return s
}

func hours(node map[string]any) string {
	if list := strList(node["openingHours"]); len(list) > 0 {
		return strings.Join(list, "; ")
	}
	specs, _ := node["openingHoursSpecification"].([]any)
	parts := make([]string, 0, len(specs))
	for _, raw := range specs {
		spec, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		days := make([]string, 0, 1)
		for _, d := range strList(spec["dayOfWeek"]) {
			days = append(days, strings.TrimPrefix(d, "https://schema.org/"))
		}
		parts = append(parts, fmt.Sprintf("%s %s-%s", strings.Join(days, ","), str(spec["opens"]), str(spec["closes"])))
	}
	return strings.Join(parts, "; ")
}

func firstString(node map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := str(node[k]); v != "" {
			return v
		}
	}
	return ""
}

// str renders scalar JSON values and {"name": ...} objects as text.
func str(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]any:
		return str(t["name"])
	default:
		return ""
	}
}

func strList(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := str(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func number(v any) *float64 {
	switch t := v.(type) {
	case float64:
		return stores.Float(t)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil
		}
		return stores.Float(f)
	default:
		return nil
	}
}
