package retailers

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// xmlURLSet is the root element of a standard sitemap.
type xmlURLSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

// xmlSitemapIndex is the root element of a sitemap index.
type xmlSitemapIndex struct {
	XMLName  xml.Name `xml:"sitemapindex"`
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// parseSitemap returns the page URLs of a urlset, or the child sitemap URLs
// of a sitemap index. Exactly one of the two slices is non-nil on success.
func parseSitemap(body []byte) (pages, children []string, err error) {
	var index xmlSitemapIndex
	if xml.Unmarshal(body, &index) == nil {
		children = make([]string, 0, len(index.Sitemaps))
		for _, s := range index.Sitemaps {
			if loc := strings.TrimSpace(s.Loc); loc != "" {
				children = append(children, loc)
			}
		}
		return nil, children, nil
	}

	var urlset xmlURLSet
	if err = xml.Unmarshal(body, &urlset); err != nil {
		return nil, nil, fmt.Errorf("parse sitemap: %w", err)
	}
	pages = make([]string, 0, len(urlset.URLs))
	for _, u := range urlset.URLs {
		if loc := strings.TrimSpace(u.Loc); loc != "" {
			pages = append(pages, loc)
		}
	}
	return pages, nil, nil
}
