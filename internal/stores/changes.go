package stores

import (
	"slices"
	"time"
)

// Modification is a store present in both runs whose details changed.
type Modification struct {
	StoreID string   `json:"store_id"`
	Fields  []string `json:"fields"`
	Before  Store    `json:"before"`
	After   Store    `json:"after"`
}

// Changes is the difference between two scrapes of one retailer.
type Changes struct {
	Retailer   string         `json:"retailer"`
	RunID      string         `json:"run_id"`
	ComputedAt time.Time      `json:"computed_at"`
	New        []Store        `json:"new"`
	Closed     []Store        `json:"closed"`
	Modified   []Modification `json:"modified"`
	Unchanged  int            `json:"unchanged"`
}

// Empty reports whether nothing changed.
func (c *Changes) Empty() bool {
	return len(c.New) == 0 && len(c.Closed) == 0 && len(c.Modified) == 0
}

// Diff compares the previous export with the current scrape. Stores are
// matched by StoreID; results are ordered by StoreID.
func Diff(previous, current []Store) Changes {
	before := index(previous)
	after := index(current)

	changes := Changes{
		New:      []Store{},
		Closed:   []Store{},
		Modified: []Modification{},
	}

	for _, id := range sortedKeys(after) {
		cur := after[id]
		prev, existed := before[id]
		if !existed {
			changes.New = append(changes.New, cur)
			continue
		}
		if prev.Fingerprint() == cur.Fingerprint() {
			changes.Unchanged++
			continue
		}
		changes.Modified = append(changes.Modified, Modification{
			StoreID: id,
			Fields:  changedFields(&prev, &cur),
			Before:  prev,
			After:   cur,
		})
	}
	for _, id := range sortedKeys(before) {
		if _, ok := after[id]; !ok {
			changes.Closed = append(changes.Closed, before[id])
		}
	}
	return changes
}

func index(list []Store) map[string]Store {
	m := make(map[string]Store, len(list))
	for _, s := range list {
		m[s.StoreID] = s
	}
	return m
}

func sortedKeys(m map[string]Store) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func changedFields(a, b *Store) []string {
	af, bf := a.comparable(), b.comparable()
	var names []string
	for i := range af {
		if af[i].value != bf[i].value {
			names = append(names, af[i].name)
		}
	}
	return names
}
