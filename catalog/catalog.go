// Package catalog holds the static table of storage locations the checker
// knows how to select on the target site.
package catalog

import (
	"fmt"
	"strings"

	"github.com/use-agent/stockwatch/models"
)

// defaultEntries is the reference deployment's location table.
//
// The location switcher matches select options by the leading token of the
// display name, so no two entries may share one. "Tangerang Selatan" (217)
// is left out for that reason: it would select "Tangerang".
var defaultEntries = []models.Location{
	{Key: "jakarta", StorageID: "200", DisplayName: "Jakarta"},
	{Key: "bandung", StorageID: "201", DisplayName: "Bandung"},
	{Key: "surabaya", StorageID: "202", DisplayName: "Surabaya"},
	{Key: "medan", StorageID: "206", DisplayName: "Medan"},
	{Key: "makassar", StorageID: "207", DisplayName: "Makassar"},
	{Key: "palembang", StorageID: "208", DisplayName: "Palembang"},
	{Key: "bali", StorageID: "209", DisplayName: "Bali"},
	{Key: "balikpapan", StorageID: "210", DisplayName: "Balikpapan"},
	{Key: "semarang", StorageID: "212", DisplayName: "Semarang"},
	{Key: "yogyakarta", StorageID: "213", DisplayName: "Yogyakarta"},
	{Key: "bekasi", StorageID: "215", DisplayName: "Bekasi"},
	{Key: "tangerang", StorageID: "216", DisplayName: "Tangerang"},
	{Key: "bogor", StorageID: "218", DisplayName: "Bogor"},
}

// Catalog is an immutable lookup table of locations.
// It is safe for concurrent use.
type Catalog struct {
	ordered []models.Location
	byKey   map[string]models.Location
	byID    map[string]models.Location
}

// Default returns the reference deployment's catalog.
func Default() *Catalog {
	c, err := New(defaultEntries)
	if err != nil {
		// The default table is checked by tests; this only fires on a bad edit.
		panic(fmt.Sprintf("catalog: invalid default table: %v", err))
	}
	return c
}

// New validates entries and builds a Catalog. Keys and storage IDs must be
// unique and display names must be disjoint on their leading token.
func New(entries []models.Location) (*Catalog, error) {
	c := &Catalog{
		ordered: make([]models.Location, 0, len(entries)),
		byKey:   make(map[string]models.Location, len(entries)),
		byID:    make(map[string]models.Location, len(entries)),
	}
	tokens := make(map[string]string, len(entries))

	for i, e := range entries {
		e.Key = strings.ToLower(strings.TrimSpace(e.Key))
		e.StorageID = strings.TrimSpace(e.StorageID)
		e.DisplayName = strings.TrimSpace(e.DisplayName)

		if e.Key == "" || e.StorageID == "" || e.DisplayName == "" {
			return nil, fmt.Errorf("catalog: entry %d: key, storage id and display name are required", i)
		}
		if _, dup := c.byKey[e.Key]; dup {
			return nil, fmt.Errorf("catalog: duplicate key %q", e.Key)
		}
		if _, dup := c.byID[e.StorageID]; dup {
			return nil, fmt.Errorf("catalog: duplicate storage id %q", e.StorageID)
		}
		tok := LeadingToken(e.DisplayName)
		if other, dup := tokens[tok]; dup {
			return nil, fmt.Errorf("catalog: %q and %q share leading token %q", other, e.DisplayName, tok)
		}

		tokens[tok] = e.DisplayName
		c.byKey[e.Key] = e
		c.byID[e.StorageID] = e
		c.ordered = append(c.ordered, e)
	}
	return c, nil
}

// Lookup resolves a selector by key (case-insensitive) or storage ID.
func (c *Catalog) Lookup(selector string) (models.Location, bool) {
	s := strings.TrimSpace(selector)
	if loc, ok := c.byID[s]; ok {
		return loc, true
	}
	loc, ok := c.byKey[strings.ToLower(s)]
	return loc, ok
}

// Resolve maps selectors to locations in input order. Unknown selectors are
// returned separately; repeated locations are kept once.
func (c *Catalog) Resolve(selectors []string) (found []models.Location, unknown []string) {
	seen := make(map[string]struct{}, len(selectors))
	for _, s := range selectors {
		loc, ok := c.Lookup(s)
		if !ok {
			unknown = append(unknown, s)
			continue
		}
		if _, dup := seen[loc.Key]; dup {
			continue
		}
		seen[loc.Key] = struct{}{}
		found = append(found, loc)
	}
	return found, unknown
}

// All returns a copy of the catalog in table order.
func (c *Catalog) All() []models.Location {
	out := make([]models.Location, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Len returns the number of locations.
func (c *Catalog) Len() int { return len(c.ordered) }

// LeadingToken returns the lower-cased first word of a display name, taken
// from the part before any " - " qualifier ("Surabaya - Darmo" → "surabaya").
func LeadingToken(displayName string) string {
	name, _, _ := strings.Cut(displayName, " - ")
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}
