// Package tiles recognizes scene identifiers of the product families ESPA
// accepts, both for validating order inputs and for scraping rejected tiles
// out of service responses.
package tiles

import (
	"fmt"
	"regexp"
	"sort"
)

// Scene identifier grammars.
const (
	LandsatLongPattern       = `L[COTE][7854]\d{3}\d{3}\d{7}\w{3}\d{2}`
	LandsatShortPattern      = `L[COTE][7854]\d{3}\d{3}\d{7}`
	LandsatCollectionPattern = `L[COTEM]0[4578]_L1(?:TP|GT|GS)_\d{6}_\d{8}_\d{8}_\d{2}_(?:T1|T2|RT)`
	ModisPattern             = `M[YO]D\d{2}[GQA]\w\.A\d{7}\.h\d{2}v\d{2}\.\d{3}\.\d{13}`
)

// LandsatProducts are the order keys whose inputs are Landsat scenes.
var LandsatProducts = []string{
	"oli8", "tm4", "tm5", "etm7", "olitirs8",
	"oli8_collection", "tm4_collection", "tm5_collection", "etm7_collection", "olitirs8_collection",
}

// ModisProducts are the order keys whose inputs are MODIS granules.
var ModisProducts = []string{
	"myd09gq", "myd09ga", "myd13q1", "mod13a1", "mod13a2", "mod13a3",
	"mod09a1", "mod09ga", "myd13a2", "myd13a3", "myd13a1", "mod13q1",
	"myd09q1", "mod09q1", "myd09a1", "mod09gq",
}

// BadTileError reports a tile that does not match its product's family.
type BadTileError struct {
	Product string
	Family  string
	Tile    string
}

func (e *BadTileError) Error() string {
	return fmt.Sprintf("tile %q is not a valid %s identifier for product %q", e.Tile, e.Family, e.Product)
}

// Family is a set of products sharing scene identifier grammars.
type Family struct {
	Name     string
	Products []string

	search []*regexp.Regexp
	exact  []*regexp.Regexp
}

// NewFamily compiles patterns for a family. Patterns are tried in order when
// searching, so list longer grammars before their prefixes.
func NewFamily(name string, products []string, patterns ...string) (*Family, error) {
	f := &Family{Name: name, Products: append([]string(nil), products...)}
	for _, p := range patterns {
		search, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile %s pattern %q: %w", name, p, err)
		}
		f.search = append(f.search, search)
		f.exact = append(f.exact, regexp.MustCompile(`^(?:`+p+`)$`))
	}
	return f, nil
}

// MustFamily is NewFamily that panics on a bad pattern.
func MustFamily(name string, products []string, patterns ...string) *Family {
	f, err := NewFamily(name, products, patterns...)
	if err != nil {
		panic(err)
	}
	return f
}

// Match reports whether tile is exactly one identifier of this family.
func (f *Family) Match(tile string) bool {
	for _, re := range f.exact {
		if re.MatchString(tile) {
			return true
		}
	}
	return false
}

// FindAll returns the distinct identifiers of this family found in text, in
// order of first appearance.
func (f *Family) FindAll(text string) []string {
	type hit struct {
		start int
		tile  string
	}

	var hits []hit
	covered := make([][2]int, 0)

	for _, re := range f.search {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			inside := false
			for _, c := range covered {
				if loc[0] >= c[0] && loc[1] <= c[1] {
					inside = true
					break
				}
			}
			if inside {
				continue
			}
			covered = append(covered, [2]int{loc[0], loc[1]})
			hits = append(hits, hit{start: loc[0], tile: text[loc[0]:loc[1]]})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].start < hits[j].start })

	seen := make(map[string]bool)
	var out []string
	for _, h := range hits {
		if seen[h.tile] {
			continue
		}
		seen[h.tile] = true
		out = append(out, h.tile)
	}
	return out
}

// Extractor pulls rejected tiles per product out of a response body.
type Extractor interface {
	Extract(products []string, text string) map[string][]string
}

// Recognizer maps products to families.
type Recognizer struct {
	families  []*Family
	byProduct map[string]*Family
}

// NewRecognizer creates a Recognizer over families. A product listed by more
// than one family belongs to the first.
func NewRecognizer(families ...*Family) *Recognizer {
	r := &Recognizer{byProduct: make(map[string]*Family)}
	for _, f := range families {
		r.families = append(r.families, f)
		for _, p := range f.Products {
			if _, ok := r.byProduct[p]; !ok {
				r.byProduct[p] = f
			}
		}
	}
	return r
}

// Landsat returns the Landsat family.
func Landsat() *Family {
	return MustFamily("landsat", LandsatProducts,
		LandsatCollectionPattern, LandsatLongPattern, LandsatShortPattern)
}

// Modis returns the MODIS family.
func Modis() *Family {
	return MustFamily("modis", ModisProducts, ModisPattern)
}

// Default recognizes Landsat and MODIS products.
func Default() *Recognizer {
	return NewRecognizer(Landsat(), Modis())
}

// FamilyOf returns the family product belongs to.
func (r *Recognizer) FamilyOf(product string) (*Family, bool) {
	f, ok := r.byProduct[product]
	return f, ok
}

// Validate checks every tile against product's family. Products outside any
// known family are accepted as-is.
func (r *Recognizer) Validate(product string, tiles []string) error {
	f, ok := r.FamilyOf(product)
	if !ok {
		return nil
	}
	for _, t := range tiles {
		if !f.Match(t) {
			return &BadTileError{Product: product, Family: f.Name, Tile: t}
		}
	}
	return nil
}

// Extract returns, for each product with a known family, the identifiers of
// that family found in text. Products with no hits are omitted.
func (r *Recognizer) Extract(products []string, text string) map[string][]string {
	out := make(map[string][]string)
	cache := make(map[*Family][]string)

	for _, p := range products {
		f, ok := r.FamilyOf(p)
		if !ok {
			continue
		}
		found, done := cache[f]
		if !done {
			found = f.FindAll(text)
			cache[f] = found
		}
		if len(found) > 0 {
			out[p] = append([]string(nil), found...)
		}
	}
	return out
}
