// Package catalog holds the immutable product catalog, the narrowed display
// view mutated by the find_products tool, and the fuzzy name matcher used to
// resolve spoken product references.
package catalog

import (
	"strings"
	"sync"
)

// Product is an immutable catalog entry.
type Product struct {
	ID          int
	Name        string
	Category    string
	Price       float64
	Description string
	ImageURL    string
}

// Default returns the built-in six-product catalog. The slice is freshly
// allocated on each call so callers cannot mutate the source of truth.
func Default() []Product {
	return []Product{
		{
			ID:          1,
			Name:        "Delta Pro",
			Category:    "Laptops",
			Price:       1299.99,
			Description: "A powerful and sleek laptop for professionals and creatives.",
			ImageURL:    "images/DeltaProLaptop.jpg",
		},
		{
			ID:          2,
			Name:        "Sonic Sphere Earbuds",
			Category:    "Audio",
			Price:       149.99,
			Description: "Crystal-clear sound with noise-cancellation technology.",
			ImageURL:    "images/SonicSphereEarBuds.jpg",
		},
		{
			ID:          3,
			Name:        "Chrono Watch",
			Category:    "Wearables",
			Price:       249.99,
			Description: "A smart watch with a classic design and modern features.",
			ImageURL:    "images/ChronoWatch.jpg",
		},
		{
			ID:          4,
			Name:        "Nova Book Mini",
			Category:    "Laptops",
			Price:       999.99,
			Description: "Ultra-lightweight and portable for work on the go.",
			ImageURL:    "images/NovaBookMiniLaptop.jpg",
		},
		{
			ID:          5,
			Name:        "Sonic Wave Speaker",
			Category:    "Audio",
			Price:       89.99,
			Description: "A portable bluetooth speaker with rich, room-filling sound.",
			ImageURL:    "images/SonicWaveSpeaker.jpg",
		},
		{
			ID:          6,
			Name:        "Fit Track Band",
			Category:    "Wearables",
			Price:       79.99,
			Description: "Monitor your fitness goals with this sleek and comfortable band.",
			ImageURL:    "images/FitTrackBand.jpg",
		},
	}
}

// Categories returns the distinct categories of products in catalog order.
func Categories(products []Product) []string {
	seen := make(map[string]bool, len(products))
	var out []string
	for _, p := range products {
		if !seen[p.Category] {
			seen[p.Category] = true
			out = append(out, p.Category)
		}
	}
	return out
}

// View is the narrowed display list shown to the user. find_products filters
// it by category or resets it to the full catalog; the UI reads it. The
// backing catalog itself is never mutated. Safe for concurrent use.
type View struct {
	mu      sync.Mutex
	all     []Product
	visible []Product
}

// NewView creates a View over products, initially showing all of them.
func NewView(products []Product) *View {
	v := &View{all: products}
	v.visible = append([]Product(nil), products...)
	return v
}

// All returns a copy of the full backing catalog.
func (v *View) All() []Product {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Product(nil), v.all...)
}

// Visible returns a copy of the currently displayed products.
func (v *View) Visible() []Product {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Product(nil), v.visible...)
}

// FilterCategory narrows the view to products whose category matches
// (case-insensitive exact) and returns the number shown.
func (v *View) FilterCategory(category string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	filtered := v.visible[:0:0]
	for _, p := range v.all {
		if strings.EqualFold(p.Category, category) {
			filtered = append(filtered, p)
		}
	}
	v.visible = filtered
	return len(filtered)
}

// Reset restores the full catalog and returns the number shown.
func (v *View) Reset() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.visible = append([]Product(nil), v.all...)
	return len(v.visible)
}
