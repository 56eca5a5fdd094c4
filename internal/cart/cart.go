// Package cart implements the shared shopping cart mutated by tool actions
// and read by the presentation layer.
//
// The cart is the single piece of mutable state shared between UI display and
// tool-driven mutation. Tool actions must always observe the latest value at
// execution time, never a snapshot captured at registration, so every
// operation takes the lock and works on current state.
package cart

import (
	"sync"

	"github.com/voxcart/voxcart/internal/catalog"
)

// Item is one cart line: a product plus the accumulated quantity.
// At most one Item exists per product id.
type Item struct {
	ProductID int
	Name      string
	UnitPrice float64
	Quantity  int
}

// Cart is a mutex-guarded cart store. Safe for concurrent use.
type Cart struct {
	mu        sync.Mutex
	items     []Item
	confirmed bool
}

// New creates an empty cart.
func New() *Cart {
	return &Cart{}
}

// Add increments the quantity of p's cart line by quantity, creating the
// line if absent. Quantities below 1 are coerced to 1.
func (c *Cart) Add(p catalog.Product, quantity int) {
	if quantity < 1 {
		quantity = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.items {
		if c.items[i].ProductID == p.ID {
			c.items[i].Quantity += quantity
			return
		}
	}
	c.items = append(c.items, Item{
		ProductID: p.ID,
		Name:      p.Name,
		UnitPrice: p.Price,
		Quantity:  quantity,
	})
}

// Items returns a copy of the current cart lines.
func (c *Cart) Items() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Item(nil), c.items...)
}

// Len returns the number of cart lines (not the unit sum).
func (c *Cart) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Total returns the cart's total price.
func (c *Cart) Total() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total float64
	for _, it := range c.items {
		total += it.UnitPrice * float64(it.Quantity)
	}
	return total
}

// Checkout atomically confirms the order and empties the cart, returning the
// cart lines that were present. Returns ok=false and leaves the cart
// untouched when it is empty.
func (c *Cart) Checkout() (items []Item, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) == 0 {
		return nil, false
	}
	items = c.items
	c.items = nil
	c.confirmed = true
	return items, true
}

// Confirmed reports whether an order has been confirmed since the last Reset.
func (c *Cart) Confirmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirmed
}

// ClearConfirmed resets the confirmed flag without touching the cart lines.
// A fresh streaming session clears the previous order's confirmation banner
// but keeps whatever is still in the cart.
func (c *Cart) ClearConfirmed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmed = false
}

// Reset clears the cart and the confirmed flag.
func (c *Cart) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
	c.confirmed = false
}
