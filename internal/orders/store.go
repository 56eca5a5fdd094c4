// Package orders persists confirmed orders produced by the checkout tool.
//
// Persistence is best-effort from the session's point of view: a failed write
// is logged but never fails the checkout itself, since the cart has already
// been cleared and the confirmation spoken to the user.
package orders

import (
	"context"
	"time"
)

// Line is one product line of a confirmed order.
type Line struct {
	ProductID int     `json:"product_id"`
	Name      string  `json:"name"`
	UnitPrice float64 `json:"unit_price"`
	Quantity  int     `json:"quantity"`
}

// Order is a confirmed checkout.
type Order struct {
	// SessionID is the remote session the order was placed in.
	SessionID string

	// Lines are the cart lines at checkout time.
	Lines []Line

	// Total is the order total price.
	Total float64

	// CreatedAt is when the checkout completed.
	CreatedAt time.Time
}

// Store records confirmed orders.
// Implementations must be safe for concurrent use.
type Store interface {
	// Record persists one confirmed order.
	Record(ctx context.Context, o Order) error
}
