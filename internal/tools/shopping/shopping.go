// Package shopping provides the three built-in shopping tools registered
// with every remote session: find_products, add_to_cart, and checkout.
//
// All handlers read the shared cart and catalog view at execution time, not
// via state captured at registration, so a tool call that races an earlier
// tool's side effects always observes the latest state. Domain failures (no
// product match, empty cart) are returned as failure results inside the
// conversation; they never raise.
package shopping

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxcart/voxcart/internal/cart"
	"github.com/voxcart/voxcart/internal/catalog"
	"github.com/voxcart/voxcart/internal/orders"
	"github.com/voxcart/voxcart/internal/tools"
)

// Tool input schemas, passed through to the remote model for argument
// generation. The bridge itself only does basic JSON parsing.
const (
	findProductsSchema = `{
  "type": "object",
  "properties": {
    "category": {
      "type": "string",
      "description": "The category of products to find (e.g., \"Laptops\", \"Audio\"). If omitted, all products are shown."
    }
  }
}`

	addToCartSchema = `{
  "type": "object",
  "properties": {
    "productName": {
      "type": "string",
      "description": "The name of the product to add to the cart. Should be a close match to the actual product name."
    },
    "quantity": {
      "type": "number",
      "description": "The number of units to add.",
      "default": 1
    }
  },
  "required": ["productName"]
}`

	checkoutSchema = `{"type": "object", "properties": {}}`
)

// Deps are the shared state and collaborators the shopping tools act on.
type Deps struct {
	// View is the narrowed catalog display list mutated by find_products.
	View *catalog.View

	// Cart is the shared cart. Read fresh on every call.
	Cart *cart.Cart

	// Orders records confirmed checkouts. Optional; when nil, orders are
	// not persisted.
	Orders orders.Store
}

// Tools returns the fixed shopping tool set for one session.
func Tools(d Deps) []tools.Tool {
	return []tools.Tool{
		{
			Definition: tools.Definition{
				Name:        "find_products",
				Description: "Searches for products by category or shows all products.",
				InputSchema: findProductsSchema,
			},
			Action: d.findProducts,
		},
		{
			Definition: tools.Definition{
				Name:        "add_to_cart",
				Description: "Adds a specified product to the shopping cart.",
				InputSchema: addToCartSchema,
			},
			Action: d.addToCart,
		},
		{
			Definition: tools.Definition{
				Name:        "checkout",
				Description: "Completes the purchase, confirms the order, and clears the cart.",
				InputSchema: checkoutSchema,
			},
			Action: d.checkout,
		},
	}
}

// findProductsArgs decodes category as any: the model occasionally sends a
// number or null there, and anything that is not a string means "show all".
type findProductsArgs struct {
	Category any `json:"category"`
}

type findProductsResult struct {
	Success bool `json:"success"`
	Found   int  `json:"found"`
}

// findProducts narrows the catalog view to a category (case-insensitive
// exact match) or resets it to the full catalog. Always succeeds.
func (d Deps) findProducts(_ context.Context, _ string, rawEnvelope string) (string, error) {
	var args findProductsArgs
	if err := tools.DecodeArgs(rawEnvelope, &args); err != nil {
		return tools.FailureResult(err.Error()), nil
	}

	category, _ := args.Category.(string)
	var found int
	if category != "" {
		found = d.View.FilterCategory(category)
	} else {
		found = d.View.Reset()
	}
	return marshalResult(findProductsResult{Success: true, Found: found})
}

type addToCartArgs struct {
	ProductName string `json:"productName"`
	Quantity    int    `json:"quantity"`
}

type addToCartResult struct {
	Success     bool   `json:"success"`
	ProductName string `json:"productName"`
}

type addToCartFailure struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	Suggestion string `json:"suggestion,omitempty"`
}

// addToCart fuzzy-resolves the spoken product name against the full catalog
// and adds the requested quantity (default 1) to the shared cart.
func (d Deps) addToCart(_ context.Context, _ string, rawEnvelope string) (string, error) {
	var args addToCartArgs
	if err := tools.DecodeArgs(rawEnvelope, &args); err != nil {
		return tools.FailureResult(err.Error()), nil
	}

	quantity := args.Quantity
	if quantity < 1 {
		quantity = 1
	}

	products := d.View.All()
	p, ok := catalog.Match(products, args.ProductName)
	if !ok {
		fail := addToCartFailure{
			Error: fmt.Sprintf("Could not find a close match for product %q.", args.ProductName),
		}
		if suggestion, found := catalog.Suggest(products, args.ProductName); found {
			fail.Suggestion = suggestion
		}
		return marshalResult(fail)
	}

	d.Cart.Add(p, quantity)
	return marshalResult(addToCartResult{Success: true, ProductName: p.Name})
}

type checkoutResult struct {
	Success    bool `json:"success"`
	TotalItems int  `json:"totalItems"`
}

// checkout fails on an empty cart; otherwise it confirms the order, clears
// the cart, reports the pre-clear line count, and records the order
// best-effort.
func (d Deps) checkout(ctx context.Context, sessionID, _ string) (string, error) {
	lines, ok := d.Cart.Checkout()
	if !ok {
		return tools.FailureResult("The cart is empty."), nil
	}

	if d.Orders != nil {
		order := orders.Order{
			SessionID: sessionID,
			CreatedAt: time.Now().UTC(),
		}
		for _, l := range lines {
			order.Lines = append(order.Lines, orders.Line{
				ProductID: l.ProductID,
				Name:      l.Name,
				UnitPrice: l.UnitPrice,
				Quantity:  l.Quantity,
			})
			order.Total += l.UnitPrice * float64(l.Quantity)
		}
		if err := d.Orders.Record(ctx, order); err != nil {
			// The cart is already cleared and the confirmation spoken;
			// persistence failure must not fail the checkout.
			slog.Warn("order record failed", "session_id", sessionID, "err", err)
		}
	}

	return marshalResult(checkoutResult{Success: true, TotalItems: len(lines)})
}

func marshalResult(v any) (string, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("shopping: encode result: %w", err)
	}
	return string(out), nil
}
