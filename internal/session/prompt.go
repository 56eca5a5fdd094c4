package session

import (
	"fmt"
	"strings"

	"github.com/voxcart/voxcart/internal/catalog"
)

// BuildSystemPrompt returns the default shopping-assistant prompt, listing
// the distinct categories of the live catalog so the model knows what it can
// search for.
func BuildSystemPrompt(products []catalog.Product) string {
	return fmt.Sprintf(`You are a helpful e-commerce assistant. You can help users find products, add items to their shopping cart, and checkout.
Available product categories are: %s.
When a user asks to add an item, use the exact product name from the list.`,
		strings.Join(catalog.Categories(products), ", "))
}
