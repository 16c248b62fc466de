// Package cart keeps the pre-order line items of an anonymous visitor. A
// cart is keyed by the visitor's cart token and the shop it belongs to.
// Items age out on their own; nothing is ever deleted.
package cart

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("cart not found")

type Cart struct {
	Token      string    `json:"-" db:"cart_token"`
	ShopID     string    `json:"shopId" db:"shop_id"`
	CustomerID *string   `json:"-" db:"customer_id"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time `json:"updatedAt" db:"updated_at"`
	Items      []Item    `json:"items" db:"-"`
}

type Item struct {
	ID        string    `json:"id" db:"item_id"`
	Token     string    `json:"-" db:"cart_token"`
	ShopID    string    `json:"-" db:"shop_id"`
	ProductID string    `json:"productId" db:"product_id"`
	Quantity  int       `json:"quantity" db:"quantity"`
	ExpiresAt time.Time `json:"expiresAt" db:"expires_at"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Live reports whether the item still counts towards the cart.
func (it Item) Live(now time.Time) bool {
	return it.Quantity > 0 && it.ExpiresAt.After(now)
}

type ItemUp struct {
	ProductID string `json:"productId" validate:"required,uuid4"`
	Quantity  int    `json:"quantity" validate:"gte=0"`
}
