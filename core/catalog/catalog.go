// Package catalog exposes the read side of shops and products plus the only
// catalog writes checkout and fulfillment perform: stock and key inventory.
package catalog

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound                 = errors.New("catalog entry not found")
	ErrOutOfBounds              = errors.New("quantity outside the product order bounds")
	ErrInsufficientStock        = errors.New("insufficient stock")
	ErrInsufficientKeyInventory = errors.New("insufficient key inventory")
	ErrUnavailable              = errors.New("product is not listed")
)

type ProductType int

const (
	Virtual  ProductType = 0
	Physical ProductType = 1
)

type ProductStatus int

const (
	StatusOutOfStock ProductStatus = -2
	StatusDeleted    ProductStatus = -1
	StatusUnlisted   ProductStatus = 0
	StatusListed     ProductStatus = 1
)

type Shop struct {
	ID               string    `json:"id" db:"shop_id"`
	OwnerID          string    `json:"ownerId" db:"owner_id"`
	Name             string    `json:"name" db:"name"`
	Country          string    `json:"country" db:"country"`
	Currency         string    `json:"currency" db:"currency"`
	SubscriptionTier int       `json:"subscriptionTier" db:"subscription_tier"`
	CreatedAt        time.Time `json:"createdAt" db:"created_at"`
}

type Product struct {
	ID               string        `json:"id" db:"product_id"`
	ShopID           string        `json:"shopId" db:"shop_id"`
	Name             string        `json:"name" db:"name"`
	Type             ProductType   `json:"type" db:"type"`
	Status           ProductStatus `json:"status" db:"status"`
	Price            int64         `json:"price" db:"price"`
	Stock            int           `json:"stock" db:"stock"`
	MinOrderQuantity int           `json:"minOrderQuantity" db:"min_order_quantity"`
	MaxOrderQuantity int           `json:"maxOrderQuantity" db:"max_order_quantity"`
	CreatedAt        time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time     `json:"updatedAt" db:"updated_at"`
}

func (p Product) Digital() bool { return p.Type == Virtual }

// CheckQuantity validates qty against the live product bounds and stock.
func (p Product) CheckQuantity(qty int) error {
	if p.Status != StatusListed {
		return fmt.Errorf("product[%s]: %w", p.ID, ErrUnavailable)
	}
	if qty < p.MinOrderQuantity || qty > p.MaxOrderQuantity || qty <= 0 {
		return fmt.Errorf("product[%s] quantity %d not in [%d, %d]: %w",
			p.ID, qty, p.MinOrderQuantity, p.MaxOrderQuantity, ErrOutOfBounds)
	}
	if qty > p.Stock {
		return fmt.Errorf("product[%s] quantity %d over stock %d: %w", p.ID, qty, p.Stock, ErrInsufficientStock)
	}
	return nil
}

// Delisted reports whether remaining stock forces the product off sale.
func Delisted(remaining, minQty int) bool {
	return remaining == 0 || remaining < minQty
}

type KeyStatus int

const (
	KeyDeleted   KeyStatus = -1
	KeyListed    KeyStatus = 0
	KeyPurchased KeyStatus = 1
)

type DigitalKey struct {
	ID          string     `json:"id" db:"key_id"`
	ProductID   string     `json:"productId" db:"product_id"`
	Value       string     `json:"value" db:"value"`
	Status      KeyStatus  `json:"status" db:"status"`
	OrderItemID *string    `json:"orderItemId,omitempty" db:"order_item_id"`
	Recipient   string     `json:"recipient,omitempty" db:"recipient"`
	PurchasedAt *time.Time `json:"purchasedAt,omitempty" db:"purchased_at"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
}
