package cart

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/irsalhamdi/storefront/validate"
	"github.com/jmoiron/sqlx"
)

const itemColumns = `item_id, cart_token, shop_id, product_id, quantity, expires_at, created_at, updated_at`

// Ensure creates the cart of the token for the shop unless it exists.
func Ensure(ctx context.Context, db sqlx.ExtContext, token, shopID string) error {
	const q = `
	INSERT INTO carts (cart_token, shop_id, created_at, updated_at)
	VALUES ($1, $2, $3, $3)
	ON CONFLICT (cart_token, shop_id) DO NOTHING`

	if _, err := db.ExecContext(ctx, q, token, shopID, time.Now().UTC()); err != nil {
		return fmt.Errorf("inserting cart of shop[%s]: %w", shopID, err)
	}
	return nil
}

// Fetch returns the cart with its live items only.
func Fetch(ctx context.Context, db sqlx.ExtContext, token, shopID string, now time.Time) (Cart, error) {
	const q = `
	SELECT cart_token, shop_id, customer_id, created_at, updated_at
	FROM carts
	WHERE cart_token = $1 AND shop_id = $2`

	var c Cart
	if err := sqlx.GetContext(ctx, db, &c, q, token, shopID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Cart{}, fmt.Errorf("cart of shop[%s]: %w", shopID, ErrNotFound)
		}
		return Cart{}, fmt.Errorf("selecting cart of shop[%s]: %w", shopID, err)
	}

	qi := `SELECT ` + itemColumns + ` FROM cart_items
	WHERE cart_token = $1 AND shop_id = $2 AND quantity > 0 AND expires_at > $3
	ORDER BY created_at`

	c.Items = []Item{}
	if err := sqlx.SelectContext(ctx, db, &c.Items, qi, token, shopID, now); err != nil {
		return Cart{}, fmt.Errorf("selecting items of cart: %w", err)
	}
	return c, nil
}

// SetItem sets the quantity of a product in the cart. A live line is
// updated in place, otherwise a new line starts its own ttl. Zero retires
// the live line.
func SetItem(ctx context.Context, tx sqlx.ExtContext, token, shopID, productID string, qty int, ttl time.Duration) (Item, error) {
	now := time.Now().UTC()

	if qty == 0 {
		return Item{ProductID: productID}, retire(ctx, tx, token, shopID, &productID, now)
	}

	// Expired lines still hold quantity and would clash with the live index.
	const qe = `
	UPDATE cart_items SET quantity = 0, updated_at = $4
	WHERE cart_token = $1 AND shop_id = $2 AND product_id = $3 AND quantity > 0 AND expires_at <= $4`
	if _, err := tx.ExecContext(ctx, qe, token, shopID, productID, now); err != nil {
		return Item{}, fmt.Errorf("retiring expired lines of product[%s]: %w", productID, err)
	}

	qu := `
	UPDATE cart_items SET quantity = $4, updated_at = $5
	WHERE cart_token = $1 AND shop_id = $2 AND product_id = $3 AND quantity > 0
	RETURNING ` + itemColumns

	var it Item
	err := sqlx.GetContext(ctx, tx, &it, qu, token, shopID, productID, qty, now)
	switch {
	case err == nil:
		return it, nil
	case !errors.Is(err, sql.ErrNoRows):
		return Item{}, fmt.Errorf("updating line of product[%s]: %w", productID, err)
	}

	it = Item{
		ID:        validate.GenerateID(),
		Token:     token,
		ShopID:    shopID,
		ProductID: productID,
		Quantity:  qty,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}

	const qi = `
	INSERT INTO cart_items (item_id, cart_token, shop_id, product_id, quantity, expires_at, created_at, updated_at)
	VALUES (:item_id, :cart_token, :shop_id, :product_id, :quantity, :expires_at, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, tx, qi, it); err != nil {
		return Item{}, fmt.Errorf("inserting line of product[%s]: %w", productID, err)
	}
	return it, nil
}

// Clear retires every live line of the cart.
func Clear(ctx context.Context, tx sqlx.ExtContext, token, shopID string) error {
	return retire(ctx, tx, token, shopID, nil, time.Now().UTC())
}

func retire(ctx context.Context, tx sqlx.ExtContext, token, shopID string, productID *string, now time.Time) error {
	q := `
	UPDATE cart_items SET quantity = 0, expires_at = LEAST(expires_at, $3), updated_at = $3
	WHERE cart_token = $1 AND shop_id = $2 AND quantity > 0`
	args := []any{token, shopID, now}
	if productID != nil {
		q += ` AND product_id = $4`
		args = append(args, *productID)
	}

	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("retiring cart lines: %w", err)
	}
	return nil
}
