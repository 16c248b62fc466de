package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

func FetchShop(ctx context.Context, db sqlx.ExtContext, id string) (Shop, error) {
	const q = `
	SELECT shop_id, owner_id, name, country, currency, subscription_tier, created_at
	FROM shops
	WHERE shop_id = $1`

	var s Shop
	if err := sqlx.GetContext(ctx, db, &s, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Shop{}, fmt.Errorf("shop[%s]: %w", id, ErrNotFound)
		}
		return Shop{}, fmt.Errorf("selecting shop[%s]: %w", id, err)
	}
	return s, nil
}

func CreateShop(ctx context.Context, db sqlx.ExtContext, s Shop) error {
	const q = `
	INSERT INTO shops (shop_id, owner_id, name, country, currency, subscription_tier, created_at)
	VALUES (:shop_id, :owner_id, :name, :country, :currency, :subscription_tier, :created_at)`

	if _, err := sqlx.NamedExecContext(ctx, db, q, s); err != nil {
		return fmt.Errorf("inserting shop: %w", err)
	}
	return nil
}

const productColumns = `product_id, shop_id, name, type, status, price, stock,
	min_order_quantity, max_order_quantity, created_at, updated_at`

func FetchProduct(ctx context.Context, db sqlx.ExtContext, id string) (Product, error) {
	q := `SELECT ` + productColumns + ` FROM products WHERE product_id = $1`

	var p Product
	if err := sqlx.GetContext(ctx, db, &p, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Product{}, fmt.Errorf("product[%s]: %w", id, ErrNotFound)
		}
		return Product{}, fmt.Errorf("selecting product[%s]: %w", id, err)
	}
	return p, nil
}

// FetchProducts returns the products with the given ids keyed by id.
// Missing ids are simply absent from the map.
func FetchProducts(ctx context.Context, db sqlx.ExtContext, ids []string) (map[string]Product, error) {
	q := `SELECT ` + productColumns + ` FROM products WHERE product_id = ANY($1)`

	var ps []Product
	if err := sqlx.SelectContext(ctx, db, &ps, q, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("selecting products: %w", err)
	}

	m := make(map[string]Product, len(ps))
	for _, p := range ps {
		m[p.ID] = p
	}
	return m, nil
}

func CreateProduct(ctx context.Context, db sqlx.ExtContext, p Product) error {
	const q = `
	INSERT INTO products (product_id, shop_id, name, type, status, price, stock,
		min_order_quantity, max_order_quantity, created_at, updated_at)
	VALUES (:product_id, :shop_id, :name, :type, :status, :price, :stock,
		:min_order_quantity, :max_order_quantity, :created_at, :updated_at)`

	if _, err := sqlx.NamedExecContext(ctx, db, q, p); err != nil {
		return fmt.Errorf("inserting product: %w", err)
	}
	return nil
}

// DecrementStock removes qty units from the product stock and delists the
// product when what remains cannot satisfy another order. It never drives the
// stock negative: ErrInsufficientStock is returned instead.
func DecrementStock(ctx context.Context, db sqlx.ExtContext, productID string, qty int) (int, error) {
	const q = `
	UPDATE products SET
		stock = stock - $2,
		status = CASE
			WHEN stock - $2 = 0 OR stock - $2 < min_order_quantity THEN $3
			ELSE status
		END,
		updated_at = $4
	WHERE product_id = $1 AND stock >= $2
	RETURNING stock`

	var remaining int
	err := sqlx.GetContext(ctx, db, &remaining, q, productID, qty, StatusOutOfStock, time.Now().UTC())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("decrementing product[%s] by %d: %w", productID, qty, ErrInsufficientStock)
		}
		return 0, fmt.Errorf("decrementing product[%s]: %w", productID, err)
	}
	return remaining, nil
}

// IncrementStock returns qty units to the product, relisting it when it was
// only off sale for lack of stock.
func IncrementStock(ctx context.Context, db sqlx.ExtContext, productID string, qty int) error {
	const q = `
	UPDATE products SET
		stock = stock + $2,
		status = CASE
			WHEN status = $3 AND stock + $2 >= GREATEST(min_order_quantity, 1) THEN $4
			ELSE status
		END,
		updated_at = $5
	WHERE product_id = $1`

	res, err := db.ExecContext(ctx, q, productID, qty, StatusOutOfStock, StatusListed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("incrementing product[%s]: %w", productID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("product[%s]: %w", productID, ErrNotFound)
	}
	return nil
}

func CreateKey(ctx context.Context, db sqlx.ExtContext, k DigitalKey) error {
	const q = `
	INSERT INTO digital_keys (key_id, product_id, value, status, created_at)
	VALUES (:key_id, :product_id, :value, :status, :created_at)`

	if _, err := sqlx.NamedExecContext(ctx, db, q, k); err != nil {
		return fmt.Errorf("inserting key: %w", err)
	}
	return nil
}

func CountListedKeys(ctx context.Context, db sqlx.ExtContext, productID string) (int, error) {
	const q = `SELECT count(*) FROM digital_keys WHERE product_id = $1 AND status = $2`

	var n int
	if err := sqlx.GetContext(ctx, db, &n, q, productID, KeyListed); err != nil {
		return 0, fmt.Errorf("counting keys of product[%s]: %w", productID, err)
	}
	return n, nil
}

// ClaimKeys moves n listed keys of the product to PURCHASED and attaches them
// to the order item. Keys locked by a concurrent claim are waited on, not
// skipped. A locked key that the other claim takes drops out of the batch,
// so a short batch is topped up until a pass claims nothing. When fewer
// than n keys are available the error is ErrInsufficientKeyInventory and
// the caller must roll back.
func ClaimKeys(ctx context.Context, db sqlx.ExtContext, productID, itemID, recipient string, n int) ([]DigitalKey, error) {
	const q = `
	UPDATE digital_keys SET
		status = $1,
		order_item_id = $2,
		recipient = $3,
		purchased_at = $4
	WHERE key_id IN (
		SELECT key_id FROM digital_keys
		WHERE product_id = $5 AND status = $6
		ORDER BY created_at
		LIMIT $7
		FOR UPDATE
	)
	RETURNING key_id, product_id, value, status, order_item_id, recipient, purchased_at, created_at`

	var keys []DigitalKey
	for len(keys) < n {
		var batch []DigitalKey
		err := sqlx.SelectContext(ctx, db, &batch, q,
			KeyPurchased, itemID, recipient, time.Now().UTC(), productID, KeyListed, n-len(keys))
		if err != nil {
			return nil, fmt.Errorf("claiming keys of product[%s]: %w", productID, err)
		}
		if len(batch) == 0 {
			return nil, fmt.Errorf("product[%s] has %d of %d keys: %w", productID, len(keys), n, ErrInsufficientKeyInventory)
		}
		keys = append(keys, batch...)
	}
	return keys, nil
}

// ReleaseKeys puts the keys held by an order item back on sale and reports
// how many were returned.
func ReleaseKeys(ctx context.Context, db sqlx.ExtContext, itemID string) (int, error) {
	const q = `
	UPDATE digital_keys SET
		status = $1,
		order_item_id = NULL,
		recipient = '',
		purchased_at = NULL
	WHERE order_item_id = $2 AND status = $3`

	res, err := db.ExecContext(ctx, q, KeyListed, itemID, KeyPurchased)
	if err != nil {
		return 0, fmt.Errorf("releasing keys of item[%s]: %w", itemID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func FetchItemKeys(ctx context.Context, db sqlx.ExtContext, itemID string) ([]DigitalKey, error) {
	const q = `
	SELECT key_id, product_id, value, status, order_item_id, recipient, purchased_at, created_at
	FROM digital_keys
	WHERE order_item_id = $1
	ORDER BY created_at`

	var keys []DigitalKey
	if err := sqlx.SelectContext(ctx, db, &keys, q, itemID); err != nil {
		return nil, fmt.Errorf("selecting keys of item[%s]: %w", itemID, err)
	}
	return keys, nil
}
