// Package customer resolves the shop-scoped customer record behind an email.
package customer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type Customer struct {
	ID        string    `json:"id" db:"customer_id"`
	ShopID    string    `json:"shopId" db:"shop_id"`
	Email     string    `json:"email" db:"email"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Normalize is the form emails are stored and compared in.
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// FindOrCreate returns the customer of the shop with the email, creating it
// on first sight. Concurrent callers get the same record.
func FindOrCreate(ctx context.Context, db sqlx.ExtContext, email, shopID string) (Customer, error) {
	const q = `
	INSERT INTO customers (customer_id, shop_id, email, created_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (shop_id, email) DO UPDATE SET email = EXCLUDED.email
	RETURNING customer_id, shop_id, email, created_at`

	var c Customer
	err := sqlx.GetContext(ctx, db, &c, q, uuid.NewString(), shopID, Normalize(email), time.Now().UTC())
	if err != nil {
		return Customer{}, fmt.Errorf("resolving customer of shop[%s]: %w", shopID, err)
	}
	return c, nil
}
