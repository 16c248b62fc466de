package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Blacklist entry kinds.
const (
	KindVisitor = "visitor"
	KindIP      = "ip"
	KindCountry = "country"
	KindEmail   = "email"
)

var kinds = map[string]bool{KindVisitor: true, KindIP: true, KindCountry: true, KindEmail: true}

type Entry struct {
	ID        string    `json:"id" db:"entry_id"`
	ShopID    string    `json:"shopId" db:"shop_id"`
	Kind      string    `json:"kind" db:"kind"`
	Value     string    `json:"value" db:"value"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

type EntryNew struct {
	Kind  string `json:"kind" validate:"required,oneof=visitor ip country email"`
	Value string `json:"value" validate:"required,max=320"`
}

// Probe is one attribute of a checkout tested against the blacklist.
type Probe struct {
	Kind  string
	Value string
}

func normalize(kind, value string) string {
	value = strings.TrimSpace(value)
	switch kind {
	case KindCountry:
		return strings.ToUpper(value)
	case KindEmail:
		return strings.ToLower(value)
	}
	return value
}

func AddEntry(ctx context.Context, db sqlx.ExtContext, e Entry) error {
	if !kinds[e.Kind] {
		return fmt.Errorf("unknown blacklist kind %q", e.Kind)
	}
	e.Value = normalize(e.Kind, e.Value)

	const q = `
	INSERT INTO blacklist (entry_id, shop_id, kind, value, created_at)
	VALUES (:entry_id, :shop_id, :kind, :value, :created_at)
	ON CONFLICT (shop_id, kind, value) DO NOTHING`

	if _, err := sqlx.NamedExecContext(ctx, db, q, e); err != nil {
		return fmt.Errorf("inserting blacklist entry of shop[%s]: %w", e.ShopID, err)
	}
	return nil
}

// Blacklisted reports whether any probe matches an entry of the shop.
// Empty probe values never match.
func Blacklisted(ctx context.Context, db sqlx.ExtContext, shopID string, probes ...Probe) (bool, error) {
	q := `SELECT EXISTS (SELECT 1 FROM blacklist WHERE shop_id = $1 AND (`
	args := []any{shopID}

	var n int
	for _, p := range probes {
		v := normalize(p.Kind, p.Value)
		if v == "" {
			continue
		}
		if n > 0 {
			q += ` OR `
		}
		q += fmt.Sprintf(`(kind = $%d AND value = $%d)`, len(args)+1, len(args)+2)
		args = append(args, p.Kind, v)
		n++
	}
	if n == 0 {
		return false, nil
	}
	q += `))`

	var hit bool
	if err := sqlx.GetContext(ctx, db, &hit, q, args...); err != nil {
		return false, fmt.Errorf("checking blacklist of shop[%s]: %w", shopID, err)
	}
	return hit, nil
}
