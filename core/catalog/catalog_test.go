package catalog_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/irsalhamdi/storefront/core/catalog"
	"github.com/irsalhamdi/storefront/database"
	"github.com/irsalhamdi/storefront/database/dbtest"
	"github.com/jmoiron/sqlx"
)

func TestCheckQuantity(t *testing.T) {
	p := catalog.Product{ID: "p", Status: catalog.StatusListed, Stock: 5, MinOrderQuantity: 2, MaxOrderQuantity: 4}

	tests := []struct {
		qty  int
		p    catalog.Product
		want error
	}{
		{qty: 2, p: p},
		{qty: 4, p: p},
		{qty: 1, p: p, want: catalog.ErrOutOfBounds},
		{qty: 5, p: p, want: catalog.ErrOutOfBounds},
		{qty: 0, p: catalog.Product{Status: catalog.StatusListed, MaxOrderQuantity: 3, Stock: 3}, want: catalog.ErrOutOfBounds},
		{qty: 4, p: catalog.Product{Status: catalog.StatusListed, MinOrderQuantity: 1, MaxOrderQuantity: 10, Stock: 3}, want: catalog.ErrInsufficientStock},
		{qty: 1, p: catalog.Product{Status: catalog.StatusOutOfStock, MinOrderQuantity: 1, MaxOrderQuantity: 10, Stock: 3}, want: catalog.ErrUnavailable},
	}

	for i, tt := range tests {
		err := tt.p.CheckQuantity(tt.qty)
		if tt.want == nil && err != nil {
			t.Fatalf("case %d: unexpected error %v", i, err)
		}
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Fatalf("case %d: expected %v, got %v", i, tt.want, err)
		}
	}
}

func TestDelisted(t *testing.T) {
	tests := []struct {
		remaining, min int
		want           bool
	}{
		{0, 1, true},
		{1, 2, true},
		{2, 2, false},
		{10, 1, false},
	}
	for _, tt := range tests {
		if got := catalog.Delisted(tt.remaining, tt.min); got != tt.want {
			t.Fatalf("Delisted(%d, %d) = %v, want %v", tt.remaining, tt.min, got, tt.want)
		}
	}
}

func seedProduct(t *testing.T, db *sqlx.DB, typ catalog.ProductType, stock, min, max int) catalog.Product {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	shop := catalog.Shop{ID: uuid.NewString(), OwnerID: "owner", Name: "shop", Country: "US", Currency: "USD", CreatedAt: now}
	if err := catalog.CreateShop(ctx, db, shop); err != nil {
		t.Fatal(err)
	}

	p := catalog.Product{
		ID:               uuid.NewString(),
		ShopID:           shop.ID,
		Name:             "product",
		Type:             typ,
		Status:           catalog.StatusListed,
		Price:            1000,
		Stock:            stock,
		MinOrderQuantity: min,
		MaxOrderQuantity: max,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := catalog.CreateProduct(ctx, db, p); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestFetchProducts(t *testing.T) {
	db := dbtest.NewDatabase(t, "catalog_fetch_test")
	ctx := context.Background()

	want := seedProduct(t, db, catalog.Physical, 7, 1, 3)
	missing := uuid.NewString()

	got, err := catalog.FetchProducts(ctx, db, []string{want.ID, missing})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got[missing]; ok {
		t.Fatal("missing product should be absent from the result")
	}

	ignore := cmpopts.IgnoreFields(catalog.Product{}, "CreatedAt", "UpdatedAt")
	if diff := cmp.Diff(want, got[want.ID], ignore); diff != "" {
		t.Fatalf("product mismatch (-want +got):\n%s", diff)
	}
}

func TestStockAndKeys(t *testing.T) {
	db := dbtest.NewDatabase(t, "catalog_test")
	ctx := context.Background()

	t.Run("concurrent decrements never go negative", func(t *testing.T) {
		p := seedProduct(t, db, catalog.Physical, 5, 1, 10)

		var wg sync.WaitGroup
		var mu sync.Mutex
		var ok, rejected int
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := catalog.DecrementStock(ctx, db, p.ID, 3)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, catalog.ErrInsufficientStock):
					rejected++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		if ok != 1 || rejected != 9 {
			t.Fatalf("expected 1 success and 9 rejections, got %d and %d", ok, rejected)
		}

		got, err := catalog.FetchProduct(ctx, db, p.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Stock != 2 {
			t.Fatalf("expected stock 2, got %d", got.Stock)
		}
		if got.Status != catalog.StatusListed {
			t.Fatalf("expected product to stay listed, got %d", got.Status)
		}
	})

	t.Run("decrement below minimum delists and increment relists", func(t *testing.T) {
		p := seedProduct(t, db, catalog.Physical, 5, 3, 10)

		remaining, err := catalog.DecrementStock(ctx, db, p.ID, 3)
		if err != nil {
			t.Fatal(err)
		}
		if remaining != 2 {
			t.Fatalf("expected 2 remaining, got %d", remaining)
		}

		got, _ := catalog.FetchProduct(ctx, db, p.ID)
		if got.Status != catalog.StatusOutOfStock {
			t.Fatalf("expected product delisted, got %d", got.Status)
		}

		if err := catalog.IncrementStock(ctx, db, p.ID, 3); err != nil {
			t.Fatal(err)
		}
		got, _ = catalog.FetchProduct(ctx, db, p.ID)
		if got.Status != catalog.StatusListed || got.Stock != 5 {
			t.Fatalf("expected relisted product with stock 5, got status %d stock %d", got.Status, got.Stock)
		}
	})

	t.Run("keys are claimed at most once", func(t *testing.T) {
		p := seedProduct(t, db, catalog.Virtual, 10, 1, 10)
		itemIDs := seedItems(t, db, p, 4)

		for i := 0; i < 5; i++ {
			k := catalog.DigitalKey{ID: uuid.NewString(), ProductID: p.ID, Value: fmt.Sprintf("KEY-%d", i), CreatedAt: time.Now().UTC()}
			if err := catalog.CreateKey(ctx, db, k); err != nil {
				t.Fatal(err)
			}
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		claimed := map[string]bool{}
		var short int
		for _, itemID := range itemIDs {
			wg.Add(1)
			go func(itemID string) {
				defer wg.Done()
				err := database.Transaction(ctx, db, func(tx sqlx.ExtContext) error {
					keys, err := catalog.ClaimKeys(ctx, tx, p.ID, itemID, "buyer@test.com", 2)
					if err != nil {
						return err
					}
					mu.Lock()
					defer mu.Unlock()
					for _, k := range keys {
						if claimed[k.ID] {
							t.Errorf("key %s claimed twice", k.ID)
						}
						claimed[k.ID] = true
					}
					return nil
				})
				if errors.Is(err, catalog.ErrInsufficientKeyInventory) {
					mu.Lock()
					short++
					mu.Unlock()
				} else if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
			}(itemID)
		}
		wg.Wait()

		if len(claimed) != 2*(len(itemIDs)-short) {
			t.Fatalf("expected 2 keys per successful claim, got %d keys for %d claims", len(claimed), len(itemIDs)-short)
		}
		if len(claimed) > 5 || len(claimed) == 0 {
			t.Fatalf("claimed %d keys out of 5", len(claimed))
		}

		left, err := catalog.CountListedKeys(ctx, db, p.ID)
		if err != nil {
			t.Fatal(err)
		}
		if left != 5-len(claimed) {
			t.Fatalf("expected %d listed keys left, got %d", 5-len(claimed), left)
		}
	})

	t.Run("claim waits out a claim that rolls back", func(t *testing.T) {
		p := seedProduct(t, db, catalog.Virtual, 10, 1, 10)
		itemIDs := seedItems(t, db, p, 2)

		for i := 0; i < 2; i++ {
			k := catalog.DigitalKey{ID: uuid.NewString(), ProductID: p.ID, Value: fmt.Sprintf("RB-%d", i), CreatedAt: time.Now().UTC()}
			if err := catalog.CreateKey(ctx, db, k); err != nil {
				t.Fatal(err)
			}
		}

		first, err := db.BeginTxx(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := catalog.ClaimKeys(ctx, first, p.ID, itemIDs[0], "first@test.com", 2); err != nil {
			t.Fatal(err)
		}

		done := make(chan error, 1)
		go func() {
			done <- database.Transaction(ctx, db, func(tx sqlx.ExtContext) error {
				_, err := catalog.ClaimKeys(ctx, tx, p.ID, itemIDs[1], "second@test.com", 2)
				return err
			})
		}()

		time.Sleep(200 * time.Millisecond)
		if err := first.Rollback(); err != nil {
			t.Fatal(err)
		}

		if err := <-done; err != nil {
			t.Fatalf("expected the second claim to get both keys, got %v", err)
		}

		keys, err := catalog.FetchItemKeys(ctx, db, itemIDs[1])
		if err != nil {
			t.Fatal(err)
		}
		if len(keys) != 2 {
			t.Fatalf("expected 2 keys on the second item, got %d", len(keys))
		}
	})

	t.Run("released keys go back on sale", func(t *testing.T) {
		p := seedProduct(t, db, catalog.Virtual, 10, 1, 10)
		itemIDs := seedItems(t, db, p, 1)

		for i := 0; i < 3; i++ {
			k := catalog.DigitalKey{ID: uuid.NewString(), ProductID: p.ID, Value: fmt.Sprintf("REL-%d", i), CreatedAt: time.Now().UTC()}
			if err := catalog.CreateKey(ctx, db, k); err != nil {
				t.Fatal(err)
			}
		}

		if _, err := catalog.ClaimKeys(ctx, db, p.ID, itemIDs[0], "buyer@test.com", 2); err != nil {
			t.Fatal(err)
		}
		n, err := catalog.ReleaseKeys(ctx, db, itemIDs[0])
		if err != nil {
			t.Fatal(err)
		}
		if n != 2 {
			t.Fatalf("expected 2 keys released, got %d", n)
		}

		left, err := catalog.CountListedKeys(ctx, db, p.ID)
		if err != nil {
			t.Fatal(err)
		}
		if left != 3 {
			t.Fatalf("expected 3 listed keys, got %d", left)
		}
	})
}

// seedItems creates one order per item so keys have a valid item to attach to.
func seedItems(t *testing.T, db *sqlx.DB, p catalog.Product, n int) []string {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		orderID, itemID := uuid.NewString(), uuid.NewString()
		_, err := db.ExecContext(ctx, `
			INSERT INTO orders (order_id, shop_id, currency, total, expires_at, created_at, updated_at)
			VALUES ($1, $2, 'USD', 2000, $3, $3, $3)`, orderID, p.ShopID, now)
		if err != nil {
			t.Fatal(err)
		}
		_, err = db.ExecContext(ctx, `
			INSERT INTO order_items (item_id, order_id, product_id, name, product_type, price, quantity)
			VALUES ($1, $2, $3, 'key', 0, 1000, 2)`, itemID, orderID, p.ID)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, itemID)
	}
	return ids
}
