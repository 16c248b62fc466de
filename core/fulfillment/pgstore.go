package fulfillment

import (
	"context"

	"github.com/irsalhamdi/storefront/core/catalog"
	"github.com/irsalhamdi/storefront/core/customer"
	"github.com/irsalhamdi/storefront/core/order"
	"github.com/irsalhamdi/storefront/database"
	"github.com/jmoiron/sqlx"
)

// PGStore is the Postgres backed Store.
type PGStore struct {
	db *sqlx.DB
}

func NewPGStore(db *sqlx.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Order(ctx context.Context, id string) (order.Order, error) {
	return order.Fetch(ctx, s.db, id)
}

func (s *PGStore) Shop(ctx context.Context, id string) (catalog.Shop, error) {
	return catalog.FetchShop(ctx, s.db, id)
}

func (s *PGStore) CommitItem(ctx context.Context, it order.Item, recipient string) error {
	return database.Transaction(ctx, s.db, func(tx sqlx.ExtContext) error {
		cur, err := order.LockItem(ctx, tx, it.ID)
		if err != nil {
			return err
		}
		if cur.StockCommitted || cur.Status != order.ItemPending {
			return nil
		}

		digital := cur.ProductType == catalog.Virtual
		if digital {
			if _, err := catalog.ClaimKeys(ctx, tx, cur.ProductID, cur.ID, recipient, cur.Quantity); err != nil {
				return err
			}
		}

		if _, err := catalog.DecrementStock(ctx, tx, cur.ProductID, cur.Quantity); err != nil {
			return err
		}
		return order.SetStockCommitted(ctx, tx, cur.ID, true)
	})
}

func (s *PGStore) Deliver(ctx context.Context, itemID string) error {
	return database.Transaction(ctx, s.db, func(tx sqlx.ExtContext) error {
		cur, err := order.LockItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if !cur.StockCommitted || cur.Status != order.ItemPending {
			return nil
		}

		for _, to := range []order.ItemStatus{order.ItemShipped, order.ItemDelivered} {
			if _, err := order.AppendItemStatus(ctx, tx, cur.ID, to); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PGStore) CancelItem(ctx context.Context, itemID string, to order.ItemStatus) error {
	return database.Transaction(ctx, s.db, func(tx sqlx.ExtContext) error {
		_, err := order.AppendItemStatus(ctx, tx, itemID, to)
		return err
	})
}

func (s *PGStore) Advance(ctx context.Context, id string, to order.Status) (order.Order, error) {
	return order.Transition(ctx, s.db, id, to)
}

func (s *PGStore) BindCustomer(ctx context.Context, o order.Order) error {
	c, err := customer.FindOrCreate(ctx, s.db, o.Email, o.ShopID)
	if err != nil {
		return err
	}
	return order.SetCustomer(ctx, s.db, o.ID, c.ID)
}

func (s *PGStore) MarkReceiptSent(ctx context.Context, id string) error {
	return order.MarkReceiptSent(ctx, s.db, id)
}

func (s *PGStore) ItemKeys(ctx context.Context, itemID string) ([]string, error) {
	keys, err := catalog.FetchItemKeys(ctx, s.db, itemID)
	if err != nil {
		return nil, err
	}

	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = k.Value
	}
	return values, nil
}
