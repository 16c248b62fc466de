package checkout

import (
	"context"
	"time"

	"github.com/irsalhamdi/storefront/core/cart"
	"github.com/irsalhamdi/storefront/core/catalog"
	"github.com/irsalhamdi/storefront/core/order"
	"github.com/irsalhamdi/storefront/core/payment"
	"github.com/irsalhamdi/storefront/core/risk"
	"github.com/irsalhamdi/storefront/database"
	"github.com/irsalhamdi/storefront/validate"
	"github.com/jmoiron/sqlx"
)

type PGStore struct {
	db *sqlx.DB
}

func NewPGStore(db *sqlx.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Cart(ctx context.Context, token, shopID string) (cart.Cart, error) {
	return cart.Fetch(ctx, s.db, token, shopID, time.Now().UTC())
}

func (s *PGStore) Shop(ctx context.Context, id string) (catalog.Shop, error) {
	return catalog.FetchShop(ctx, s.db, id)
}

func (s *PGStore) Products(ctx context.Context, ids []string) (map[string]catalog.Product, error) {
	return catalog.FetchProducts(ctx, s.db, ids)
}

func (s *PGStore) Blacklisted(ctx context.Context, shopID string, probes ...risk.Probe) (bool, error) {
	return risk.Blacklisted(ctx, s.db, shopID, probes...)
}

func (s *PGStore) PlaceOrder(ctx context.Context, o order.Order, vd order.VisitorData) error {
	return database.Transaction(ctx, s.db, func(tx sqlx.ExtContext) error {
		if err := order.Create(ctx, tx, o); err != nil {
			return err
		}
		if err := order.CreateVisitorData(ctx, tx, vd); err != nil {
			return err
		}
		return cart.Clear(ctx, tx, o.CartToken, o.ShopID)
	})
}

func (s *PGStore) Order(ctx context.Context, id string) (order.Order, error) {
	if err := validate.CheckID(id); err != nil {
		return order.Order{}, order.ErrNotFound
	}
	return order.Fetch(ctx, s.db, id)
}

func (s *PGStore) UpdateEmail(ctx context.Context, id, email string) error {
	return order.UpdateEmail(ctx, s.db, id, email)
}

func (s *PGStore) Deny(ctx context.Context, id string) error {
	return database.Transaction(ctx, s.db, func(tx sqlx.ExtContext) error {
		_, err := order.AppendStatus(ctx, tx, id, order.StatusDenied)
		return err
	})
}

func (s *PGStore) Account(ctx context.Context, shopID string, p payment.Provider) (payment.Account, error) {
	return payment.FetchAccount(ctx, s.db, shopID, p)
}

func (s *PGStore) CreateSession(ctx context.Context, ps payment.Session) error {
	return payment.CreateSession(ctx, s.db, ps)
}

func (s *PGStore) LatestSession(ctx context.Context, orderID string, p *payment.Provider) (payment.Session, error) {
	if err := validate.CheckID(orderID); err != nil {
		return payment.Session{}, payment.ErrNotFound
	}
	return payment.LatestSession(ctx, s.db, orderID, p)
}
