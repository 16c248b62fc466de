package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/irsalhamdi/storefront/core/catalog"
	"github.com/irsalhamdi/storefront/core/order"
	"github.com/irsalhamdi/storefront/core/payment"
	"github.com/irsalhamdi/storefront/database"
	"github.com/irsalhamdi/storefront/validate"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

type PGStore struct {
	db *sqlx.DB
}

func NewPGStore(db *sqlx.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Seen(ctx context.Context, p payment.Provider, eventID string) (bool, error) {
	return payment.EventSeen(ctx, s.db, p, eventID)
}

func (s *PGStore) MarkSeen(ctx context.Context, p payment.Provider, eventID, typ string) error {
	_, err := payment.MarkEventSeen(ctx, s.db, p, eventID, typ)
	return err
}

func (s *PGStore) Order(ctx context.Context, id string) (order.Order, error) {
	if err := validate.CheckID(id); err != nil {
		return order.Order{}, order.ErrNotFound
	}
	return order.Fetch(ctx, s.db, id)
}

func (s *PGStore) Shop(ctx context.Context, id string) (catalog.Shop, error) {
	return catalog.FetchShop(ctx, s.db, id)
}

func (s *PGStore) Account(ctx context.Context, shopID string, p payment.Provider) (payment.Account, error) {
	return payment.FetchAccount(ctx, s.db, shopID, p)
}

func (s *PGStore) SessionByRef(ctx context.Context, p payment.Provider, ref string) (payment.Session, error) {
	return payment.FetchSessionByRef(ctx, s.db, p, ref)
}

func (s *PGStore) UpdateSession(ctx context.Context, p payment.Provider, ref string, status payment.SessionStatus, payload []byte) error {
	_, err := payment.UpdateSession(ctx, s.db, p, ref, status, payload)
	return err
}

func (s *PGStore) RecordCapture(ctx context.Context, c Capture) error {
	return database.Transaction(ctx, s.db, func(tx sqlx.ExtContext) error {
		o, err := order.AppendStatus(ctx, tx, c.OrderID, order.StatusPaymentConfirmed)
		if err != nil {
			if errors.Is(err, order.ErrInvalidTransition) && o.Status.Captured() {
				return payment.ErrAlreadyCaptured
			}
			return err
		}

		now := time.Now().UTC()
		err = payment.CreatePayment(ctx, tx, payment.Payment{
			ID:          validate.GenerateID(),
			OrderID:     c.OrderID,
			Provider:    c.Provider,
			ProviderRef: c.ProviderRef,
			Status:      payment.PaymentCaptured,
			Amount:      c.Amount,
			Fee:         c.Fee,
			Refunded:    c.Refunded,
			Payload:     c.Payload,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}

		if c.Ledger != nil {
			if _, err := payment.LockAccount(ctx, tx, c.Ledger.AccountID); err != nil {
				return err
			}
			gross := decimal.NewFromInt(c.Amount - c.Refunded)
			err := payment.PostLedger(ctx, tx, c.Ledger.AccountID, c.Ledger.Fee,
				payment.LedgerEntry{ShopID: c.ShopID, Provider: c.Provider, OrderID: c.OrderID,
					Kind: payment.LedgerMerchantNet, Amount: gross.Sub(c.Ledger.Fee), CreatedAt: now},
				payment.LedgerEntry{ShopID: c.ShopID, Provider: c.Provider, OrderID: c.OrderID,
					Kind: payment.LedgerOperatorFee, Amount: c.Ledger.Fee, CreatedAt: now},
			)
			if err != nil {
				return err
			}
		}

		if c.ProviderRef == "" {
			return nil
		}
		_, err = payment.UpdateSession(ctx, tx, c.Provider, c.ProviderRef, payment.SessionCaptured, c.Payload)
		if errors.Is(err, payment.ErrNotFound) {
			return nil
		}
		return err
	})
}

func (s *PGStore) RecordDenial(ctx context.Context, d Denial) error {
	return database.Transaction(ctx, s.db, func(tx sqlx.ExtContext) error {
		err := payment.CreatePayment(ctx, tx, payment.Payment{
			ID:          validate.GenerateID(),
			OrderID:     d.OrderID,
			Provider:    d.Provider,
			ProviderRef: d.ProviderRef,
			Status:      payment.PaymentCanceled,
			Amount:      d.Amount,
			Payload:     d.Payload,
			CreatedAt:   time.Now().UTC(),
		})
		if err != nil {
			return err
		}

		o, err := order.Fetch(ctx, tx, d.OrderID)
		if err != nil {
			return err
		}
		if o.Status != order.StatusWaitingForPayment {
			return nil
		}
		_, err = order.AppendStatus(ctx, tx, d.OrderID, order.StatusDenied)
		return err
	})
}

func (s *PGStore) RecordShortfall(ctx context.Context, sf Shortfall) (int64, error) {
	var due int64
	err := database.Transaction(ctx, s.db, func(tx sqlx.ExtContext) error {
		pay, err := payment.LockCapturedPayment(ctx, tx, sf.OrderID)
		if errors.Is(err, payment.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		refunded := max(pay.Refunded, sf.Refunded)
		due = max(pay.Amount-refunded-sf.Delivered, 0)
		if refunded == pay.Refunded && due == pay.RefundDue {
			return nil
		}
		if err := payment.SetRefunds(ctx, tx, pay.ID, refunded, due); err != nil {
			return err
		}

		if sf.AccountID == "" || due == pay.RefundDue {
			return nil
		}
		if _, err := payment.LockAccount(ctx, tx, sf.AccountID); err != nil {
			return err
		}
		return payment.PostLedger(ctx, tx, sf.AccountID, decimal.Zero, payment.LedgerEntry{
			ShopID:    sf.ShopID,
			Provider:  sf.Provider,
			OrderID:   sf.OrderID,
			Kind:      payment.LedgerRefundDue,
			Amount:    decimal.NewFromInt(pay.RefundDue - due),
			CreatedAt: time.Now().UTC(),
		})
	})
	return due, err
}

func (s *PGStore) Cancel(ctx context.Context, orderID string) error {
	return database.Transaction(ctx, s.db, func(tx sqlx.ExtContext) error {
		_, err := order.Cancel(ctx, tx, orderID)
		return err
	})
}

func (s *PGStore) Transition(ctx context.Context, orderID string, to order.Status) error {
	_, err := order.Transition(ctx, s.db, orderID, to)
	return err
}

func (s *PGStore) SetOnboarded(ctx context.Context, p payment.Provider, accountRef string, onboarded bool, payload []byte) error {
	_, err := payment.UpdateOnboarding(ctx, s.db, p, accountRef, onboarded, payload)
	return err
}
