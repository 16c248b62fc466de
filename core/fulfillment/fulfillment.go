// Package fulfillment performs the side effects of a paid order. Stock and
// keys are reserved when the payment is authorized, and delivery, customer
// binding and the receipt follow the capture.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/irsalhamdi/storefront/core/catalog"
	"github.com/irsalhamdi/storefront/core/order"
	"github.com/irsalhamdi/storefront/email"
	"github.com/sirupsen/logrus"
)

// Store is the persistence the engine needs. Every method is its own atomic
// unit.
type Store interface {
	Order(ctx context.Context, id string) (order.Order, error)
	Shop(ctx context.Context, id string) (catalog.Shop, error)

	// CommitItem claims keys for digital items, decrements stock and flags
	// the item committed, all or nothing. It is a no-op for an item that is
	// already committed or no longer pending. Lack of stock or keys is
	// reported as catalog.ErrInsufficientStock or
	// catalog.ErrInsufficientKeyInventory with nothing written.
	CommitItem(ctx context.Context, it order.Item, recipient string) error
	CancelItem(ctx context.Context, itemID string, to order.ItemStatus) error

	// Deliver moves a committed digital item through SHIPPED to DELIVERED.
	// Items already delivered are left alone.
	Deliver(ctx context.Context, itemID string) error

	Advance(ctx context.Context, id string, to order.Status) (order.Order, error)
	BindCustomer(ctx context.Context, o order.Order) error
	MarkReceiptSent(ctx context.Context, id string) error

	ItemKeys(ctx context.Context, itemID string) ([]string, error)
}

type Notifier interface {
	SendReceipt(ctx context.Context, to string, r email.Receipt) error
}

// Dispatcher runs fire-and-forget work off the request path.
type Dispatcher interface {
	Add(fn func() error) error
}

type Engine struct {
	store       Store
	mail        Notifier
	bg          Dispatcher
	log         logrus.FieldLogger
	siteURL     string
	mailTimeout time.Duration
}

func New(store Store, mail Notifier, bg Dispatcher, log logrus.FieldLogger, siteURL string) *Engine {
	return &Engine{
		store:       store,
		mail:        mail,
		bg:          bg,
		log:         log,
		siteURL:     siteURL,
		mailTimeout: 30 * time.Second,
	}
}

// Fulfill drives a captured order to COMPLETE. It may be called any number
// of times for the same order: committed items are skipped and an order
// that already moved on is left alone.
func (e *Engine) Fulfill(ctx context.Context, orderID string) error {
	o, err := e.store.Order(ctx, orderID)
	if err != nil {
		return err
	}

	switch o.Status {
	case order.StatusComplete:
		return nil

	case order.StatusPaymentConfirmed:
		if err := e.commit(ctx, o, true); err != nil {
			return err
		}

		o, err = e.store.Advance(ctx, o.ID, order.StatusPending)
		if errors.Is(err, order.ErrInvalidTransition) {
			return nil
		}
		if err != nil {
			return err
		}

	case order.StatusPending:

	default:
		return &order.TransitionError{ID: "order[" + o.ID + "]", From: o.Status.String(), To: order.StatusPending.String()}
	}

	return e.finish(ctx, o)
}

// commit reserves every pending item that is not reserved yet. Items the
// catalog cannot cover are cancelled out of stock. With deliver set,
// committed digital items are handed over as well.
func (e *Engine) commit(ctx context.Context, o order.Order, deliver bool) error {
	for _, it := range o.Items {
		if it.Status != order.ItemPending {
			continue
		}

		if !it.StockCommitted {
			err := e.store.CommitItem(ctx, it, o.Email)
			switch {
			case errors.Is(err, catalog.ErrInsufficientStock), errors.Is(err, catalog.ErrInsufficientKeyInventory):
				e.log.WithFields(logrus.Fields{
					"order_id": o.ID,
					"item_id":  it.ID,
					"message":  err,
				}).Warn("item out of stock")

				err := e.store.CancelItem(ctx, it.ID, order.ItemCancelledOutOfStock)
				if err != nil && !errors.Is(err, order.ErrInvalidTransition) {
					return err
				}
				continue
			case err != nil:
				return fmt.Errorf("committing item[%s]: %w", it.ID, err)
			}
		}

		if deliver && it.ProductType == catalog.Virtual {
			if err := e.store.Deliver(ctx, it.ID); err != nil {
				return fmt.Errorf("delivering item[%s]: %w", it.ID, err)
			}
		}
	}
	return nil
}

func (e *Engine) finish(ctx context.Context, o order.Order) error {
	if o.Email != "" && o.CustomerID == nil {
		if err := e.store.BindCustomer(ctx, o); err != nil {
			return err
		}
	}

	if o.Email != "" && !o.ReceiptSent {
		r, err := e.receipt(ctx, o.ID)
		if err != nil {
			return err
		}
		e.dispatch(o, r)
	}

	_, err := e.store.Advance(ctx, o.ID, order.StatusComplete)
	if errors.Is(err, order.ErrInvalidTransition) {
		return nil
	}
	return err
}

func (e *Engine) receipt(ctx context.Context, orderID string) (email.Receipt, error) {
	o, err := e.store.Order(ctx, orderID)
	if err != nil {
		return email.Receipt{}, err
	}
	shop, err := e.store.Shop(ctx, o.ShopID)
	if err != nil {
		return email.Receipt{}, err
	}

	r := email.Receipt{
		OrderID:  o.ID,
		ShopName: shop.Name,
		Currency: o.Currency,
		Link:     fmt.Sprintf("%s/checkout/%s", e.siteURL, o.ID),
	}
	for _, it := range o.Items {
		ri := email.ReceiptItem{
			Name:      it.Name,
			Quantity:  it.Quantity,
			Price:     it.Subtotal(),
			Cancelled: it.Status == order.ItemCancelledOutOfStock,
		}
		if !ri.Cancelled {
			r.Total += ri.Price
		}
		if it.ProductType == catalog.Virtual && !ri.Cancelled {
			if ri.Keys, err = e.store.ItemKeys(ctx, it.ID); err != nil {
				return email.Receipt{}, err
			}
		}
		r.Items = append(r.Items, ri)
	}
	return r, nil
}

func (e *Engine) dispatch(o order.Order, r email.Receipt) {
	log := e.log.WithField("order_id", o.ID)

	err := e.bg.Add(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), e.mailTimeout)
		defer cancel()

		if err := e.mail.SendReceipt(ctx, o.Email, r); err != nil {
			return fmt.Errorf("sending receipt of order[%s]: %w", o.ID, err)
		}
		return e.store.MarkReceiptSent(ctx, o.ID)
	})
	if err != nil {
		log.WithField("message", err).Error("receipt not dispatched")
	}
}

// Reserve commits stock and keys for the pending items of an unpaid order
// and returns the subtotal now held for it. Items that cannot be covered
// are cancelled out of stock, so the result is exactly what may be charged.
// Calling it again keeps earlier reservations and retries nothing that was
// already cancelled.
func (e *Engine) Reserve(ctx context.Context, orderID string) (int64, error) {
	o, err := e.store.Order(ctx, orderID)
	if err != nil {
		return 0, err
	}
	if !o.Status.Unpaid() {
		return 0, &order.TransitionError{ID: "order[" + o.ID + "]", From: o.Status.String(), To: order.StatusPaymentConfirmed.String()}
	}

	if err := e.commit(ctx, o, false); err != nil {
		return 0, err
	}

	o, err = e.store.Order(ctx, orderID)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, it := range o.Items {
		if it.Status == order.ItemPending && it.StockCommitted {
			total += it.Subtotal()
		}
	}
	return total, nil
}
