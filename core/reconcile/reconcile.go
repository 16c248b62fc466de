// Package reconcile applies verified provider events to orders. Every
// provider goes through the same pipeline: resolve the order, let the
// adapter map the event, move the order through its status graph, then
// fulfill on capture.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/irsalhamdi/storefront/core/catalog"
	"github.com/irsalhamdi/storefront/core/order"
	"github.com/irsalhamdi/storefront/core/payment"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Capture is a captured payment ready to be recorded.
type Capture struct {
	OrderID     string
	ShopID      string
	Provider    payment.Provider
	ProviderRef string
	Amount      int64
	Refunded    int64
	Fee         int64
	Payload     []byte

	// Ledger is set for providers that book settlements on the shop's
	// balance ledger.
	Ledger *Ledger
}

type Ledger struct {
	AccountID string
	Fee       decimal.Decimal
}

// Shortfall compares a captured order with what fulfillment delivered.
type Shortfall struct {
	OrderID   string
	ShopID    string
	Provider  payment.Provider
	Delivered int64

	// Refunded is what the capture already handed back. It only ever
	// raises the amount stored on the payment.
	Refunded int64

	// AccountID is set for providers that book settlements on the shop's
	// balance ledger.
	AccountID string
}

// Denial is a declined payment attempt.
type Denial struct {
	OrderID     string
	Provider    payment.Provider
	ProviderRef string
	Amount      int64
	Payload     []byte
}

type Store interface {
	Seen(ctx context.Context, p payment.Provider, eventID string) (bool, error)
	MarkSeen(ctx context.Context, p payment.Provider, eventID, typ string) error

	Order(ctx context.Context, id string) (order.Order, error)
	Shop(ctx context.Context, id string) (catalog.Shop, error)
	Account(ctx context.Context, shopID string, p payment.Provider) (payment.Account, error)
	SessionByRef(ctx context.Context, p payment.Provider, ref string) (payment.Session, error)

	UpdateSession(ctx context.Context, p payment.Provider, ref string, status payment.SessionStatus, payload []byte) error

	// RecordCapture moves the order to PAYMENT_CONFIRMED and stores the
	// captured payment, its ledger entries and the session status as one
	// unit. An order already captured yields payment.ErrAlreadyCaptured.
	RecordCapture(ctx context.Context, c Capture) error

	// RecordDenial stores a canceled payment and moves an unpaid order to
	// DENIED as one unit.
	RecordDenial(ctx context.Context, d Denial) error

	// RecordShortfall stores on the captured payment the part the buyer paid
	// for but will not receive, net of refunds, and returns it. Recording
	// the same shortfall again changes nothing.
	RecordShortfall(ctx context.Context, s Shortfall) (int64, error)

	Cancel(ctx context.Context, orderID string) error
	Transition(ctx context.Context, orderID string, to order.Status) error
	SetOnboarded(ctx context.Context, p payment.Provider, accountRef string, onboarded bool, payload []byte) error
}

type Fulfiller interface {
	Fulfill(ctx context.Context, orderID string) error

	// Reserve holds stock and keys for an unpaid order and returns the
	// subtotal of what it holds.
	Reserve(ctx context.Context, orderID string) (int64, error)
}

type Fees interface {
	Compute(total int64, shop catalog.Shop, p payment.Provider) int64
	Exact(total int64, shop catalog.Shop, p payment.Provider) decimal.Decimal
}

type Processor struct {
	store   Store
	fulfill Fulfiller
	fees    Fees
	log     logrus.FieldLogger
}

func NewProcessor(store Store, fulfill Fulfiller, fees Fees, log logrus.FieldLogger) *Processor {
	return &Processor{store: store, fulfill: fulfill, fees: fees, log: log}
}

// Process applies ev. Events seen before are acknowledged without effect.
// A rejected transition is recorded as seen and returned, so callers can
// tell it apart from a failure worth retrying.
func (p *Processor) Process(ctx context.Context, a payment.Adapter, ev payment.Event) error {
	prov := a.Provider()
	log := p.log.WithFields(logrus.Fields{
		"provider": prov,
		"event_id": ev.ID,
		"type":     ev.Type,
	})

	if ev.ID != "" {
		seen, err := p.store.Seen(ctx, prov, ev.ID)
		if err != nil {
			return err
		}
		if seen {
			log.Debug("duplicate delivery")
			return nil
		}
	}

	o, err := p.resolve(ctx, prov, ev)
	if err != nil {
		if !errors.Is(err, order.ErrNotFound) {
			return err
		}
		log.WithField("message", err).Warn("event for unknown order")
		return p.markSeen(ctx, prov, ev)
	}
	if o.ID != "" {
		log = log.WithField("order_id", o.ID)
	}

	eff, err := a.ApplyEvent(ctx, ev, o)
	if err != nil {
		return fmt.Errorf("mapping %s event[%s]: %w", prov, ev.ID, err)
	}

	err = p.apply(ctx, a, o, eff, log)
	switch {
	case errors.Is(err, order.ErrInvalidTransition):
		if eff.Kind == payment.KindCaptured {
			log.WithField("message", err).Error("captured payment on a closed order")
		} else {
			log.WithField("message", err).Warn("event rejected by the order status graph")
		}
		if merr := p.markSeen(ctx, prov, ev); merr != nil {
			return merr
		}
		return err
	case err != nil:
		return err
	}

	return p.markSeen(ctx, prov, ev)
}

func (p *Processor) markSeen(ctx context.Context, prov payment.Provider, ev payment.Event) error {
	if ev.ID == "" {
		return nil
	}
	return p.store.MarkSeen(ctx, prov, ev.ID, ev.Type)
}

// resolve finds the order an event is about. The session bound to the
// provider reference wins over ids carried in the event. Account level
// events resolve to the zero Order.
func (p *Processor) resolve(ctx context.Context, prov payment.Provider, ev payment.Event) (order.Order, error) {
	id := ev.OrderID

	if ev.ProviderRef != "" {
		s, err := p.store.SessionByRef(ctx, prov, ev.ProviderRef)
		switch {
		case err == nil:
			if id != "" && id != s.OrderID {
				return order.Order{}, fmt.Errorf("%s ref[%s] is bound to order[%s], event names [%s]", prov, ev.ProviderRef, s.OrderID, id)
			}
			id = s.OrderID
		case !errors.Is(err, payment.ErrNotFound):
			return order.Order{}, err
		}
	}

	if id == "" {
		if ev.AccountRef != "" {
			return order.Order{}, nil
		}
		return order.Order{}, fmt.Errorf("%s event[%s] names no order: %w", prov, ev.ID, order.ErrNotFound)
	}
	return p.store.Order(ctx, id)
}

func (p *Processor) apply(ctx context.Context, a payment.Adapter, o order.Order, eff payment.Effect, log logrus.FieldLogger) error {
	prov := a.Provider()

	if o.ID == "" && eff.Kind != payment.KindOnboarding && eff.Kind != payment.KindIgnore {
		log.WithField("kind", eff.Kind).Warn("order level effect without an order")
		return nil
	}

	switch eff.Kind {
	case payment.KindIgnore:
		return nil

	case payment.KindSession:
		return p.session(ctx, prov, eff)

	case payment.KindAuthorized:
		return p.authorized(ctx, a, o, eff, log)

	case payment.KindCaptured:
		return p.captured(ctx, prov, o, eff, log)

	case payment.KindDenied:
		if !o.Status.Unpaid() {
			log.WithField("status", o.Status).Info("denial for a paid order ignored")
			return nil
		}
		if err := p.session(ctx, prov, eff); err != nil {
			return err
		}
		return p.store.RecordDenial(ctx, Denial{
			OrderID:     o.ID,
			Provider:    prov,
			ProviderRef: eff.ProviderRef,
			Amount:      eff.Amount,
			Payload:     eff.Payload,
		})

	case payment.KindCanceled:
		if err := p.session(ctx, prov, eff); err != nil {
			return err
		}
		if !o.Status.Unpaid() {
			return nil
		}
		return p.store.Cancel(ctx, o.ID)

	case payment.KindRefunded:
		return p.store.Transition(ctx, o.ID, order.StatusRefunded)

	case payment.KindChargeback:
		return p.store.Transition(ctx, o.ID, order.StatusChargebackPending)

	case payment.KindChargebackWon:
		return p.store.Transition(ctx, o.ID, order.StatusChargebackWon)

	case payment.KindChargebackLost:
		return p.store.Transition(ctx, o.ID, order.StatusChargebackLost)

	case payment.KindOnboarding:
		return p.store.SetOnboarded(ctx, prov, eff.AccountRef, eff.Onboarded, eff.Payload)
	}

	return fmt.Errorf("unhandled effect %s", eff.Kind)
}

func (p *Processor) session(ctx context.Context, prov payment.Provider, eff payment.Effect) error {
	if eff.ProviderRef == "" {
		return nil
	}
	err := p.store.UpdateSession(ctx, prov, eff.ProviderRef, eff.SessionStatus, eff.Payload)
	if errors.Is(err, payment.ErrNotFound) {
		return nil
	}
	return err
}

// authorized decides what to take from an authorization. Stock and keys are
// reserved first and only the reserved part of the order is captured, with
// the fee computed on that part. When nothing could be reserved the
// authorization is voided. A failed capture keeps the reservation for the
// retry. The expiry sweep releases it if no retry succeeds.
func (p *Processor) authorized(ctx context.Context, a payment.Adapter, o order.Order, eff payment.Effect, log logrus.FieldLogger) error {
	if !o.Status.Unpaid() {
		log.WithField("status", o.Status).Debug("authorization for a settled order")
		return nil
	}
	if err := p.session(ctx, a.Provider(), eff); err != nil {
		return err
	}

	c, ok := a.(payment.Capturer)
	if !ok {
		return nil
	}

	acct, err := p.store.Account(ctx, o.ShopID, a.Provider())
	if err != nil {
		return err
	}
	shop, err := p.store.Shop(ctx, o.ShopID)
	if err != nil {
		return err
	}

	amount, err := p.fulfill.Reserve(ctx, o.ID)
	if err != nil {
		return err
	}
	if eff.Amount > 0 && amount > eff.Amount {
		amount = eff.Amount
	}

	var res payment.Effect
	if amount <= 0 {
		log.Info("nothing left to deliver, voiding the authorization")
		res, err = c.Void(ctx, eff.ProviderRef, acct)
	} else {
		res, err = c.Capture(ctx, eff.ProviderRef, acct, amount, p.fees.Compute(amount, shop, a.Provider()))
	}
	if err != nil {
		return err
	}
	if res.Kind == payment.KindAuthorized {
		return fmt.Errorf("%s ref[%s] still authorized after capture", a.Provider(), eff.ProviderRef)
	}

	return p.apply(ctx, a, o, res, log)
}

func (p *Processor) captured(ctx context.Context, prov payment.Provider, o order.Order, eff payment.Effect, log logrus.FieldLogger) error {
	shop, err := p.store.Shop(ctx, o.ShopID)
	if err != nil {
		return err
	}

	net := eff.Amount - eff.Refunded
	c := Capture{
		OrderID:     o.ID,
		ShopID:      o.ShopID,
		Provider:    prov,
		ProviderRef: eff.ProviderRef,
		Amount:      eff.Amount,
		Refunded:    eff.Refunded,
		Fee:         p.fees.Compute(net, shop, prov),
		Payload:     eff.Payload,
	}

	var accountID string
	if prov == payment.ProviderBTCPay {
		acct, err := p.store.Account(ctx, o.ShopID, prov)
		if err != nil {
			return err
		}
		accountID = acct.ID
		c.Ledger = &Ledger{AccountID: acct.ID, Fee: p.fees.Exact(net, shop, prov)}
	}

	err = p.store.RecordCapture(ctx, c)
	switch {
	case errors.Is(err, payment.ErrAlreadyCaptured):
		log.Debug("payment already captured")
	case err != nil:
		return err
	default:
		log.WithFields(logrus.Fields{"amount": c.Amount, "fee": c.Fee}).Info("payment captured")
	}

	start := time.Now()
	if err := p.fulfill.Fulfill(ctx, o.ID); err != nil {
		return fmt.Errorf("fulfilling order[%s]: %w", o.ID, err)
	}
	log.WithField("since", time.Since(start).String()).Debug("order fulfilled")

	return p.shortfall(ctx, prov, o, eff.Refunded, accountID, log)
}

// shortfall flags money taken for items fulfillment could not deliver.
func (p *Processor) shortfall(ctx context.Context, prov payment.Provider, o order.Order, refunded int64, accountID string, log logrus.FieldLogger) error {
	cur, err := p.store.Order(ctx, o.ID)
	if err != nil {
		return err
	}

	due, err := p.store.RecordShortfall(ctx, Shortfall{
		OrderID:   o.ID,
		ShopID:    o.ShopID,
		Provider:  prov,
		Delivered: order.Owed(cur.Items),
		Refunded:  refunded,
		AccountID: accountID,
	})
	if err != nil {
		return fmt.Errorf("recording shortfall of order[%s]: %w", o.ID, err)
	}
	if due > 0 {
		log.WithField("refund_due", due).Warn("captured more than was delivered")
	}
	return nil
}
