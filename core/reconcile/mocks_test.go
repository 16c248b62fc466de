package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/irsalhamdi/storefront/core/catalog"
	"github.com/irsalhamdi/storefront/core/order"
	"github.com/irsalhamdi/storefront/core/payment"
	"github.com/shopspring/decimal"
)

type memStore struct {
	mu       sync.Mutex
	shop     catalog.Shop
	orders   map[string]*order.Order
	sessions map[string]*payment.Session
	accounts map[payment.Provider]*payment.Account
	seen     map[string]bool
	payments []payment.Payment
	ledger   []payment.LedgerEntry
	history  map[string][]order.Status
}

func newMemStore() *memStore {
	return &memStore{
		shop:     catalog.Shop{ID: "shop-1", Name: "Keys & Co", Country: "US", SubscriptionTier: 1},
		orders:   map[string]*order.Order{},
		sessions: map[string]*payment.Session{},
		accounts: map[payment.Provider]*payment.Account{},
		seen:     map[string]bool{},
		history:  map[string][]order.Status{},
	}
}

func (m *memStore) addOrder(o order.Order) {
	m.orders[o.ID] = &o
}

func (m *memStore) addSession(s payment.Session) {
	m.sessions[s.Provider.String()+"/"+s.ProviderRef] = &s
}

func (m *memStore) addAccount(a payment.Account) {
	m.accounts[a.Provider] = &a
}

func (m *memStore) status(id string) order.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id].Status
}

func (m *memStore) session(p payment.Provider, ref string) payment.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.sessions[p.String()+"/"+ref]
}

func (m *memStore) move(id string, to order.Status) (*order.Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	if !o.Status.CanTransition(to) {
		return o, &order.TransitionError{ID: "order[" + id + "]", From: o.Status.String(), To: to.String()}
	}
	o.Status = to
	m.history[id] = append(m.history[id], to)
	return o, nil
}

func (m *memStore) Seen(ctx context.Context, p payment.Provider, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[p.String()+"/"+eventID], nil
}

func (m *memStore) MarkSeen(ctx context.Context, p payment.Provider, eventID, typ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[p.String()+"/"+eventID] = true
	return nil
}

func (m *memStore) Order(ctx context.Context, id string) (order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return order.Order{}, fmt.Errorf("order[%s]: %w", id, order.ErrNotFound)
	}
	return *o, nil
}

func (m *memStore) Shop(ctx context.Context, id string) (catalog.Shop, error) {
	return m.shop, nil
}

func (m *memStore) Account(ctx context.Context, shopID string, p payment.Provider) (payment.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[p]
	if !ok {
		return payment.Account{}, payment.ErrNotOnboarded
	}
	return *a, nil
}

func (m *memStore) SessionByRef(ctx context.Context, p payment.Provider, ref string) (payment.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[p.String()+"/"+ref]
	if !ok {
		return payment.Session{}, payment.ErrNotFound
	}
	return *s, nil
}

func (m *memStore) UpdateSession(ctx context.Context, p payment.Provider, ref string, status payment.SessionStatus, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[p.String()+"/"+ref]
	if !ok {
		return payment.ErrNotFound
	}
	s.Status = status
	return nil
}

func (m *memStore) RecordCapture(ctx context.Context, c Capture) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, err := m.move(c.OrderID, order.StatusPaymentConfirmed)
	if err != nil {
		if o != nil && o.Status.Captured() {
			return payment.ErrAlreadyCaptured
		}
		return err
	}

	m.payments = append(m.payments, payment.Payment{OrderID: c.OrderID, Provider: c.Provider,
		ProviderRef: c.ProviderRef, Status: payment.PaymentCaptured, Amount: c.Amount, Refunded: c.Refunded, Fee: c.Fee})

	if c.Ledger != nil {
		gross := decimal.NewFromInt(c.Amount - c.Refunded)
		m.ledger = append(m.ledger,
			payment.LedgerEntry{OrderID: c.OrderID, Kind: payment.LedgerMerchantNet, Amount: gross.Sub(c.Ledger.Fee)},
			payment.LedgerEntry{OrderID: c.OrderID, Kind: payment.LedgerOperatorFee, Amount: c.Ledger.Fee},
		)
		for _, a := range m.accounts {
			if a.ID == c.Ledger.AccountID {
				a.Balance = a.Balance.Add(c.Ledger.Fee)
			}
		}
	}

	if s, ok := m.sessions[c.Provider.String()+"/"+c.ProviderRef]; ok {
		s.Status = payment.SessionCaptured
	}
	return nil
}

func (m *memStore) RecordDenial(ctx context.Context, d Denial) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.payments = append(m.payments, payment.Payment{OrderID: d.OrderID, Provider: d.Provider,
		ProviderRef: d.ProviderRef, Status: payment.PaymentCanceled, Amount: d.Amount})

	if m.orders[d.OrderID].Status != order.StatusWaitingForPayment {
		return nil
	}
	_, err := m.move(d.OrderID, order.StatusDenied)
	return err
}

func (m *memStore) RecordShortfall(ctx context.Context, sf Shortfall) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.payments {
		pay := &m.payments[i]
		if pay.OrderID != sf.OrderID || pay.Status != payment.PaymentCaptured {
			continue
		}

		prev := pay.RefundDue
		pay.Refunded = max(pay.Refunded, sf.Refunded)
		pay.RefundDue = max(pay.Amount-pay.Refunded-sf.Delivered, 0)
		if sf.AccountID != "" && pay.RefundDue != prev {
			m.ledger = append(m.ledger, payment.LedgerEntry{OrderID: sf.OrderID, Kind: payment.LedgerRefundDue,
				Amount: decimal.NewFromInt(prev - pay.RefundDue)})
		}
		return pay.RefundDue, nil
	}
	return 0, nil
}

func (m *memStore) Cancel(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.move(orderID, order.StatusCancelled)
	return err
}

func (m *memStore) Transition(ctx context.Context, orderID string, to order.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.move(orderID, to)
	return err
}

func (m *memStore) SetOnboarded(ctx context.Context, p payment.Provider, accountRef string, onboarded bool, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Provider == p && a.AccountRef == accountRef {
			a.Onboarded = onboarded
		}
	}
	return nil
}

// fakeFulfiller moves captured orders straight to COMPLETE on the store.
// Items listed in outOfStock can be neither reserved nor delivered.
type fakeFulfiller struct {
	store      *memStore
	outOfStock map[string]bool
	calls      int
	err        error
}

func (f *fakeFulfiller) cancelMissing(o *order.Order) {
	for i, it := range o.Items {
		if f.outOfStock[it.ID] && it.Status == order.ItemPending {
			o.Items[i].Status = order.ItemCancelledOutOfStock
		}
	}
}

func (f *fakeFulfiller) Fulfill(ctx context.Context, orderID string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	f.cancelMissing(f.store.orders[orderID])
	for _, to := range []order.Status{order.StatusPending, order.StatusComplete} {
		if f.store.orders[orderID].Status.CanTransition(to) {
			f.store.move(orderID, to)
		}
	}
	return nil
}

func (f *fakeFulfiller) Reserve(ctx context.Context, orderID string) (int64, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	o := f.store.orders[orderID]
	f.cancelMissing(o)
	return order.Owed(o.Items), nil
}

// fakeEffect is what the fake adapter decodes from a test delivery.
type fakeEffect struct {
	Kind   payment.Kind `json:"kind"`
	Amount int64        `json:"amount"`
}

// fakeAdapter reads the effect straight out of the event body. Deliveries
// are accepted when the signature header equals "ok".
type fakeAdapter struct {
	provider payment.Provider
	applyErr error
}

func (a *fakeAdapter) Provider() payment.Provider { return a.provider }

func (a *fakeAdapter) StartSession(ctx context.Context, o order.Order, acct payment.Account) (payment.Session, error) {
	return payment.Session{}, nil
}

func (a *fakeAdapter) VerifyWebhook(ctx context.Context, body []byte, header http.Header) (payment.Event, error) {
	if header.Get("X-Signature") != "ok" {
		return payment.Event{}, &payment.SignatureError{Provider: a.provider, Err: fmt.Errorf("bad signature")}
	}
	var ev struct {
		ID      string     `json:"id"`
		OrderID string     `json:"orderId"`
		Ref     string     `json:"ref"`
		Effect  fakeEffect `json:"effect"`
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		return payment.Event{}, &payment.SignatureError{Provider: a.provider, Err: err}
	}
	return payment.Event{
		ID:          ev.ID,
		Provider:    a.provider,
		Type:        ev.Effect.Kind.String(),
		OrderID:     ev.OrderID,
		ProviderRef: ev.Ref,
		Payload:     body,
		Data:        ev.Effect,
	}, nil
}

func (a *fakeAdapter) ApplyEvent(ctx context.Context, ev payment.Event, o order.Order) (payment.Effect, error) {
	if a.applyErr != nil {
		return payment.Effect{}, a.applyErr
	}
	fe := ev.Data.(fakeEffect)
	eff := payment.Effect{Kind: fe.Kind, ProviderRef: ev.ProviderRef, Amount: fe.Amount, AccountRef: ev.AccountRef}
	switch fe.Kind {
	case payment.KindAuthorized:
		eff.SessionStatus = payment.SessionAuthorized
	case payment.KindCaptured:
		eff.SessionStatus = payment.SessionCaptured
	case payment.KindCanceled, payment.KindDenied:
		eff.SessionStatus = payment.SessionCanceled
	case payment.KindOnboarding:
		eff.Onboarded = fe.Amount > 0
	}
	return eff, nil
}

type capture struct {
	ref    string
	amount int64
	fee    int64
}

// fakeCapturer is a two-phase adapter that records what it was asked to
// capture or void. With full set it behaves like a wallet: the whole
// authorization is captured and the excess refunded, unless refundFails.
type fakeCapturer struct {
	fakeAdapter
	mu          sync.Mutex
	full        int64
	refundFails bool
	captures    []capture
	voids       []string
}

func (a *fakeCapturer) Capture(ctx context.Context, ref string, acct payment.Account, amount, fee int64) (payment.Effect, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.captures = append(a.captures, capture{ref, amount, fee})

	eff := payment.Effect{Kind: payment.KindCaptured, SessionStatus: payment.SessionCaptured, ProviderRef: ref, Amount: amount}
	if a.full > 0 {
		eff.Amount = a.full
		if !a.refundFails {
			eff.Refunded = a.full - amount
		}
	}
	return eff, nil
}

func (a *fakeCapturer) Void(ctx context.Context, ref string, acct payment.Account) (payment.Effect, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.voids = append(a.voids, ref)
	return payment.Effect{Kind: payment.KindCanceled, SessionStatus: payment.SessionCanceled, ProviderRef: ref}, nil
}
