package checkout

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/irsalhamdi/storefront/core/cart"
	"github.com/irsalhamdi/storefront/core/catalog"
	"github.com/irsalhamdi/storefront/core/order"
	"github.com/irsalhamdi/storefront/core/payment"
	"github.com/irsalhamdi/storefront/core/risk"
)

type memStore struct {
	mu        sync.Mutex
	shop      catalog.Shop
	products  map[string]catalog.Product
	carts     map[string]cart.Cart
	blacklist []risk.Probe
	orders    map[string]*order.Order
	visitors  map[string]order.VisitorData
	accounts  map[payment.Provider]payment.Account
	sessions  []payment.Session
}

func newMemStore() *memStore {
	return &memStore{
		shop:     catalog.Shop{ID: "shop-1", Name: "Keys & Co", Country: "US", Currency: "USD"},
		products: map[string]catalog.Product{},
		carts:    map[string]cart.Cart{},
		orders:   map[string]*order.Order{},
		visitors: map[string]order.VisitorData{},
		accounts: map[payment.Provider]payment.Account{},
	}
}

func (m *memStore) addProduct(id string, price int64, stock int) catalog.Product {
	p := catalog.Product{
		ID:               id,
		ShopID:           m.shop.ID,
		Name:             "product " + id,
		Type:             catalog.Virtual,
		Status:           catalog.StatusListed,
		Price:            price,
		Stock:            stock,
		MinOrderQuantity: 1,
		MaxOrderQuantity: 10,
	}
	m.products[id] = p
	return p
}

func (m *memStore) addLine(token, productID string, qty int) {
	key := token + "/" + m.shop.ID
	c, ok := m.carts[key]
	if !ok {
		c = cart.Cart{Token: token, ShopID: m.shop.ID}
	}
	c.Items = append(c.Items, cart.Item{
		ID:        fmt.Sprintf("line-%d", len(c.Items)+1),
		Token:     token,
		ShopID:    m.shop.ID,
		ProductID: productID,
		Quantity:  qty,
		ExpiresAt: farFuture,
	})
	m.carts[key] = c
}

func (m *memStore) addOrder(o order.Order) {
	m.orders[o.ID] = &o
}

func (m *memStore) status(id string) order.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id].Status
}

func (m *memStore) Cart(ctx context.Context, token, shopID string) (cart.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carts[token+"/"+shopID]
	if !ok {
		return cart.Cart{}, cart.ErrNotFound
	}
	return c, nil
}

func (m *memStore) Shop(ctx context.Context, id string) (catalog.Shop, error) {
	if id != m.shop.ID {
		return catalog.Shop{}, catalog.ErrNotFound
	}
	return m.shop, nil
}

func (m *memStore) Products(ctx context.Context, ids []string) (map[string]catalog.Product, error) {
	out := map[string]catalog.Product{}
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *memStore) Blacklisted(ctx context.Context, shopID string, probes ...risk.Probe) (bool, error) {
	for _, p := range probes {
		if p.Value == "" {
			continue
		}
		for _, b := range m.blacklist {
			if b.Kind == p.Kind && strings.EqualFold(b.Value, strings.TrimSpace(p.Value)) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *memStore) PlaceOrder(ctx context.Context, o order.Order, vd order.VisitorData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.Status = order.StatusWaitingForPayment
	m.orders[o.ID] = &o
	m.visitors[o.ID] = vd
	delete(m.carts, o.CartToken+"/"+o.ShopID)
	return nil
}

func (m *memStore) Order(ctx context.Context, id string) (order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return order.Order{}, order.ErrNotFound
	}
	return *o, nil
}

func (m *memStore) UpdateEmail(ctx context.Context, id, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	if !o.Status.Unpaid() {
		return order.ErrNotEditable
	}
	o.Email = email
	return nil
}

func (m *memStore) Deny(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[id]
	if !o.Status.CanTransition(order.StatusDenied) {
		return &order.TransitionError{ID: id, From: o.Status.String(), To: order.StatusDenied.String()}
	}
	o.Status = order.StatusDenied
	return nil
}

func (m *memStore) Account(ctx context.Context, shopID string, p payment.Provider) (payment.Account, error) {
	a, ok := m.accounts[p]
	if !ok {
		return payment.Account{}, payment.ErrNotOnboarded
	}
	return a, nil
}

func (m *memStore) CreateSession(ctx context.Context, s payment.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, s)
	return nil
}

func (m *memStore) LatestSession(ctx context.Context, orderID string, p *payment.Provider) (payment.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sessions) - 1; i >= 0; i-- {
		s := m.sessions[i]
		if s.OrderID == orderID && (p == nil || s.Provider == *p) {
			return s, nil
		}
	}
	return payment.Session{}, payment.ErrNotFound
}

type fakeScreener struct {
	loc   risk.Location
	err   error
	calls int
}

func (f *fakeScreener) Screen(ctx context.Context, ip, captchaToken string) (risk.Location, error) {
	f.calls++
	if f.err != nil {
		return risk.Location{}, f.err
	}
	loc := f.loc
	loc.IP = ip
	return loc, nil
}

type fakeAdapter struct {
	provider payment.Provider
	started  int
	err      error
}

func (a *fakeAdapter) Provider() payment.Provider { return a.provider }

func (a *fakeAdapter) StartSession(ctx context.Context, o order.Order, acct payment.Account) (payment.Session, error) {
	if a.err != nil {
		return payment.Session{}, a.err
	}
	a.started++
	return payment.Session{
		ID:          fmt.Sprintf("sess-%d", a.started),
		OrderID:     o.ID,
		Provider:    a.provider,
		ProviderRef: fmt.Sprintf("%s_%d", a.provider, a.started),
		Status:      payment.SessionPending,
		RedirectURL: "https://pay.test/" + o.ID,
	}, nil
}

func (a *fakeAdapter) VerifyWebhook(ctx context.Context, body []byte, header http.Header) (payment.Event, error) {
	return payment.Event{}, nil
}

func (a *fakeAdapter) ApplyEvent(ctx context.Context, ev payment.Event, o order.Order) (payment.Effect, error) {
	return payment.Effect{}, nil
}

type fakeApprover struct {
	fakeAdapter
	event payment.Event
}

func (a *fakeApprover) Approval(ctx context.Context, ref string) (payment.Event, error) {
	ev := a.event
	ev.ProviderRef = ref
	return ev, nil
}

// fakeProcessor confirms the payment of whatever order an event names.
type fakeProcessor struct {
	store  *memStore
	events []payment.Event
}

func (p *fakeProcessor) Process(ctx context.Context, a payment.Adapter, ev payment.Event) error {
	p.events = append(p.events, ev)

	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	o := p.store.orders[ev.OrderID]
	if !o.Status.CanTransition(order.StatusPaymentConfirmed) {
		return &order.TransitionError{ID: o.ID, From: o.Status.String(), To: order.StatusPaymentConfirmed.String()}
	}
	o.Status = order.StatusPaymentConfirmed
	return nil
}
