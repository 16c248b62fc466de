package fulfillment

import (
	"context"
	"fmt"
	"sync"

	"github.com/irsalhamdi/storefront/core/catalog"
	"github.com/irsalhamdi/storefront/core/order"
	"github.com/irsalhamdi/storefront/email"
)

// memStore keeps orders, stock and keys in memory with the same all or
// nothing semantics as PGStore.
type memStore struct {
	mu        sync.Mutex
	shop      catalog.Shop
	orders    map[string]*order.Order
	products  map[string]*catalog.Product
	keys      map[string][]string
	claimed   map[string][]string
	history   []order.Status
	delivered []string
	customers map[string]string
	sent      map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		shop:      catalog.Shop{ID: "shop-1", Name: "Keys & Co", Country: "US"},
		orders:    map[string]*order.Order{},
		products:  map[string]*catalog.Product{},
		keys:      map[string][]string{},
		claimed:   map[string][]string{},
		customers: map[string]string{},
		sent:      map[string]bool{},
	}
}

func (m *memStore) addProduct(p catalog.Product, keys ...string) {
	m.products[p.ID] = &p
	m.keys[p.ID] = keys
}

func (m *memStore) addOrder(o order.Order) {
	m.orders[o.ID] = &o
}

func (m *memStore) item(id string) *order.Item {
	for _, o := range m.orders {
		for i := range o.Items {
			if o.Items[i].ID == id {
				return &o.Items[i]
			}
		}
	}
	return nil
}

func (m *memStore) Order(ctx context.Context, id string) (order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return order.Order{}, fmt.Errorf("order[%s]: %w", id, order.ErrNotFound)
	}
	cp := *o
	cp.Items = append([]order.Item(nil), o.Items...)
	return cp, nil
}

func (m *memStore) Shop(ctx context.Context, id string) (catalog.Shop, error) {
	return m.shop, nil
}

func (m *memStore) CommitItem(ctx context.Context, it order.Item, recipient string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.item(it.ID)
	if cur.StockCommitted || cur.Status != order.ItemPending {
		return nil
	}

	p := m.products[cur.ProductID]
	digital := cur.ProductType == catalog.Virtual
	if digital && len(m.keys[p.ID]) < cur.Quantity {
		return catalog.ErrInsufficientKeyInventory
	}
	if p.Stock < cur.Quantity {
		return catalog.ErrInsufficientStock
	}

	if digital {
		m.claimed[cur.ID] = m.keys[p.ID][:cur.Quantity]
		m.keys[p.ID] = m.keys[p.ID][cur.Quantity:]
	}
	p.Stock -= cur.Quantity
	if catalog.Delisted(p.Stock, p.MinOrderQuantity) {
		p.Status = catalog.StatusOutOfStock
	}
	cur.StockCommitted = true
	return nil
}

func (m *memStore) CancelItem(ctx context.Context, itemID string, to order.ItemStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.item(itemID)
	if !cur.Status.CanTransition(to) {
		return &order.TransitionError{ID: itemID, From: cur.Status.String(), To: to.String()}
	}
	cur.Status = to
	return nil
}

func (m *memStore) Deliver(ctx context.Context, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.item(itemID)
	if !cur.StockCommitted || cur.Status != order.ItemPending {
		return nil
	}
	cur.Status = order.ItemDelivered
	m.delivered = append(m.delivered, itemID)
	return nil
}

func (m *memStore) Advance(ctx context.Context, id string, to order.Status) (order.Order, error) {
	m.mu.Lock()
	o := m.orders[id]
	if !o.Status.CanTransition(to) {
		m.mu.Unlock()
		return order.Order{}, &order.TransitionError{ID: id, From: o.Status.String(), To: to.String()}
	}
	o.Status = to
	m.history = append(m.history, to)
	m.mu.Unlock()

	return m.Order(ctx, id)
}

func (m *memStore) BindCustomer(ctx context.Context, o order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := "customer-" + o.Email
	m.customers[o.ID] = id
	m.orders[o.ID].CustomerID = &id
	return nil
}

func (m *memStore) MarkReceiptSent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.orders[id].ReceiptSent = true
	m.sent[id] = true
	return nil
}

func (m *memStore) ItemKeys(ctx context.Context, itemID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claimed[itemID], nil
}

type fakeMailer struct {
	mu       sync.Mutex
	err      error
	receipts map[string]email.Receipt
}

func (f *fakeMailer) SendReceipt(ctx context.Context, to string, r email.Receipt) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}
	if f.receipts == nil {
		f.receipts = map[string]email.Receipt{}
	}
	f.receipts[to] = r
	return nil
}

// inline runs dispatched work before returning, so tests can assert on it.
type inline struct {
	mu   sync.Mutex
	errs []error
}

func (d *inline) Add(fn func() error) error {
	if err := fn(); err != nil {
		d.mu.Lock()
		d.errs = append(d.errs, err)
		d.mu.Unlock()
	}
	return nil
}
