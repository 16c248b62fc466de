// Package checkout turns a visitor's cart into an order and opens payment
// sessions for it. It is the only writer of cart state once an order is
// placed.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/irsalhamdi/storefront/core/cart"
	"github.com/irsalhamdi/storefront/core/catalog"
	"github.com/irsalhamdi/storefront/core/order"
	"github.com/irsalhamdi/storefront/core/payment"
	"github.com/irsalhamdi/storefront/core/risk"
	"github.com/irsalhamdi/storefront/validate"
	"github.com/sirupsen/logrus"
)

var (
	ErrValidation   = errors.New("invalid checkout")
	ErrBelowMinimum = errors.New("order total below the minimum payable amount")
	ErrDenied       = errors.New("checkout denied")
	ErrNotPayable   = errors.New("order can no longer be paid")
)

type Store interface {
	Cart(ctx context.Context, token, shopID string) (cart.Cart, error)
	Shop(ctx context.Context, id string) (catalog.Shop, error)
	Products(ctx context.Context, ids []string) (map[string]catalog.Product, error)
	Blacklisted(ctx context.Context, shopID string, probes ...risk.Probe) (bool, error)

	// PlaceOrder creates the order with its items and visitor data and
	// retires the cart lines it was built from, as one unit.
	PlaceOrder(ctx context.Context, o order.Order, vd order.VisitorData) error

	Order(ctx context.Context, id string) (order.Order, error)
	UpdateEmail(ctx context.Context, id, email string) error
	Deny(ctx context.Context, id string) error

	Account(ctx context.Context, shopID string, p payment.Provider) (payment.Account, error)
	CreateSession(ctx context.Context, s payment.Session) error
	LatestSession(ctx context.Context, orderID string, p *payment.Provider) (payment.Session, error)
}

type Screener interface {
	Screen(ctx context.Context, ip, captchaToken string) (risk.Location, error)
}

// Processor applies provider events, see reconcile.Processor.
type Processor interface {
	Process(ctx context.Context, a payment.Adapter, ev payment.Event) error
}

// Approver is a redirect based adapter whose buyer comes back with an
// approved payment to capture.
type Approver interface {
	payment.Adapter
	Approval(ctx context.Context, ref string) (payment.Event, error)
}

type Config struct {
	MinTotal int64
	OrderTTL time.Duration
}

type Orchestrator struct {
	store    Store
	screen   Screener
	adapters map[payment.Provider]payment.Adapter
	proc     Processor
	cfg      Config
	log      logrus.FieldLogger
	now      func() time.Time
}

func New(store Store, screen Screener, proc Processor, cfg Config, log logrus.FieldLogger, adapters ...payment.Adapter) *Orchestrator {
	o := Orchestrator{
		store:    store,
		screen:   screen,
		adapters: make(map[payment.Provider]payment.Adapter, len(adapters)),
		proc:     proc,
		cfg:      cfg,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, a := range adapters {
		o.adapters[a.Provider()] = a
	}
	return &o
}

// Request is a checkout attempt of a visitor.
type Request struct {
	ShopID    string
	Token     string
	IP        string
	UserAgent string
	Captcha   string
	Email     string
}

// Checkout validates the visitor's cart against the live catalog, screens
// the visitor and places the order.
func (c *Orchestrator) Checkout(ctx context.Context, req Request) (order.Order, error) {
	log := c.log.WithField("shop_id", req.ShopID)
	now := c.now()

	crt, err := c.store.Cart(ctx, req.Token, req.ShopID)
	if err != nil {
		if errors.Is(err, cart.ErrNotFound) {
			return order.Order{}, fmt.Errorf("%v: %w", err, ErrValidation)
		}
		return order.Order{}, err
	}

	var lines []cart.Item
	for _, it := range crt.Items {
		if it.Live(now) {
			lines = append(lines, it)
		}
	}
	if len(lines) == 0 {
		return order.Order{}, fmt.Errorf("empty cart: %w", ErrValidation)
	}

	ids := make([]string, 0, len(lines))
	for _, it := range lines {
		ids = append(ids, it.ProductID)
	}
	products, err := c.store.Products(ctx, ids)
	if err != nil {
		return order.Order{}, err
	}

	shop, err := c.store.Shop(ctx, req.ShopID)
	if err != nil {
		return order.Order{}, err
	}

	o := order.Order{
		ID:        validate.GenerateID(),
		ShopID:    shop.ID,
		CartToken: req.Token,
		Currency:  shop.Currency,
		Status:    order.StatusWaitingForPayment,
		ExpiresAt: now.Add(c.cfg.OrderTTL),
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, it := range lines {
		p, ok := products[it.ProductID]
		if !ok || p.ShopID != shop.ID {
			return order.Order{}, fmt.Errorf("product[%s]: %w", it.ProductID, catalog.ErrNotFound)
		}
		if err := p.CheckQuantity(it.Quantity); err != nil {
			return order.Order{}, err
		}

		o.Items = append(o.Items, order.Item{
			ID:          validate.GenerateID(),
			OrderID:     o.ID,
			ProductID:   p.ID,
			Name:        p.Name,
			ProductType: p.Type,
			Price:       p.Price,
			Quantity:    it.Quantity,
			Status:      order.ItemPending,
			CreatedAt:   now,
		})
	}

	o.Total = order.Total(o.Items)
	if o.Total < c.cfg.MinTotal {
		return order.Order{}, fmt.Errorf("total %d under %d: %w", o.Total, c.cfg.MinTotal, ErrBelowMinimum)
	}

	if req.Email != "" {
		email, err := normalizeEmail(req.Email)
		if err != nil {
			return order.Order{}, err
		}
		o.Email = email
	}

	loc, err := c.screen.Screen(ctx, req.IP, req.Captcha)
	if err != nil {
		if errors.Is(err, risk.ErrRejected) {
			log.WithField("message", err).Info("checkout rejected by human verification")
			return order.Order{}, fmt.Errorf("%v: %w", err, ErrDenied)
		}
		return order.Order{}, fmt.Errorf("screening visitor: %w", err)
	}

	hit, err := c.store.Blacklisted(ctx, shop.ID,
		risk.Probe{Kind: risk.KindVisitor, Value: req.Token},
		risk.Probe{Kind: risk.KindIP, Value: req.IP},
		risk.Probe{Kind: risk.KindCountry, Value: loc.Country},
		risk.Probe{Kind: risk.KindEmail, Value: o.Email},
	)
	if err != nil {
		return order.Order{}, err
	}
	if hit {
		log.WithField("ip", req.IP).Info("checkout blocked by blacklist")
		return order.Order{}, fmt.Errorf("shop[%s] blacklist: %w", shop.ID, ErrDenied)
	}

	vd := order.VisitorData{
		OrderID:    o.ID,
		IP:         req.IP,
		VPN:        loc.Security.VPN,
		Latitude:   loc.Latitude,
		Longitude:  loc.Longitude,
		City:       loc.City,
		Region:     loc.Region,
		PostalCode: loc.PostalCode,
		Country:    loc.Country,
		UserAgent:  req.UserAgent,
		CreatedAt:  now,
	}
	if err := c.store.PlaceOrder(ctx, o, vd); err != nil {
		return order.Order{}, fmt.Errorf("placing order: %w", err)
	}

	log.WithFields(logrus.Fields{"order_id": o.ID, "total": o.Total}).Info("order placed")
	return o, nil
}

// SetEmail sets the contact address of an unpaid order.
func (c *Orchestrator) SetEmail(ctx context.Context, orderID, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	if err := c.screenEmail(ctx, orderID, email); err != nil {
		return err
	}
	if err := c.store.UpdateEmail(ctx, orderID, email); err != nil {
		if errors.Is(err, order.ErrNotEditable) {
			return fmt.Errorf("%v: %w", err, ErrNotPayable)
		}
		return err
	}
	return nil
}

// StartSession opens a new payment attempt for an unpaid order with the
// given provider.
func (c *Orchestrator) StartSession(ctx context.Context, orderID string, p payment.Provider, email string) (payment.Session, error) {
	a, ok := c.adapters[p]
	if !ok {
		return payment.Session{}, fmt.Errorf("%s: %w", p, payment.ErrUnknownProvider)
	}

	if email != "" {
		if err := c.SetEmail(ctx, orderID, email); err != nil {
			return payment.Session{}, err
		}
	}

	o, err := c.store.Order(ctx, orderID)
	if err != nil {
		return payment.Session{}, err
	}
	if !o.Status.Unpaid() {
		return payment.Session{}, fmt.Errorf("order[%s] is %s: %w", o.ID, o.Status, ErrNotPayable)
	}

	acct, err := c.store.Account(ctx, o.ShopID, p)
	if err != nil {
		return payment.Session{}, err
	}

	s, err := a.StartSession(ctx, o, acct)
	if err != nil {
		return payment.Session{}, err
	}
	if err := c.store.CreateSession(ctx, s); err != nil {
		return payment.Session{}, err
	}

	c.log.WithFields(logrus.Fields{
		"order_id": o.ID,
		"provider": p,
		"ref":      s.ProviderRef,
	}).Info("payment session started")
	return s, nil
}

// Approve captures a wallet payment the buyer approved on the provider's
// site and returns the order as it stands afterwards.
func (c *Orchestrator) Approve(ctx context.Context, orderID string, p payment.Provider, ref string) (order.Order, error) {
	a, ok := c.adapters[p].(Approver)
	if !ok {
		return order.Order{}, fmt.Errorf("%s approvals: %w", p, payment.ErrUnknownProvider)
	}

	ev, err := a.Approval(ctx, ref)
	if err != nil {
		return order.Order{}, err
	}
	if ev.OrderID != orderID {
		return order.Order{}, fmt.Errorf("%s ref[%s] belongs to order[%s]: %w", p, ref, ev.OrderID, ErrValidation)
	}

	if ev.Email != "" {
		if err := c.screenEmail(ctx, orderID, ev.Email); err != nil {
			return order.Order{}, err
		}
	}

	if err := c.proc.Process(ctx, a, ev); err != nil {
		return order.Order{}, err
	}
	return c.store.Order(ctx, orderID)
}

// screenEmail denies the order when the address is blacklisted by its shop.
func (c *Orchestrator) screenEmail(ctx context.Context, orderID, email string) error {
	o, err := c.store.Order(ctx, orderID)
	if err != nil {
		return err
	}

	hit, err := c.store.Blacklisted(ctx, o.ShopID, risk.Probe{Kind: risk.KindEmail, Value: email})
	if err != nil {
		return err
	}
	if !hit {
		return nil
	}

	c.log.WithField("order_id", orderID).Info("payer email blacklisted")
	if o.Status == order.StatusWaitingForPayment {
		if err := c.store.Deny(ctx, orderID); err != nil && !errors.Is(err, order.ErrInvalidTransition) {
			return err
		}
	}
	return fmt.Errorf("order[%s] payer: %w", orderID, ErrDenied)
}

// View is the public state of an order during checkout.
type View struct {
	order.Order
	Session *payment.Session `json:"session,omitempty"`
}

func (c *Orchestrator) View(ctx context.Context, orderID string) (View, error) {
	o, err := c.store.Order(ctx, orderID)
	if err != nil {
		return View{}, err
	}

	v := View{Order: o}
	s, err := c.store.LatestSession(ctx, orderID, nil)
	switch {
	case err == nil:
		v.Session = &s
	case !errors.Is(err, payment.ErrNotFound):
		return View{}, err
	}
	return v, nil
}

type CryptoStatus struct {
	OrderStatus   order.Status          `json:"-"`
	Order         string                `json:"orderStatus"`
	Session       payment.SessionStatus `json:"sessionStatus"`
	InvoiceURL    string                `json:"invoiceUrl"`
	InvoiceID     string                `json:"invoiceId"`
	LastUpdatedAt time.Time             `json:"updatedAt"`
}

// Crypto returns the state of the order's latest crypto invoice.
func (c *Orchestrator) Crypto(ctx context.Context, orderID string) (CryptoStatus, error) {
	o, err := c.store.Order(ctx, orderID)
	if err != nil {
		return CryptoStatus{}, err
	}

	p := payment.ProviderBTCPay
	s, err := c.store.LatestSession(ctx, orderID, &p)
	if err != nil {
		return CryptoStatus{}, err
	}

	return CryptoStatus{
		OrderStatus:   o.Status,
		Order:         o.Status.String(),
		Session:       s.Status,
		InvoiceURL:    s.RedirectURL,
		InvoiceID:     s.ProviderRef,
		LastUpdatedAt: s.UpdatedAt,
	}, nil
}

func normalizeEmail(s string) (string, error) {
	email, err := validate.Email(s)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, ErrValidation)
	}
	return email, nil
}
