package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/irsalhamdi/storefront/core/catalog"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type Status int

const (
	StatusChargebackWon     Status = -6
	StatusChargebackLost    Status = -5
	StatusChargebackPending Status = -4
	StatusRefunded          Status = -3
	StatusDenied            Status = -2
	StatusCancelled         Status = -1
	StatusWaitingForPayment Status = 0
	StatusPaymentConfirmed  Status = 1
	StatusPending           Status = 2
	StatusComplete          Status = 3
)

var statusNames = map[Status]string{
	StatusChargebackWon:     "CHARGEBACK_WON",
	StatusChargebackLost:    "CHARGEBACK_LOST",
	StatusChargebackPending: "CHARGEBACK_PENDING",
	StatusRefunded:          "REFUNDED",
	StatusDenied:            "DENIED",
	StatusCancelled:         "CANCELLED",
	StatusWaitingForPayment: "WAITING_FOR_PAYMENT",
	StatusPaymentConfirmed:  "PAYMENT_CONFIRMED",
	StatusPending:           "PENDING",
	StatusComplete:          "COMPLETE",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func (s Status) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown order status %q", name)
}

// Order status graph. A status missing from the map is terminal.
var edges = map[Status][]Status{
	StatusWaitingForPayment: {StatusPaymentConfirmed, StatusCancelled, StatusDenied},
	StatusDenied:            {StatusPaymentConfirmed, StatusCancelled},
	StatusPaymentConfirmed:  {StatusPending, StatusRefunded, StatusChargebackPending},
	StatusPending:           {StatusComplete, StatusRefunded, StatusChargebackPending},
	StatusComplete:          {StatusRefunded, StatusChargebackPending},
	StatusChargebackPending: {StatusChargebackWon, StatusChargebackLost},
}

func (s Status) CanTransition(to Status) bool {
	for _, n := range edges[s] {
		if n == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return len(edges[s]) == 0
}

// Unpaid reports whether no payment has been captured for the order yet.
func (s Status) Unpaid() bool {
	return s == StatusWaitingForPayment || s == StatusDenied
}

// Captured reports whether the order reached a post-capture status.
func (s Status) Captured() bool {
	switch s {
	case StatusPaymentConfirmed, StatusPending, StatusComplete,
		StatusRefunded, StatusChargebackPending, StatusChargebackWon, StatusChargebackLost:
		return true
	}
	return false
}

type ItemStatus int

const (
	ItemCancelledOutOfStock ItemStatus = -2
	ItemCancelled           ItemStatus = -1
	ItemPending             ItemStatus = 0
	ItemShipped             ItemStatus = 1
	ItemDelivered           ItemStatus = 2
)

var itemStatusNames = map[ItemStatus]string{
	ItemCancelledOutOfStock: "CANCELLED_OUT_OF_STOCK",
	ItemCancelled:           "CANCELLED",
	ItemPending:             "PENDING",
	ItemShipped:             "SHIPPED",
	ItemDelivered:           "DELIVERED",
}

func (s ItemStatus) String() string {
	if n, ok := itemStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("ItemStatus(%d)", int(s))
}

func (s ItemStatus) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func ParseItemStatus(name string) (ItemStatus, error) {
	for s, n := range itemStatusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown item status %q", name)
}

var itemEdges = map[ItemStatus][]ItemStatus{
	ItemPending: {ItemShipped, ItemCancelled, ItemCancelledOutOfStock},
	ItemShipped: {ItemDelivered},
}

func (s ItemStatus) CanTransition(to ItemStatus) bool {
	for _, n := range itemEdges[s] {
		if n == to {
			return true
		}
	}
	return false
}

type TransitionError struct {
	ID   string
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

type Order struct {
	ID          string    `json:"id" db:"order_id"`
	ShopID      string    `json:"shopId" db:"shop_id"`
	CartToken   string    `json:"-" db:"cart_token"`
	Currency    string    `json:"currency" db:"currency"`
	Total       int64     `json:"total" db:"total"`
	Status      Status    `json:"status" db:"current_status"`
	Email       string    `json:"email" db:"email"`
	CustomerID  *string   `json:"customerId,omitempty" db:"customer_id"`
	ReceiptSent bool      `json:"-" db:"receipt_sent"`
	ExpiresAt   time.Time `json:"expiresAt" db:"expires_at"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
	Items       []Item    `json:"items" db:"-"`
}

type Item struct {
	ID             string              `json:"id" db:"item_id"`
	OrderID        string              `json:"orderId" db:"order_id"`
	ProductID      string              `json:"productId" db:"product_id"`
	Name           string              `json:"name" db:"name"`
	ProductType    catalog.ProductType `json:"productType" db:"product_type"`
	Price          int64               `json:"price" db:"price"`
	Quantity       int                 `json:"quantity" db:"quantity"`
	Status         ItemStatus          `json:"status" db:"current_status"`
	StockCommitted bool                `json:"-" db:"stock_committed"`
	CreatedAt      time.Time           `json:"createdAt" db:"created_at"`
}

func (it Item) Subtotal() int64 { return it.Price * int64(it.Quantity) }

type StatusEvent struct {
	ID        int64     `json:"id" db:"event_id"`
	OrderID   string    `json:"orderId" db:"order_id"`
	Status    Status    `json:"status" db:"status"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

type ItemStatusEvent struct {
	ID        int64      `json:"id" db:"event_id"`
	ItemID    string     `json:"itemId" db:"item_id"`
	Status    ItemStatus `json:"status" db:"status"`
	CreatedAt time.Time  `json:"createdAt" db:"created_at"`
}

// VisitorData is what was known about the buyer when the order was placed.
type VisitorData struct {
	OrderID    string    `json:"-" db:"order_id"`
	IP         string    `json:"ipAddress" db:"ip_address"`
	VPN        bool      `json:"usingVpn" db:"using_vpn"`
	Latitude   float64   `json:"latitude" db:"latitude"`
	Longitude  float64   `json:"longitude" db:"longitude"`
	City       string    `json:"city" db:"city"`
	Region     string    `json:"region" db:"region"`
	PostalCode string    `json:"postalCode" db:"postal_code"`
	Country    string    `json:"country" db:"country"`
	UserAgent  string    `json:"userAgent" db:"user_agent"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
}

// Total sums price times quantity over the snapshot items.
func Total(items []Item) int64 {
	var t int64
	for _, it := range items {
		t += it.Subtotal()
	}
	return t
}

// Owed sums the items still due to the buyer, leaving out cancelled ones.
func Owed(items []Item) int64 {
	var t int64
	for _, it := range items {
		if it.Status >= ItemPending {
			t += it.Subtotal()
		}
	}
	return t
}

type Filter struct {
	Email    string
	Status   *Status
	Page     int
	PageSize int
}
