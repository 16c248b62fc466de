// Package payment holds the provider-agnostic payment model and the contract
// every provider adapter implements.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/irsalhamdi/storefront/core/order"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

var (
	ErrSignature       = errors.New("webhook signature rejected")
	ErrProvider        = errors.New("payment provider failure")
	ErrNotOnboarded    = errors.New("payment provider not onboarded for shop")
	ErrNotFound        = errors.New("payment record not found")
	ErrUnknownProvider = errors.New("unknown payment provider")
)

type Provider int

const (
	ProviderPaypal Provider = 0
	ProviderStripe Provider = 1
	ProviderBTCPay Provider = 2
)

var providerNames = map[Provider]string{
	ProviderPaypal: "paypal",
	ProviderStripe: "stripe",
	ProviderBTCPay: "btcpay",
}

func (p Provider) String() string {
	if n, ok := providerNames[p]; ok {
		return n
	}
	return fmt.Sprintf("Provider(%d)", int(p))
}

func ParseProvider(name string) (Provider, error) {
	for p, n := range providerNames {
		if n == strings.ToLower(name) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%q: %w", name, ErrUnknownProvider)
}

func (p Provider) MarshalJSON() ([]byte, error) { return json.Marshal(p.String()) }

// SessionStatus is the canonical state of a provider-side payment attempt.
type SessionStatus int

const (
	SessionError        SessionStatus = -2
	SessionCanceled     SessionStatus = -1
	SessionPending      SessionStatus = 0
	SessionRequiresMore SessionStatus = 1
	SessionAuthorized   SessionStatus = 2
	SessionCaptured     SessionStatus = 3
)

var sessionNames = map[SessionStatus]string{
	SessionError:        "ERROR",
	SessionCanceled:     "CANCELED",
	SessionPending:      "PENDING",
	SessionRequiresMore: "REQUIRES_MORE",
	SessionAuthorized:   "AUTHORIZED",
	SessionCaptured:     "CAPTURED",
}

func (s SessionStatus) String() string {
	if n, ok := sessionNames[s]; ok {
		return n
	}
	return fmt.Sprintf("SessionStatus(%d)", int(s))
}

func (s SessionStatus) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

type PaymentStatus int

const (
	PaymentCanceled PaymentStatus = -1
	PaymentCaptured PaymentStatus = 3
)

type AccountStatus int

const (
	AccountInactive AccountStatus = -1
	AccountActive   AccountStatus = 1
)

// Session is a non-final payment attempt. Payload keeps the provider object
// verbatim; RedirectURL and ClientSecret are what the buyer needs to pay.
type Session struct {
	ID           string         `json:"id" db:"session_id"`
	OrderID      string         `json:"orderId" db:"order_id"`
	Provider     Provider       `json:"provider" db:"provider"`
	ProviderRef  string         `json:"providerRef" db:"provider_ref"`
	Status       SessionStatus  `json:"status" db:"status"`
	RedirectURL  string         `json:"redirectUrl,omitempty" db:"redirect_url"`
	ClientSecret string         `json:"clientSecret,omitempty" db:"client_secret"`
	Payload      types.JSONText `json:"-" db:"payload"`
	CreatedAt    time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time      `json:"updatedAt" db:"updated_at"`
}

// Payment is a final monetary outcome for an order.
type Payment struct {
	ID          string         `json:"id" db:"payment_id"`
	OrderID     string         `json:"orderId" db:"order_id"`
	Provider    Provider       `json:"provider" db:"provider"`
	ProviderRef string         `json:"providerRef" db:"provider_ref"`
	Status      PaymentStatus  `json:"status" db:"status"`
	Amount      int64          `json:"amount" db:"amount"`
	Fee         int64          `json:"fee" db:"fee"`
	Refunded    int64          `json:"refunded" db:"refunded"`
	RefundDue   int64          `json:"refundDue" db:"refund_due"`
	Payload     types.JSONText `json:"-" db:"payload"`
	CreatedAt   time.Time      `json:"createdAt" db:"created_at"`
}

// Account is the per shop merchant configuration of a provider.
type Account struct {
	ID         string          `json:"id" db:"account_id"`
	ShopID     string          `json:"shopId" db:"shop_id"`
	Provider   Provider        `json:"provider" db:"provider"`
	AccountRef string          `json:"accountRef" db:"account_ref"`
	Onboarded  bool            `json:"onboarded" db:"onboarded"`
	Status     AccountStatus   `json:"status" db:"status"`
	Metadata   types.JSONText  `json:"metadata" db:"metadata"`
	Balance    decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt  time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time       `json:"updatedAt" db:"updated_at"`
}

const (
	LedgerMerchantNet = "merchant_net"
	LedgerOperatorFee = "operator_fee"
	LedgerRefundDue   = "refund_due"
)

type LedgerEntry struct {
	ID        int64           `json:"id" db:"entry_id"`
	ShopID    string          `json:"shopId" db:"shop_id"`
	Provider  Provider        `json:"provider" db:"provider"`
	OrderID   string          `json:"orderId" db:"order_id"`
	Kind      string          `json:"kind" db:"kind"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	CreatedAt time.Time       `json:"createdAt" db:"created_at"`
}

// Event is a verified webhook delivery. Data holds the provider's own
// decoded object and only means something to the adapter that produced it.
type Event struct {
	ID          string
	Provider    Provider
	Type        string
	OrderID     string
	ProviderRef string
	AccountRef  string
	Email       string
	Payload     json.RawMessage
	Data        any
}

type Kind int

const (
	KindIgnore Kind = iota
	KindSession
	KindAuthorized
	KindCaptured
	KindCanceled
	KindDenied
	KindRefunded
	KindChargeback
	KindChargebackWon
	KindChargebackLost
	KindOnboarding
)

var kindNames = [...]string{
	"ignore", "session", "authorized", "captured", "canceled", "denied",
	"refunded", "chargeback", "chargeback_won", "chargeback_lost", "onboarding",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Effect is what an event means for the order, in canonical terms.
type Effect struct {
	Kind          Kind
	SessionStatus SessionStatus
	ProviderRef   string
	Amount        int64

	// Refunded is the part of a captured Amount already handed back to the
	// buyer.
	Refunded int64

	Email         string
	AccountRef    string
	Onboarded     bool
	Payload       json.RawMessage
}

// Adapter is implemented once per provider.
type Adapter interface {
	Provider() Provider

	// StartSession asks the provider to open a payment attempt for the order
	// and returns it mapped to canonical terms. It does not persist anything.
	StartSession(ctx context.Context, o order.Order, acct Account) (Session, error)

	// VerifyWebhook authenticates a raw delivery. Any failure is a
	// SignatureError.
	VerifyWebhook(ctx context.Context, body []byte, header http.Header) (Event, error)

	// ApplyEvent maps a verified event to its effect on the order. o is the
	// zero Order for account level events.
	ApplyEvent(ctx context.Context, ev Event, o order.Order) (Effect, error)
}

// Capturer is implemented by adapters with a two-phase flow, where an
// authorization must be captured or voided explicitly.
type Capturer interface {
	Capture(ctx context.Context, ref string, acct Account, amount, fee int64) (Effect, error)
	Void(ctx context.Context, ref string, acct Account) (Effect, error)
}

type SignatureError struct {
	Provider Provider
	Err      error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("%s webhook: %v", e.Provider, e.Err)
}

func (e *SignatureError) Unwrap() error { return e.Err }

func (e *SignatureError) Is(target error) bool { return target == ErrSignature }

// ProviderError wraps a failed call to a provider API.
type ProviderError struct {
	Provider Provider
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == ErrProvider }

// Amounts are kept in minor units with two decimals.
const minorExponent = 2

func Major(amount int64) decimal.Decimal {
	return decimal.New(amount, -minorExponent)
}

func Minor(d decimal.Decimal) int64 {
	return d.Shift(minorExponent).Round(0).IntPart()
}

func ParseMajor(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	return Minor(d), nil
}
