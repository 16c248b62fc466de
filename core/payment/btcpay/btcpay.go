// Package btcpay is the crypto invoice adapter, talking to a BTCPay Server
// through its Greenfield REST API. Invoices are paid to the operator's store
// and every settlement is booked on the shop's balance ledger.
package btcpay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/irsalhamdi/storefront/config"
	"github.com/irsalhamdi/storefront/core/order"
	"github.com/irsalhamdi/storefront/core/payment"
)

const (
	signatureHeader = "BTCPay-Sig"

	EventInvoiceCreated  = "InvoiceCreated"
	EventReceivedPayment = "InvoiceReceivedPayment"
	EventPaymentSettled  = "InvoicePaymentSettled"
	EventInvoiceProcess  = "InvoiceProcessing"
	EventInvoiceSettled  = "InvoiceSettled"
	EventInvoiceExpired  = "InvoiceExpired"
	EventInvoiceInvalid  = "InvoiceInvalid"
)

const (
	InvoiceNew        = "New"
	InvoiceProcessing = "Processing"
	InvoiceSettled    = "Settled"
	InvoiceExpired    = "Expired"
	InvoiceInvalid    = "Invalid"
)

type Invoice struct {
	ID           string          `json:"id"`
	StoreID      string          `json:"storeId"`
	Amount       string          `json:"amount"`
	Currency     string          `json:"currency"`
	Status       string          `json:"status"`
	CheckoutLink string          `json:"checkoutLink"`
	Metadata     InvoiceMetadata `json:"metadata"`
}

type InvoiceMetadata struct {
	OrderID    string `json:"orderId"`
	ShopID     string `json:"shopId,omitempty"`
	BuyerEmail string `json:"buyerEmail,omitempty"`
}

type invoiceRequest struct {
	Amount   string          `json:"amount"`
	Currency string          `json:"currency"`
	Metadata InvoiceMetadata `json:"metadata"`
	Checkout struct {
		RedirectURL string `json:"redirectURL,omitempty"`
	} `json:"checkout"`
}

type delivery struct {
	DeliveryID         string `json:"deliveryId"`
	OriginalDeliveryID string `json:"originalDeliveryId"`
	Type               string `json:"type"`
	StoreID            string `json:"storeId"`
	InvoiceID          string `json:"invoiceId"`
}

type Adapter struct {
	http    *http.Client
	url     string
	apiKey  string
	storeID string
	secret  string
	siteURL string
}

func New(cfg config.BTCPay, siteURL string) *Adapter {
	return &Adapter{
		http:    &http.Client{Timeout: 15 * time.Second},
		url:     strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		storeID: cfg.StoreID,
		secret:  cfg.WebhookSecret,
		siteURL: siteURL,
	}
}

func (a *Adapter) Provider() payment.Provider { return payment.ProviderBTCPay }

// store returns the BTCPay store an account settles to. Shops without their
// own store settle to the operator's.
func (a *Adapter) store(acct payment.Account) string {
	if acct.AccountRef != "" {
		return acct.AccountRef
	}
	return a.storeID
}

func (a *Adapter) StartSession(ctx context.Context, o order.Order, acct payment.Account) (payment.Session, error) {
	var req invoiceRequest
	req.Amount = payment.Major(o.Total).StringFixed(2)
	req.Currency = o.Currency
	req.Metadata = InvoiceMetadata{OrderID: o.ID, ShopID: o.ShopID, BuyerEmail: o.Email}
	req.Checkout.RedirectURL = fmt.Sprintf("%s/checkout/%s", a.siteURL, o.ID)

	var inv Invoice
	path := fmt.Sprintf("/api/v1/stores/%s/invoices", a.store(acct))
	raw, err := a.do(ctx, http.MethodPost, path, req, &inv)
	if err != nil {
		return payment.Session{}, &payment.ProviderError{Provider: payment.ProviderBTCPay, Op: "create invoice", Err: err}
	}

	now := time.Now().UTC()
	return payment.Session{
		ID:          uuid.NewString(),
		OrderID:     o.ID,
		Provider:    payment.ProviderBTCPay,
		ProviderRef: inv.ID,
		Status:      sessionStatus(inv.Status),
		RedirectURL: inv.CheckoutLink,
		Payload:     raw,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (a *Adapter) Invoice(ctx context.Context, storeID, id string) (Invoice, []byte, error) {
	var inv Invoice
	path := fmt.Sprintf("/api/v1/stores/%s/invoices/%s", storeID, id)
	raw, err := a.do(ctx, http.MethodGet, path, nil, &inv)
	if err != nil {
		return Invoice{}, nil, &payment.ProviderError{Provider: payment.ProviderBTCPay, Op: "get invoice", Err: err}
	}
	return inv, raw, nil
}

func (a *Adapter) VerifyWebhook(ctx context.Context, body []byte, header http.Header) (payment.Event, error) {
	if err := Verify(a.secret, body, header.Get(signatureHeader)); err != nil {
		return payment.Event{}, &payment.SignatureError{Provider: payment.ProviderBTCPay, Err: err}
	}

	var d delivery
	if err := json.Unmarshal(body, &d); err != nil {
		return payment.Event{}, fmt.Errorf("decoding btcpay delivery: %w", err)
	}

	id := d.DeliveryID
	if d.OriginalDeliveryID != "" {
		id = d.OriginalDeliveryID
	}

	ev := payment.Event{
		ID:          id,
		Provider:    payment.ProviderBTCPay,
		Type:        d.Type,
		ProviderRef: d.InvoiceID,
		Payload:     body,
	}
	if d.InvoiceID == "" {
		return ev, nil
	}

	storeID := d.StoreID
	if storeID == "" {
		storeID = a.storeID
	}
	inv, _, err := a.Invoice(ctx, storeID, d.InvoiceID)
	if err != nil {
		return payment.Event{}, err
	}
	ev.OrderID = inv.Metadata.OrderID
	ev.Email = inv.Metadata.BuyerEmail
	ev.Data = &inv

	return ev, nil
}

func (a *Adapter) ApplyEvent(ctx context.Context, ev payment.Event, o order.Order) (payment.Effect, error) {
	inv, ok := ev.Data.(*Invoice)
	if !ok {
		return payment.Effect{Kind: payment.KindIgnore}, nil
	}
	if inv.Metadata.OrderID != "" && o.ID != "" && inv.Metadata.OrderID != o.ID {
		return payment.Effect{}, fmt.Errorf("invoice[%s] belongs to order[%s], not [%s]", inv.ID, inv.Metadata.OrderID, o.ID)
	}

	eff := payment.Effect{
		Kind:          payment.KindSession,
		SessionStatus: sessionStatus(inv.Status),
		ProviderRef:   inv.ID,
		Email:         inv.Metadata.BuyerEmail,
		Payload:       ev.Payload,
	}

	switch ev.Type {
	case EventInvoiceCreated, EventReceivedPayment, EventPaymentSettled, EventInvoiceProcess:

	case EventInvoiceSettled:
		amount, err := payment.ParseMajor(inv.Amount)
		if err != nil {
			return payment.Effect{}, fmt.Errorf("invoice[%s]: %w", inv.ID, err)
		}
		eff.Kind = payment.KindCaptured
		eff.SessionStatus = payment.SessionCaptured
		eff.Amount = amount

	case EventInvoiceExpired:
		// The order stays open until the expiry sweep cancels it.
		eff.SessionStatus = payment.SessionCanceled

	case EventInvoiceInvalid:
		eff.Kind = payment.KindDenied
		eff.SessionStatus = payment.SessionError
		eff.Amount = o.Total

	default:
		eff.Kind = payment.KindIgnore
	}

	return eff, nil
}

// Verify checks a BTCPay-Sig header against the HMAC-SHA256 of body.
func Verify(secret string, body []byte, sig string) error {
	if sig == "" {
		return errors.New("delivery is not signed")
	}
	got, ok := strings.CutPrefix(sig, "sha256=")
	if !ok {
		return fmt.Errorf("unsupported signature scheme %q", sig)
	}
	mac, err := hex.DecodeString(got)
	if err != nil {
		return fmt.Errorf("decoding signature: %w", err)
	}
	if !hmac.Equal(mac, Sign(secret, body)) {
		return errors.New("signature mismatch")
	}
	return nil
}

func Sign(secret string, body []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return h.Sum(nil)
}

// do performs a Greenfield API call, decoding the response into v and
// returning the raw body.
func (a *Adapter) do(ctx context.Context, method, path string, in, v any) ([]byte, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.url+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "token "+a.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(raw))
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return raw, nil
}

func sessionStatus(s string) payment.SessionStatus {
	switch s {
	case InvoiceNew, InvoiceProcessing:
		return payment.SessionPending
	case InvoiceSettled:
		return payment.SessionCaptured
	case InvoiceExpired:
		return payment.SessionCanceled
	}
	return payment.SessionError
}
