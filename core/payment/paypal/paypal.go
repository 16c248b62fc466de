// Package paypal is the wallet provider adapter. The buyer approves a PayPal
// order and the server captures it in one call.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/irsalhamdi/storefront/core/order"
	"github.com/irsalhamdi/storefront/core/payment"
	pp "github.com/plutov/paypal/v4"
)

const (
	EventOrderApproved   = "CHECKOUT.ORDER.APPROVED"
	EventCaptureDone     = "PAYMENT.CAPTURE.COMPLETED"
	EventCaptureDenied   = "PAYMENT.CAPTURE.DENIED"
	EventCaptureRefunded = "PAYMENT.CAPTURE.REFUNDED"
	EventCaptureReversed = "PAYMENT.CAPTURE.REVERSED"
	EventAuthVoided      = "PAYMENT.AUTHORIZATION.VOIDED"
	EventDisputeCreated  = "CUSTOMER.DISPUTE.CREATED"
	EventDisputeResolved = "CUSTOMER.DISPUTE.RESOLVED"
)

var ErrNotApproved = errors.New("paypal order not approved by the buyer")

// NewClient builds the API client and fetches the first access token so a
// misconfiguration fails at startup.
func NewClient(ctx context.Context, clientID, secret, url string) (*pp.Client, error) {
	c, err := pp.NewClient(clientID, secret, url)
	if err != nil {
		return nil, fmt.Errorf("building the paypal client: %w", err)
	}
	if _, err := c.GetAccessToken(ctx); err != nil {
		return nil, fmt.Errorf("getting the first paypal access token: %w", err)
	}
	return c, nil
}

type Adapter struct {
	client    *pp.Client
	webhookID string
	siteURL   string
}

func New(client *pp.Client, webhookID, siteURL string) *Adapter {
	return &Adapter{client: client, webhookID: webhookID, siteURL: siteURL}
}

func (a *Adapter) Provider() payment.Provider { return payment.ProviderPaypal }

func (a *Adapter) StartSession(ctx context.Context, o order.Order, acct payment.Account) (payment.Session, error) {
	if acct.AccountRef == "" {
		return payment.Session{}, fmt.Errorf("shop[%s]: %w", o.ShopID, payment.ErrNotOnboarded)
	}

	items := make([]pp.Item, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, pp.Item{
			Name:     it.Name,
			Quantity: strconv.Itoa(it.Quantity),
			UnitAmount: &pp.Money{
				Currency: o.Currency,
				Value:    payment.Major(it.Price).StringFixed(2),
			},
		})
	}

	total := payment.Major(o.Total).StringFixed(2)
	units := []pp.PurchaseUnitRequest{{
		ReferenceID: o.ID,
		InvoiceID:   o.ID,
		CustomID:    o.Email,
		Items:       items,
		Payee:       &pp.PayeeForOrders{MerchantID: acct.AccountRef},

		Amount: &pp.PurchaseUnitAmount{
			Currency: o.Currency,
			Value:    total,

			Breakdown: &pp.PurchaseUnitAmountBreakdown{ItemTotal: &pp.Money{
				Currency: o.Currency,
				Value:    total,
			}},
		},
	}}

	back := fmt.Sprintf("%s/checkout/%s", a.siteURL, o.ID)
	app := &pp.ApplicationContext{ReturnURL: back, CancelURL: back}

	ord, err := a.client.CreateOrder(ctx, "CAPTURE", units, nil, app)
	if err != nil {
		return payment.Session{}, &payment.ProviderError{Provider: payment.ProviderPaypal, Op: "create order", Err: err}
	}

	var redirect string
	for _, l := range ord.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			redirect = l.Href
		}
	}

	raw, err := json.Marshal(ord)
	if err != nil {
		return payment.Session{}, fmt.Errorf("encoding paypal order[%s]: %w", ord.ID, err)
	}

	now := time.Now().UTC()
	return payment.Session{
		ID:          uuid.NewString(),
		OrderID:     o.ID,
		Provider:    payment.ProviderPaypal,
		ProviderRef: ord.ID,
		Status:      sessionStatus(ord.Status),
		RedirectURL: redirect,
		Payload:     raw,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

type walletOrder struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Payer  struct {
		EmailAddress string `json:"email_address"`
	} `json:"payer"`
	PurchaseUnits []struct {
		ReferenceID string `json:"reference_id"`
		InvoiceID   string `json:"invoice_id"`
	} `json:"purchase_units"`
}

type walletEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		InvoiceID string `json:"invoice_id"`
		Amount    struct {
			Value string `json:"value"`
		} `json:"amount"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
		Payer struct {
			EmailAddress string `json:"email_address"`
		} `json:"payer"`
		PurchaseUnits []struct {
			InvoiceID string `json:"invoice_id"`
		} `json:"purchase_units"`
		DisputedTransactions []struct {
			InvoiceNumber string `json:"invoice_number"`
		} `json:"disputed_transactions"`
		Outcome struct {
			Code string `json:"outcome_code"`
		} `json:"dispute_outcome"`
	} `json:"resource"`
}

func (a *Adapter) VerifyWebhook(ctx context.Context, body []byte, header http.Header) (payment.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/", bytes.NewReader(body))
	if err != nil {
		return payment.Event{}, err
	}
	req.Header = header.Clone()

	resp, err := a.client.VerifyWebhookSignature(ctx, req, a.webhookID)
	if err != nil {
		return payment.Event{}, &payment.ProviderError{Provider: payment.ProviderPaypal, Op: "verify webhook", Err: err}
	}
	if resp.VerificationStatus != "SUCCESS" {
		err := fmt.Errorf("verification status %q", resp.VerificationStatus)
		return payment.Event{}, &payment.SignatureError{Provider: payment.ProviderPaypal, Err: err}
	}

	var we walletEvent
	if err := json.Unmarshal(body, &we); err != nil {
		return payment.Event{}, fmt.Errorf("decoding paypal event: %w", err)
	}

	ev := payment.Event{
		ID:       we.ID,
		Provider: payment.ProviderPaypal,
		Type:     we.EventType,
		Payload:  body,
		Data:     &we,
	}

	res := we.Resource
	switch we.EventType {
	case EventOrderApproved:
		ev.ProviderRef = res.ID
		ev.Email = res.Payer.EmailAddress
		if len(res.PurchaseUnits) > 0 {
			ev.OrderID = res.PurchaseUnits[0].InvoiceID
		}
	case EventDisputeCreated, EventDisputeResolved:
		if len(res.DisputedTransactions) > 0 {
			ev.OrderID = res.DisputedTransactions[0].InvoiceNumber
		}
	default:
		ev.ProviderRef = res.SupplementaryData.RelatedIDs.OrderID
		ev.OrderID = res.InvoiceID
	}

	return ev, nil
}

func (a *Adapter) ApplyEvent(ctx context.Context, ev payment.Event, o order.Order) (payment.Effect, error) {
	we, ok := ev.Data.(*walletEvent)
	if !ok {
		return payment.Effect{}, fmt.Errorf("paypal event[%s] carries %T", ev.ID, ev.Data)
	}

	eff := payment.Effect{ProviderRef: ev.ProviderRef, Email: ev.Email, Payload: ev.Payload}

	switch ev.Type {
	case EventOrderApproved:
		eff.Kind = payment.KindAuthorized
		eff.SessionStatus = payment.SessionAuthorized
		eff.Amount = o.Total

	case EventCaptureDone:
		amount, err := payment.ParseMajor(we.Resource.Amount.Value)
		if err != nil {
			return payment.Effect{}, fmt.Errorf("paypal event[%s]: %w", ev.ID, err)
		}
		eff.Kind = payment.KindCaptured
		eff.SessionStatus = payment.SessionCaptured
		eff.Amount = amount

	case EventCaptureDenied:
		eff.Kind = payment.KindDenied
		eff.SessionStatus = payment.SessionCanceled
		eff.Amount = o.Total

	case EventAuthVoided:
		eff.Kind = payment.KindCanceled
		eff.SessionStatus = payment.SessionCanceled

	case EventCaptureRefunded, EventCaptureReversed:
		eff.Kind = payment.KindRefunded
		if amount, err := payment.ParseMajor(we.Resource.Amount.Value); err == nil && amount < o.Total {
			eff.Kind = payment.KindIgnore
		}

	case EventDisputeCreated:
		eff.Kind = payment.KindChargeback

	case EventDisputeResolved:
		switch we.Resource.Outcome.Code {
		case "RESOLVED_SELLER_FAVOUR":
			eff.Kind = payment.KindChargebackWon
		case "RESOLVED_BUYER_FAVOUR":
			eff.Kind = payment.KindChargebackLost
		}

	default:
		eff.Kind = payment.KindIgnore
	}

	return eff, nil
}

// Approval builds the event for a buyer returning from PayPal with an
// approved order, so it can go through the same pipeline as a webhook.
func (a *Adapter) Approval(ctx context.Context, paypalOrderID string) (payment.Event, error) {
	url := fmt.Sprintf("%s/v2/checkout/orders/%s", a.client.APIBase, paypalOrderID)
	req, err := a.client.NewRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return payment.Event{}, err
	}

	var wo walletOrder
	if err := a.client.SendWithAuth(req, &wo); err != nil {
		return payment.Event{}, &payment.ProviderError{Provider: payment.ProviderPaypal, Op: "get order", Err: err}
	}

	if wo.Status != "APPROVED" {
		return payment.Event{}, fmt.Errorf("paypal order[%s] is %s: %w", wo.ID, wo.Status, ErrNotApproved)
	}

	ev := payment.Event{
		ID:          "approval:" + wo.ID,
		Provider:    payment.ProviderPaypal,
		Type:        EventOrderApproved,
		ProviderRef: wo.ID,
		Email:       wo.Payer.EmailAddress,
	}
	if len(wo.PurchaseUnits) > 0 {
		ev.OrderID = wo.PurchaseUnits[0].InvoiceID
	}
	raw, _ := json.Marshal(wo)
	ev.Payload = raw
	ev.Data = &walletEvent{ID: ev.ID, EventType: ev.Type}
	return ev, nil
}

// Capture captures the approved order. A wallet order can only be captured
// in full, so when less than that may be charged the difference is refunded
// on the spot. The effect carries the gross amount and the refunded part as
// PayPal reports them. A failed refund leaves Refunded at zero and the
// difference is flagged as refund due once fulfillment has run.
func (a *Adapter) Capture(ctx context.Context, ref string, acct payment.Account, amount, fee int64) (payment.Effect, error) {
	resp, err := a.client.CaptureOrder(ctx, ref, pp.CaptureOrderRequest{})
	if err != nil {
		var perr *pp.ErrorResponse
		if errors.As(err, &perr) && perr.Response != nil && perr.Response.StatusCode == http.StatusUnprocessableEntity {
			raw, _ := json.Marshal(perr)
			if hasIssue(perr, "ORDER_ALREADY_CAPTURED") {
				return payment.Effect{Kind: payment.KindSession, SessionStatus: payment.SessionCaptured, ProviderRef: ref, Payload: raw}, nil
			}
			return payment.Effect{
				Kind:          payment.KindDenied,
				SessionStatus: payment.SessionCanceled,
				ProviderRef:   ref,
				Amount:        amount,
				Payload:       raw,
			}, nil
		}
		return payment.Effect{}, &payment.ProviderError{Provider: payment.ProviderPaypal, Op: "capture order", Err: err}
	}

	raw, _ := json.Marshal(resp)
	eff := payment.Effect{ProviderRef: ref, Payload: raw}
	if resp.Status != "COMPLETED" {
		eff.Kind = payment.KindSession
		eff.SessionStatus = sessionStatus(resp.Status)
		return eff, nil
	}

	capt, gross, err := captured(resp)
	if err != nil {
		return payment.Effect{}, fmt.Errorf("paypal order[%s]: %w", ref, err)
	}
	eff.Kind = payment.KindCaptured
	eff.SessionStatus = payment.SessionCaptured
	eff.Amount = gross

	if over := gross - amount; over > 0 && capt.ID != "" {
		eff.Refunded = a.refund(ctx, capt, over)
	}
	return eff, nil
}

// captured returns the first capture of resp and the sum of all of them.
func captured(resp *pp.CaptureOrderResponse) (pp.CaptureAmount, int64, error) {
	var first pp.CaptureAmount
	var gross int64
	for _, u := range resp.PurchaseUnits {
		if u.Payments == nil {
			continue
		}
		for _, c := range u.Payments.Captures {
			if c.Amount == nil {
				continue
			}
			n, err := payment.ParseMajor(c.Amount.Value)
			if err != nil {
				return first, 0, err
			}
			if first.ID == "" {
				first = c
			}
			gross += n
		}
	}
	if first.ID == "" {
		return first, 0, errors.New("completed without a capture")
	}
	return first, gross, nil
}

// refund hands amount of the capture back to the buyer and reports what
// PayPal actually refunded. The request id makes a retried refund of the
// same capture a no-op.
func (a *Adapter) refund(ctx context.Context, capt pp.CaptureAmount, amount int64) int64 {
	req := pp.RefundCaptureRequest{
		Amount:      &pp.Money{Currency: capt.Amount.Currency, Value: payment.Major(amount).StringFixed(2)},
		NoteToPayer: "Refund for items that are no longer available",
	}
	res, err := a.client.RefundCaptureWithPaypalRequestId(ctx, capt.ID, req, "shortfall-"+capt.ID)
	if err != nil {
		return 0
	}
	if res.Amount != nil {
		if n, err := payment.ParseMajor(res.Amount.Value); err == nil {
			return n
		}
	}
	return amount
}

func hasIssue(err *pp.ErrorResponse, issue string) bool {
	for _, d := range err.Details {
		if d.Issue == issue {
			return true
		}
	}
	return false
}

// Void abandons an approval. PayPal expires uncaptured orders on its own.
func (a *Adapter) Void(ctx context.Context, ref string, acct payment.Account) (payment.Effect, error) {
	return payment.Effect{Kind: payment.KindCanceled, SessionStatus: payment.SessionCanceled, ProviderRef: ref}, nil
}

func sessionStatus(s string) payment.SessionStatus {
	switch s {
	case "CREATED", "SAVED":
		return payment.SessionPending
	case "PAYER_ACTION_REQUIRED":
		return payment.SessionRequiresMore
	case "APPROVED":
		return payment.SessionAuthorized
	case "COMPLETED":
		return payment.SessionCaptured
	case "VOIDED":
		return payment.SessionCanceled
	}
	return payment.SessionError
}
