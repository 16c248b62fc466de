// Package stripe is the card provider adapter. Charges are direct charges on
// the shop's connected account, authorized first and captured explicitly.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/irsalhamdi/storefront/core/order"
	"github.com/irsalhamdi/storefront/core/payment"
	stripego "github.com/stripe/stripe-go/v74"
	stripecl "github.com/stripe/stripe-go/v74/client"
	"github.com/stripe/stripe-go/v74/webhook"
)

const (
	evIntentCreated     = "payment_intent.created"
	evIntentProcessing  = "payment_intent.processing"
	evIntentRequiresAct = "payment_intent.requires_action"
	evIntentCapturable  = "payment_intent.amount_capturable_updated"
	evIntentSucceeded   = "payment_intent.succeeded"
	evIntentFailed      = "payment_intent.payment_failed"
	evIntentCanceled    = "payment_intent.canceled"
	evChargeRefunded    = "charge.refunded"
	evDisputeCreated    = "charge.dispute.created"
	evDisputeClosed     = "charge.dispute.closed"
	evAccountUpdated    = "account.updated"
	signatureHeader     = "Stripe-Signature"
	metadataOrderID     = "order_id"
	metadataShopID      = "shop_id"
)

// NewClient builds a Stripe API client. url overrides the API base and is
// only set against fakes.
func NewClient(key, url string) *stripecl.API {
	api := &stripecl.API{}
	if url == "" {
		api.Init(key, nil)
		return api
	}

	b := stripego.GetBackendWithConfig(stripego.APIBackend, &stripego.BackendConfig{
		URL:               stripego.String(url),
		MaxNetworkRetries: stripego.Int64(0),
	})
	api.Init(key, &stripego.Backends{API: b, Connect: b, Uploads: b})
	return api
}

type Adapter struct {
	api    *stripecl.API
	secret string
}

// New returns an adapter verifying deliveries with the given endpoint
// secret. Platform and Connect endpoints have distinct secrets, so each
// gets its own adapter over the same client.
func New(api *stripecl.API, webhookSecret string) *Adapter {
	return &Adapter{api: api, secret: webhookSecret}
}

func (a *Adapter) Provider() payment.Provider { return payment.ProviderStripe }

func (a *Adapter) StartSession(ctx context.Context, o order.Order, acct payment.Account) (payment.Session, error) {
	if !acct.Onboarded || acct.AccountRef == "" {
		return payment.Session{}, fmt.Errorf("shop[%s]: %w", o.ShopID, payment.ErrNotOnboarded)
	}

	params := &stripego.PaymentIntentParams{
		Amount:        stripego.Int64(o.Total),
		Currency:      stripego.String(strings.ToLower(o.Currency)),
		CaptureMethod: stripego.String(string(stripego.PaymentIntentCaptureMethodManual)),
		AutomaticPaymentMethods: &stripego.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripego.Bool(true),
		},
	}
	if o.Email != "" {
		params.ReceiptEmail = stripego.String(o.Email)
	}
	params.Context = ctx
	params.SetStripeAccount(acct.AccountRef)
	params.AddMetadata(metadataOrderID, o.ID)
	params.AddMetadata(metadataShopID, o.ShopID)

	pi, err := a.api.PaymentIntents.New(params)
	if err != nil {
		return payment.Session{}, &payment.ProviderError{Provider: payment.ProviderStripe, Op: "create payment intent", Err: err}
	}

	raw, err := json.Marshal(pi)
	if err != nil {
		return payment.Session{}, fmt.Errorf("encoding payment intent[%s]: %w", pi.ID, err)
	}

	now := time.Now().UTC()
	return payment.Session{
		ID:           uuid.NewString(),
		OrderID:      o.ID,
		Provider:     payment.ProviderStripe,
		ProviderRef:  pi.ID,
		Status:       sessionStatus(pi.Status),
		ClientSecret: pi.ClientSecret,
		Payload:      raw,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (a *Adapter) VerifyWebhook(ctx context.Context, body []byte, header http.Header) (payment.Event, error) {
	sig := header.Get(signatureHeader)
	if sig == "" {
		return payment.Event{}, &payment.SignatureError{Provider: payment.ProviderStripe, Err: errors.New("event is not signed")}
	}

	se, err := webhook.ConstructEvent(body, sig, a.secret)
	if err != nil {
		return payment.Event{}, &payment.SignatureError{Provider: payment.ProviderStripe, Err: err}
	}
	if se.Data == nil {
		return payment.Event{}, fmt.Errorf("stripe event[%s] has no data", se.ID)
	}

	ev := payment.Event{
		ID:         se.ID,
		Provider:   payment.ProviderStripe,
		Type:       string(se.Type),
		AccountRef: se.Account,
		Payload:    se.Data.Raw,
	}

	switch {
	case strings.HasPrefix(ev.Type, "payment_intent."):
		var pi stripego.PaymentIntent
		if err := json.Unmarshal(se.Data.Raw, &pi); err != nil {
			return payment.Event{}, fmt.Errorf("decoding payment intent of event[%s]: %w", se.ID, err)
		}
		ev.ProviderRef = pi.ID
		ev.OrderID = pi.Metadata[metadataOrderID]
		ev.Email = pi.ReceiptEmail
		ev.Data = &pi

	case strings.HasPrefix(ev.Type, "charge.dispute."):
		var d stripego.Dispute
		if err := json.Unmarshal(se.Data.Raw, &d); err != nil {
			return payment.Event{}, fmt.Errorf("decoding dispute of event[%s]: %w", se.ID, err)
		}
		if d.PaymentIntent != nil {
			ev.ProviderRef = d.PaymentIntent.ID
		}
		ev.Data = &d

	case strings.HasPrefix(ev.Type, "charge."):
		var c stripego.Charge
		if err := json.Unmarshal(se.Data.Raw, &c); err != nil {
			return payment.Event{}, fmt.Errorf("decoding charge of event[%s]: %w", se.ID, err)
		}
		if c.PaymentIntent != nil {
			ev.ProviderRef = c.PaymentIntent.ID
		}
		ev.Data = &c

	case ev.Type == evAccountUpdated:
		var acct stripego.Account
		if err := json.Unmarshal(se.Data.Raw, &acct); err != nil {
			return payment.Event{}, fmt.Errorf("decoding account of event[%s]: %w", se.ID, err)
		}
		ev.AccountRef = acct.ID
		ev.Data = &acct
	}

	return ev, nil
}

func (a *Adapter) ApplyEvent(ctx context.Context, ev payment.Event, o order.Order) (payment.Effect, error) {
	switch ev.Type {
	case evIntentCreated, evIntentProcessing, evIntentRequiresAct,
		evIntentCapturable, evIntentSucceeded, evIntentFailed, evIntentCanceled:
		pi, ok := ev.Data.(*stripego.PaymentIntent)
		if !ok {
			return payment.Effect{}, fmt.Errorf("stripe event[%s] carries %T", ev.ID, ev.Data)
		}
		if id := pi.Metadata[metadataOrderID]; id != "" && o.ID != "" && id != o.ID {
			return payment.Effect{}, fmt.Errorf("payment intent[%s] belongs to order[%s], not [%s]", pi.ID, id, o.ID)
		}
		return intentEffect(ev.Type, pi, ev.Payload), nil

	case evChargeRefunded:
		c, ok := ev.Data.(*stripego.Charge)
		if !ok {
			return payment.Effect{}, fmt.Errorf("stripe event[%s] carries %T", ev.ID, ev.Data)
		}
		if !c.Refunded {
			return payment.Effect{Kind: payment.KindIgnore}, nil
		}
		return payment.Effect{Kind: payment.KindRefunded, ProviderRef: ev.ProviderRef, Amount: c.AmountRefunded, Payload: ev.Payload}, nil

	case evDisputeCreated, evDisputeClosed:
		d, ok := ev.Data.(*stripego.Dispute)
		if !ok {
			return payment.Effect{}, fmt.Errorf("stripe event[%s] carries %T", ev.ID, ev.Data)
		}
		eff := payment.Effect{ProviderRef: ev.ProviderRef, Amount: d.Amount, Payload: ev.Payload}
		switch {
		case ev.Type == evDisputeCreated:
			eff.Kind = payment.KindChargeback
		case d.Status == stripego.DisputeStatusWon:
			eff.Kind = payment.KindChargebackWon
		case d.Status == stripego.DisputeStatusLost:
			eff.Kind = payment.KindChargebackLost
		}
		return eff, nil

	case evAccountUpdated:
		acct, ok := ev.Data.(*stripego.Account)
		if !ok {
			return payment.Effect{}, fmt.Errorf("stripe event[%s] carries %T", ev.ID, ev.Data)
		}
		return payment.Effect{
			Kind:       payment.KindOnboarding,
			AccountRef: acct.ID,
			Onboarded:  acct.DetailsSubmitted && acct.ChargesEnabled,
			Payload:    ev.Payload,
		}, nil
	}

	return payment.Effect{Kind: payment.KindIgnore}, nil
}

// Capture captures amount of an authorized intent, collecting fee for the
// platform. amount may be lower than the authorization.
func (a *Adapter) Capture(ctx context.Context, ref string, acct payment.Account, amount, fee int64) (payment.Effect, error) {
	params := &stripego.PaymentIntentCaptureParams{AmountToCapture: stripego.Int64(amount)}
	if fee > 0 {
		params.ApplicationFeeAmount = stripego.Int64(fee)
	}
	params.Context = ctx
	params.SetStripeAccount(acct.AccountRef)

	pi, err := a.api.PaymentIntents.Capture(ref, params)
	if err != nil {
		return payment.Effect{}, &payment.ProviderError{Provider: payment.ProviderStripe, Op: "capture payment intent", Err: err}
	}

	raw, _ := json.Marshal(pi)
	eff := intentEffect(evIntentSucceeded, pi, raw)
	if pi.Status != stripego.PaymentIntentStatusSucceeded {
		eff.Kind = payment.KindSession
	}
	return eff, nil
}

// Void releases an authorization nothing will be captured from.
func (a *Adapter) Void(ctx context.Context, ref string, acct payment.Account) (payment.Effect, error) {
	params := &stripego.PaymentIntentCancelParams{}
	params.Context = ctx
	params.SetStripeAccount(acct.AccountRef)

	pi, err := a.api.PaymentIntents.Cancel(ref, params)
	if err != nil {
		return payment.Effect{}, &payment.ProviderError{Provider: payment.ProviderStripe, Op: "cancel payment intent", Err: err}
	}

	raw, _ := json.Marshal(pi)
	return intentEffect(evIntentCanceled, pi, raw), nil
}

func intentEffect(typ string, pi *stripego.PaymentIntent, raw json.RawMessage) payment.Effect {
	eff := payment.Effect{
		Kind:          payment.KindSession,
		SessionStatus: sessionStatus(pi.Status),
		ProviderRef:   pi.ID,
		Email:         pi.ReceiptEmail,
		Payload:       raw,
	}

	switch typ {
	case evIntentCapturable:
		eff.Kind = payment.KindAuthorized
		eff.Amount = pi.AmountCapturable
	case evIntentSucceeded:
		eff.Kind = payment.KindCaptured
		eff.Amount = pi.AmountReceived
	case evIntentFailed:
		eff.Kind = payment.KindDenied
		eff.Amount = pi.Amount
	case evIntentCanceled:
		eff.Kind = payment.KindCanceled
		eff.SessionStatus = payment.SessionCanceled
	}
	return eff
}

func sessionStatus(s stripego.PaymentIntentStatus) payment.SessionStatus {
	switch s {
	case stripego.PaymentIntentStatusCanceled:
		return payment.SessionCanceled
	case stripego.PaymentIntentStatusRequiresPaymentMethod,
		stripego.PaymentIntentStatusRequiresConfirmation,
		stripego.PaymentIntentStatusProcessing:
		return payment.SessionPending
	case stripego.PaymentIntentStatusRequiresAction:
		return payment.SessionRequiresMore
	case stripego.PaymentIntentStatusRequiresCapture:
		return payment.SessionAuthorized
	case stripego.PaymentIntentStatusSucceeded:
		return payment.SessionCaptured
	}
	return payment.SessionError
}
