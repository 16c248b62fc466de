package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/irsalhamdi/storefront/api/web"
	"github.com/irsalhamdi/storefront/api/weberr"
	"github.com/irsalhamdi/storefront/core/catalog"
	"github.com/irsalhamdi/storefront/core/order"
	"github.com/irsalhamdi/storefront/core/payment"
	"github.com/irsalhamdi/storefront/core/risk"
	"github.com/irsalhamdi/storefront/core/visitor"
	"github.com/irsalhamdi/storefront/validate"
)

// Redirects holds where buyers are sent after the checkout form posts.
type Redirects struct {
	BaseURL     string
	FailurePath string
}

func (rd Redirects) order(id string) string { return rd.BaseURL + "/checkout/" + id }

func (rd Redirects) failure() string { return rd.BaseURL + rd.FailurePath }

// webError maps checkout failures to responses. Buyers get a fixed message
// per failure kind; the wrapped error with its ids and counts is only logged.
func webError(err error) error {
	switch {
	case errors.Is(err, order.ErrNotFound), errors.Is(err, payment.ErrNotFound), errors.Is(err, catalog.ErrNotFound):
		return weberr.NotFound(err)
	case errors.Is(err, ErrDenied):
		return weberr.Forbidden(err)
	case errors.Is(err, ErrBelowMinimum):
		return weberr.Unprocessable(err, "the order total is below the minimum that can be paid")
	case errors.Is(err, catalog.ErrOutOfBounds), errors.Is(err, catalog.ErrInsufficientStock),
		errors.Is(err, catalog.ErrUnavailable):
		return weberr.Unprocessable(err, "some items in the cart are not available in the requested quantity")
	case errors.Is(err, ErrValidation):
		return weberr.Unprocessable(err, "the checkout request is invalid")
	case errors.Is(err, payment.ErrNotOnboarded):
		return weberr.Conflict(err, "the shop does not accept this payment method")
	case errors.Is(err, ErrNotPayable), errors.Is(err, order.ErrInvalidTransition),
		errors.Is(err, payment.ErrAlreadyCaptured):
		return weberr.Conflict(err, "the order can no longer be paid")
	case errors.Is(err, payment.ErrUnknownProvider):
		return weberr.BadRequest(err)
	case errors.Is(err, payment.ErrProvider), errors.Is(err, risk.ErrUnavailable):
		return weberr.Unavailable(err)
	}
	return err
}

type CheckoutNew struct {
	Captcha string `json:"captcha"`
	Email   string `json:"email" validate:"omitempty,email"`
}

// HandleCheckout places an order from the visitor's cart and redirects the
// buyer to its checkout page. Denials redirect to the failure page without
// telling the buyer why.
func HandleCheckout(c *Orchestrator, rd Redirects) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		shopID := web.Param(r, "shop_id")
		if err := validate.CheckID(shopID); err != nil {
			return weberr.BadRequest(err)
		}

		var cn CheckoutNew
		if err := web.Decode(w, r, &cn); err != nil {
			return weberr.BadRequest(fmt.Errorf("unable to decode payload: %w", err))
		}
		if err := validate.Check(cn); err != nil {
			return weberr.BadRequest(err)
		}

		v, err := visitor.Get(ctx)
		if err != nil {
			return err
		}

		o, err := c.Checkout(ctx, Request{
			ShopID:    shopID,
			Token:     v.Token,
			IP:        v.IP,
			UserAgent: v.UserAgent,
			Captcha:   cn.Captcha,
			Email:     cn.Email,
		})
		switch {
		case err == nil:
			return web.Redirect(ctx, w, r, rd.order(o.ID))
		case errors.Is(err, ErrDenied), errors.Is(err, risk.ErrUnavailable):
			return web.Redirect(ctx, w, r, rd.failure())
		}
		return webError(fmt.Errorf("checking out: %w", err))
	}
}

type EmailUp struct {
	Email string `json:"email" validate:"required,email"`
}

func HandleSetEmail(c *Orchestrator) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		id := web.Param(r, "order_id")
		if err := validate.CheckID(id); err != nil {
			return weberr.BadRequest(err)
		}

		var up EmailUp
		if err := web.Decode(w, r, &up); err != nil {
			return weberr.BadRequest(fmt.Errorf("unable to decode payload: %w", err))
		}
		if err := validate.Check(up); err != nil {
			return weberr.BadRequest(err)
		}

		if err := c.SetEmail(ctx, id, up.Email); err != nil {
			return webError(fmt.Errorf("setting email of order[%s]: %w", id, err))
		}

		return web.Respond(ctx, w, nil, http.StatusNoContent)
	}
}

type SessionNew struct {
	Provider string `json:"provider" validate:"required,oneof=stripe paypal btcpay"`
	Email    string `json:"email" validate:"omitempty,email"`
}

func HandleStartSession(c *Orchestrator) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		id := web.Param(r, "order_id")
		if err := validate.CheckID(id); err != nil {
			return weberr.BadRequest(err)
		}

		var sn SessionNew
		if err := web.Decode(w, r, &sn); err != nil {
			return weberr.BadRequest(fmt.Errorf("unable to decode payload: %w", err))
		}
		if err := validate.Check(sn); err != nil {
			return weberr.BadRequest(err)
		}

		p, err := payment.ParseProvider(sn.Provider)
		if err != nil {
			return weberr.BadRequest(err)
		}

		s, err := c.StartSession(ctx, id, p, sn.Email)
		if err != nil {
			return webError(fmt.Errorf("starting %s session of order[%s]: %w", p, id, err))
		}

		return web.Respond(ctx, w, s, http.StatusCreated)
	}
}

// HandlePaypalApproval captures the PayPal order the buyer just approved.
func HandlePaypalApproval(c *Orchestrator) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		id := web.Param(r, "order_id")
		if err := validate.CheckID(id); err != nil {
			return weberr.BadRequest(err)
		}
		ref := web.Param(r, "paypal_order_id")
		if ref == "" {
			return weberr.BadRequest(errors.New("missing paypal order id"))
		}

		o, err := c.Approve(ctx, id, payment.ProviderPaypal, ref)
		if err != nil {
			return webError(fmt.Errorf("approving paypal order[%s]: %w", ref, err))
		}

		return web.Respond(ctx, w, o, http.StatusOK)
	}
}

func HandleShow(c *Orchestrator) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		id := web.Param(r, "order_id")
		if err := validate.CheckID(id); err != nil {
			return weberr.BadRequest(err)
		}

		v, err := c.View(ctx, id)
		if err != nil {
			return webError(fmt.Errorf("fetching order[%s]: %w", id, err))
		}

		return web.Respond(ctx, w, v, http.StatusOK)
	}
}

func HandleCrypto(c *Orchestrator) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		id := web.Param(r, "order_id")
		if err := validate.CheckID(id); err != nil {
			return weberr.BadRequest(err)
		}

		st, err := c.Crypto(ctx, id)
		if err != nil {
			return webError(fmt.Errorf("fetching crypto invoice of order[%s]: %w", id, err))
		}

		return web.Respond(ctx, w, st, http.StatusOK)
	}
}
