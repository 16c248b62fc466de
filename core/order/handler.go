package order

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/irsalhamdi/storefront/api/web"
	"github.com/irsalhamdi/storefront/api/weberr"
	"github.com/irsalhamdi/storefront/database"
	"github.com/irsalhamdi/storefront/validate"
	"github.com/jmoiron/sqlx"
)

// Statuses a merchant or an operator may set by hand. Everything else is
// driven by payment events and fulfillment.
var manualStatuses = map[Status]bool{
	StatusCancelled:         true,
	StatusRefunded:          true,
	StatusChargebackPending: true,
	StatusChargebackWon:     true,
	StatusChargebackLost:    true,
}

func webError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return weberr.NotFound(err)
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotEditable):
		return weberr.Conflict(err, err.Error())
	}
	return err
}

func HandleList(db *sqlx.DB) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		shopID := web.Param(r, "shop_id")
		if err := validate.CheckID(shopID); err != nil {
			return weberr.BadRequest(err)
		}

		qs := r.URL.Query()
		f := Filter{Email: qs.Get("email")}

		if p := qs.Get("page"); p != "" {
			page, err := strconv.Atoi(p)
			if err != nil {
				return weberr.BadRequest(fmt.Errorf("invalid page %q", p))
			}
			f.Page = page
		}
		if s := qs.Get("status"); s != "" {
			st, err := ParseStatus(s)
			if err != nil {
				return weberr.BadRequest(err)
			}
			f.Status = &st
		}

		orders, err := ListByShop(ctx, db, shopID, f)
		if err != nil {
			return fmt.Errorf("listing orders: %w", err)
		}

		return web.Respond(ctx, w, orders, http.StatusOK)
	}
}

func HandleShow(db *sqlx.DB) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		id := web.Param(r, "id")
		if err := validate.CheckID(id); err != nil {
			return weberr.BadRequest(err)
		}

		o, err := Fetch(ctx, db, id)
		if err != nil {
			return webError(fmt.Errorf("fetching order: %w", err))
		}

		resp := struct {
			Order
			Visitor *VisitorData `json:"visitor,omitempty"`
		}{Order: o}

		vd, err := FetchVisitorData(ctx, db, id)
		switch {
		case err == nil:
			resp.Visitor = &vd
		case !errors.Is(err, ErrNotFound):
			return fmt.Errorf("fetching visitor data: %w", err)
		}

		return web.Respond(ctx, w, resp, http.StatusOK)
	}
}

func HandleHistory(db *sqlx.DB) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		id := web.Param(r, "id")
		if err := validate.CheckID(id); err != nil {
			return weberr.BadRequest(err)
		}

		o, err := Fetch(ctx, db, id)
		if err != nil {
			return webError(fmt.Errorf("fetching order: %w", err))
		}

		evs, err := History(ctx, db, id)
		if err != nil {
			return err
		}

		items := make(map[string][]ItemStatusEvent, len(o.Items))
		for _, it := range o.Items {
			ievs, err := ItemHistory(ctx, db, it.ID)
			if err != nil {
				return err
			}
			items[it.ID] = ievs
		}

		resp := struct {
			Order []StatusEvent                `json:"order"`
			Items map[string][]ItemStatusEvent `json:"items"`
		}{evs, items}

		return web.Respond(ctx, w, resp, http.StatusOK)
	}
}

type StatusUp struct {
	Status string `json:"status" validate:"required"`
}

func HandleUpdateStatus(db *sqlx.DB) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		id := web.Param(r, "id")
		if err := validate.CheckID(id); err != nil {
			return weberr.BadRequest(err)
		}

		var up StatusUp
		if err := web.Decode(w, r, &up); err != nil {
			return weberr.BadRequest(fmt.Errorf("unable to decode payload: %w", err))
		}
		if err := validate.Check(up); err != nil {
			return weberr.BadRequest(err)
		}

		to, err := ParseStatus(up.Status)
		if err != nil || !manualStatuses[to] {
			return weberr.BadRequest(fmt.Errorf("status %q cannot be set by hand", up.Status))
		}

		var o Order
		if to == StatusCancelled {
			o, err = cancel(ctx, db, id)
		} else {
			o, err = Transition(ctx, db, id, to)
		}
		if err != nil {
			return webError(fmt.Errorf("updating status of order[%s]: %w", id, err))
		}

		return web.Respond(ctx, w, o, http.StatusOK)
	}
}

func HandleUpdateItemStatus(db *sqlx.DB) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		id := web.Param(r, "id")
		itemID := web.Param(r, "item_id")
		if err := validate.CheckID(id); err != nil {
			return weberr.BadRequest(err)
		}
		if err := validate.CheckID(itemID); err != nil {
			return weberr.BadRequest(err)
		}

		var up StatusUp
		if err := web.Decode(w, r, &up); err != nil {
			return weberr.BadRequest(fmt.Errorf("unable to decode payload: %w", err))
		}
		if err := validate.Check(up); err != nil {
			return weberr.BadRequest(err)
		}

		to, err := ParseItemStatus(up.Status)
		if err != nil || to == ItemCancelledOutOfStock {
			return weberr.BadRequest(fmt.Errorf("item status %q cannot be set by hand", up.Status))
		}

		o, err := Fetch(ctx, db, id)
		if err != nil {
			return webError(err)
		}
		if to != ItemCancelled && !o.Status.Captured() {
			return weberr.Conflict(fmt.Errorf("order[%s] is %s", id, o.Status), "the order has not been paid")
		}

		it, err := TransitionItem(ctx, db, id, itemID, to)
		if err != nil {
			return webError(fmt.Errorf("updating status of item[%s]: %w", itemID, err))
		}

		return web.Respond(ctx, w, it, http.StatusOK)
	}
}

func cancel(ctx context.Context, db *sqlx.DB, id string) (Order, error) {
	var o Order
	err := database.Transaction(ctx, db, func(tx sqlx.ExtContext) error {
		var err error
		o, err = Cancel(ctx, tx, id)
		return err
	})
	return o, err
}
