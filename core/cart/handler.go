package cart

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/irsalhamdi/storefront/api/web"
	"github.com/irsalhamdi/storefront/api/weberr"
	"github.com/irsalhamdi/storefront/core/catalog"
	"github.com/irsalhamdi/storefront/core/visitor"
	"github.com/irsalhamdi/storefront/database"
	"github.com/irsalhamdi/storefront/validate"
	"github.com/jmoiron/sqlx"
)

func HandleShow(db *sqlx.DB) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		shopID := web.Param(r, "shop_id")
		if err := validate.CheckID(shopID); err != nil {
			return weberr.BadRequest(err)
		}

		v, err := visitor.Get(ctx)
		if err != nil {
			return err
		}

		c, err := Fetch(ctx, db, v.Token, shopID, time.Now().UTC())
		switch {
		case errors.Is(err, ErrNotFound):
			c = Cart{ShopID: shopID, Items: []Item{}}
		case err != nil:
			return fmt.Errorf("fetching cart: %w", err)
		}

		return web.Respond(ctx, w, c, http.StatusOK)
	}
}

func HandleSetItem(db *sqlx.DB, ttl time.Duration) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		shopID := web.Param(r, "shop_id")
		if err := validate.CheckID(shopID); err != nil {
			return weberr.BadRequest(err)
		}

		var up ItemUp
		if err := web.Decode(w, r, &up); err != nil {
			return weberr.BadRequest(fmt.Errorf("unable to decode payload: %w", err))
		}
		if err := validate.Check(up); err != nil {
			return weberr.BadRequest(err)
		}

		v, err := visitor.Get(ctx)
		if err != nil {
			return err
		}

		p, err := catalog.FetchProduct(ctx, db, up.ProductID)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				return weberr.NotFound(err)
			}
			return err
		}
		if p.ShopID != shopID {
			return weberr.NotFound(fmt.Errorf("product[%s] of shop[%s]: %w", p.ID, shopID, catalog.ErrNotFound))
		}
		if up.Quantity > 0 {
			if err := p.CheckQuantity(up.Quantity); err != nil {
				return weberr.Unprocessable(err, err.Error())
			}
		}

		var it Item
		err = database.Transaction(ctx, db, func(tx sqlx.ExtContext) error {
			if err := Ensure(ctx, tx, v.Token, shopID); err != nil {
				return err
			}
			it, err = SetItem(ctx, tx, v.Token, shopID, up.ProductID, up.Quantity, ttl)
			return err
		})
		if err != nil {
			return fmt.Errorf("setting cart line: %w", err)
		}

		if up.Quantity == 0 {
			return web.Respond(ctx, w, nil, http.StatusNoContent)
		}
		return web.Respond(ctx, w, it, http.StatusOK)
	}
}

func HandleDeleteItem(db *sqlx.DB) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		shopID := web.Param(r, "shop_id")
		productID := web.Param(r, "product_id")
		if err := validate.CheckID(shopID); err != nil {
			return weberr.BadRequest(err)
		}
		if err := validate.CheckID(productID); err != nil {
			return weberr.BadRequest(err)
		}

		v, err := visitor.Get(ctx)
		if err != nil {
			return err
		}

		if _, err := SetItem(ctx, db, v.Token, shopID, productID, 0, 0); err != nil {
			return fmt.Errorf("removing cart line: %w", err)
		}

		return web.Respond(ctx, w, nil, http.StatusNoContent)
	}
}
