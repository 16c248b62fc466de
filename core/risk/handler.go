package risk

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/irsalhamdi/storefront/api/web"
	"github.com/irsalhamdi/storefront/api/weberr"
	"github.com/irsalhamdi/storefront/validate"
	"github.com/jmoiron/sqlx"
)

func HandleAddEntry(db *sqlx.DB) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		shopID := web.Param(r, "shop_id")
		if err := validate.CheckID(shopID); err != nil {
			return weberr.BadRequest(err)
		}

		var en EntryNew
		if err := web.Decode(w, r, &en); err != nil {
			return weberr.BadRequest(fmt.Errorf("unable to decode payload: %w", err))
		}
		if err := validate.Check(en); err != nil {
			return weberr.BadRequest(err)
		}

		e := Entry{
			ID:        validate.GenerateID(),
			ShopID:    shopID,
			Kind:      en.Kind,
			Value:     normalize(en.Kind, en.Value),
			CreatedAt: time.Now().UTC(),
		}
		if err := AddEntry(ctx, db, e); err != nil {
			return fmt.Errorf("adding blacklist entry: %w", err)
		}

		return web.Respond(ctx, w, e, http.StatusCreated)
	}
}
