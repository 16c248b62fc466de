package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/irsalhamdi/storefront/api/web"
	"github.com/irsalhamdi/storefront/api/weberr"
	"github.com/irsalhamdi/storefront/core/order"
	"github.com/irsalhamdi/storefront/core/payment"
)

// HandleWebhook serves one provider's webhook endpoint. Deliveries that
// were applied, seen before or rejected by the status graph are all
// acknowledged with 204 so the provider stops retrying them.
func HandleWebhook(p *Processor, a payment.Adapter) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		body, err := web.ReadBody(w, r)
		if err != nil {
			return weberr.BadRequest(fmt.Errorf("reading %s webhook: %w", a.Provider(), err))
		}

		fields := map[string]any{"provider": a.Provider().String()}

		ev, err := a.VerifyWebhook(ctx, body, r.Header)
		switch {
		case errors.Is(err, payment.ErrSignature):
			return weberr.Forbidden(err, weberr.WithFields(fields))
		case err != nil:
			return weberr.Unavailable(err, weberr.WithFields(fields))
		}
		fields["event_id"] = ev.ID

		err = p.Process(ctx, a, ev)
		switch {
		case err == nil, errors.Is(err, order.ErrInvalidTransition):
			return web.Respond(ctx, w, nil, http.StatusNoContent)
		default:
			return weberr.Unavailable(fmt.Errorf("processing %s event[%s]: %w", a.Provider(), ev.ID, err), weberr.WithFields(fields))
		}
	}
}
