package api

import (
	"context"
	"net/http"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/gorilla/mux"
	"github.com/irsalhamdi/storefront/api/middleware"
	"github.com/irsalhamdi/storefront/api/web"
	"github.com/irsalhamdi/storefront/core/cart"
	"github.com/irsalhamdi/storefront/core/checkout"
	"github.com/irsalhamdi/storefront/core/order"
	"github.com/irsalhamdi/storefront/core/payment"
	"github.com/irsalhamdi/storefront/core/reconcile"
	"github.com/irsalhamdi/storefront/core/risk"
	"github.com/irsalhamdi/storefront/core/visitor"
	"github.com/irsalhamdi/storefront/rate"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// Webhook binds a provider adapter to the path its deliveries arrive on.
type Webhook struct {
	Path    string
	Adapter payment.Adapter
}

type APIConfig struct {
	CorsOrigin  string
	Log         logrus.FieldLogger
	DB          *sqlx.DB
	Session     *scs.SessionManager
	TrustProxy  bool
	AdminToken  string
	Limiter     *rate.Limiter
	CartItemTTL time.Duration
	Checkout    *checkout.Orchestrator
	Redirects   checkout.Redirects
	Processor   *reconcile.Processor
	Webhooks    []Webhook
}

type api struct {
	*mux.Router
	mw  []web.Middleware
	log logrus.FieldLogger
}

func APIMux(cfg APIConfig) http.Handler {
	a := &api{
		Router: mux.NewRouter(),
		log:    cfg.Log,
	}

	a.mw = append(a.mw, middleware.RequestID())
	a.mw = append(a.mw, middleware.Logger(cfg.Log, cfg.TrustProxy))
	a.mw = append(a.mw, middleware.Errors(cfg.Log))
	a.mw = append(a.mw, middleware.Panics())

	if cfg.CorsOrigin != "" {
		a.mw = append(a.mw, middleware.Cors(cfg.CorsOrigin))

		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			w.WriteHeader(http.StatusNoContent)
			return nil
		}

		a.Handle(http.MethodOptions, "/{path:.*}", h)
	}

	// Storefront routes know the buyer by the visitor session only.
	visit := visitor.LoadAndSave(cfg.Session, cfg.TrustProxy)
	admin := middleware.Admin(cfg.AdminToken)

	var limit web.Middleware
	if cfg.Limiter != nil {
		limit = rate.Middleware(cfg.Limiter, func(ctx context.Context, r *http.Request) string {
			return visitor.ClientIP(r, cfg.TrustProxy)
		})
	}

	a.Handle(http.MethodGet, "/shops/{shop_id}/cart", cart.HandleShow(cfg.DB), visit)
	a.Handle(http.MethodPut, "/shops/{shop_id}/cart/items", cart.HandleSetItem(cfg.DB, cfg.CartItemTTL), limit, visit)
	a.Handle(http.MethodDelete, "/shops/{shop_id}/cart/items/{product_id}", cart.HandleDeleteItem(cfg.DB), visit)

	a.Handle(http.MethodPost, "/shops/{shop_id}/checkout", checkout.HandleCheckout(cfg.Checkout, cfg.Redirects), limit, visit)
	a.Handle(http.MethodGet, "/checkout/{order_id}", checkout.HandleShow(cfg.Checkout))
	a.Handle(http.MethodPatch, "/checkout/{order_id}", checkout.HandleSetEmail(cfg.Checkout), limit)
	a.Handle(http.MethodPost, "/checkout/{order_id}/sessions", checkout.HandleStartSession(cfg.Checkout), limit)
	a.Handle(http.MethodPost, "/checkout/{order_id}/paypal/{paypal_order_id}", checkout.HandlePaypalApproval(cfg.Checkout), limit)
	a.Handle(http.MethodGet, "/checkout/{order_id}/crypto", checkout.HandleCrypto(cfg.Checkout))

	for _, wh := range cfg.Webhooks {
		a.Handle(http.MethodPost, wh.Path, reconcile.HandleWebhook(cfg.Processor, wh.Adapter))
	}

	a.Handle(http.MethodGet, "/admin/shops/{shop_id}/orders", order.HandleList(cfg.DB), admin)
	a.Handle(http.MethodPost, "/admin/shops/{shop_id}/blacklist", risk.HandleAddEntry(cfg.DB), admin)
	a.Handle(http.MethodGet, "/admin/orders/{id}", order.HandleShow(cfg.DB), admin)
	a.Handle(http.MethodGet, "/admin/orders/{id}/history", order.HandleHistory(cfg.DB), admin)
	a.Handle(http.MethodPut, "/admin/orders/{id}/status", order.HandleUpdateStatus(cfg.DB), admin)
	a.Handle(http.MethodPut, "/admin/orders/{id}/items/{item_id}/status", order.HandleUpdateItemStatus(cfg.DB), admin)

	return a.Router
}

func (a *api) Handle(method string, path string, handler web.Handler, mw ...web.Middleware) {

	handler = web.WrapMiddleware(mw, handler)

	handler = web.WrapMiddleware(a.mw, handler)

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		ctx := r.Context()

		if err := handler(ctx, w, r); err != nil {

			a.log.WithFields(logrus.Fields{
				"req_id":  middleware.ContextRequestID(ctx),
				"message": err,
			}).Error("ERROR")
		}
	})

	a.Router.Handle(path, h).Methods(method)
}
