package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/ardanlabs/conf/v3"
	"github.com/irsalhamdi/storefront/api"
	"github.com/irsalhamdi/storefront/api/background"
	"github.com/irsalhamdi/storefront/config"
	"github.com/irsalhamdi/storefront/core/checkout"
	"github.com/irsalhamdi/storefront/core/fee"
	"github.com/irsalhamdi/storefront/core/fulfillment"
	"github.com/irsalhamdi/storefront/core/order"
	"github.com/irsalhamdi/storefront/core/payment"
	"github.com/irsalhamdi/storefront/core/payment/btcpay"
	"github.com/irsalhamdi/storefront/core/payment/paypal"
	"github.com/irsalhamdi/storefront/core/payment/stripe"
	"github.com/irsalhamdi/storefront/core/reconcile"
	"github.com/irsalhamdi/storefront/core/risk"
	"github.com/irsalhamdi/storefront/database"
	"github.com/irsalhamdi/storefront/email"
	"github.com/irsalhamdi/storefront/rate"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	if err := Run(log); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func Run(logger *logrus.Logger) error {
	logger.Infof("starting server")
	defer logger.Info("shutdown complete")

	const prefix = "STOREFRONT"
	var cfg config.Config
	if _, err := conf.Parse(prefix, &cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	lw := logger.Writer()
	defer lw.Close()
	errLog := log.New(lw, "", 0)

	db, err := database.Open(cfg.DB)
	if err != nil {
		return fmt.Errorf("failed to open db connection: %w", err)
	}
	defer db.Close()

	var rdb *redis.Client
	if cfg.Redis.Address != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}
	}

	sessionManager := scs.New()
	sessionManager.Lifetime = cfg.Session.Lifetime
	sessionManager.Cookie.Name = cfg.Session.CookieName
	sessionManager.Cookie.Secure = cfg.Session.Secure
	sessionManager.Cookie.SameSite = http.SameSiteLaxMode

	mail := email.New(cfg.Email)
	bg := background.New(logger)

	adapters, webhooks, err := providers(cfg)
	if err != nil {
		return err
	}

	engine := fulfillment.New(fulfillment.NewPGStore(db), mail, bg, logger, cfg.Site.BaseURL)
	proc := reconcile.NewProcessor(reconcile.NewPGStore(db), engine, fee.NewCalculator(cfg.Fees.RestrictedCountries), logger)

	co := checkout.New(
		checkout.NewPGStore(db),
		screener(cfg.Risk, rdb, logger),
		proc,
		checkout.Config{MinTotal: cfg.Checkout.MinTotal, OrderTTL: cfg.Checkout.OrderTTL},
		logger,
		adapters...,
	)

	limiter := rate.NewLimiter(cfg.Rate.Burst, time.Duration(cfg.Rate.Expiry)*time.Minute, cfg.Rate.RPS)
	defer limiter.Close()

	mux := api.APIMux(api.APIConfig{
		CorsOrigin:  cfg.Web.CorsOrigin,
		Log:         logger,
		DB:          db,
		Session:     sessionManager,
		TrustProxy:  cfg.Web.TrustProxy,
		AdminToken:  cfg.Web.AdminToken,
		Limiter:     limiter,
		CartItemTTL: cfg.Checkout.CartItemTTL,
		Checkout:    co,
		Redirects:   checkout.Redirects{BaseURL: cfg.Site.BaseURL, FailurePath: cfg.Site.FailurePath},
		Processor:   proc,
		Webhooks:    webhooks,
	})

	api := http.Server{
		Handler:      mux,
		Addr:         cfg.Web.Address,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     errLog,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	sweeper := order.NewSweeper(db, logger, cfg.Sweep.Interval, cfg.Sweep.BatchSize)
	go sweeper.Run(sweepCtx)

	serverErrors := make(chan error, 1)

	go func() {
		logger.Infof("starting api router at %s", api.Addr)
		serverErrors <- api.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Infof("shutting down: signal %s", sig)
		stopSweep()

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := api.Shutdown(ctx); err != nil {
			api.Close()
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}

		if err := bg.Shutdown(ctx); err != nil {
			return fmt.Errorf("could not complete all background tasks: %w", err)
		}
	}
	return nil
}

// providers builds the adapters of every configured provider. A provider
// without credentials is left out and its routes answer 404.
func providers(cfg config.Config) ([]payment.Adapter, []api.Webhook, error) {
	var (
		adapters []payment.Adapter
		webhooks []api.Webhook
	)

	if cfg.Stripe.APISecret != "" {
		client := stripe.NewClient(cfg.Stripe.APISecret, cfg.Stripe.URL)
		platform := stripe.New(client, cfg.Stripe.WebhookSecret)
		adapters = append(adapters, platform)
		webhooks = append(webhooks,
			api.Webhook{Path: "/webhooks/stripe", Adapter: platform},
			api.Webhook{Path: "/webhooks/stripe/connect", Adapter: stripe.New(client, cfg.Stripe.ConnectWebhookSecret)},
		)
	}

	if cfg.Paypal.ClientID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client, err := paypal.NewClient(ctx, cfg.Paypal.ClientID, cfg.Paypal.Secret, cfg.Paypal.URL)
		if err != nil {
			return nil, nil, err
		}
		a := paypal.New(client, cfg.Paypal.WebhookID, cfg.Site.BaseURL)
		adapters = append(adapters, a)
		webhooks = append(webhooks, api.Webhook{Path: "/webhooks/paypal", Adapter: a})
	}

	if cfg.BTCPay.URL != "" {
		a := btcpay.New(cfg.BTCPay, cfg.Site.BaseURL)
		adapters = append(adapters, a)
		webhooks = append(webhooks, api.Webhook{Path: "/webhooks/btcpay", Adapter: a})
	}

	return adapters, webhooks, nil
}

func screener(cfg config.Risk, rdb *redis.Client, log logrus.FieldLogger) *risk.Screener {
	breaker := risk.BreakerConfig{Failures: cfg.BreakerFailures, OpenDelay: cfg.BreakerOpenDelay}

	var geo risk.Locator
	if cfg.GeoKey != "" {
		var cache risk.Cache
		if rdb != nil {
			cache = risk.NewRedisCache(rdb, cfg.CacheTTL)
		}
		geo = risk.NewGeoClient(cfg.GeoURL, cfg.GeoKey, cfg.Timeout, breaker, cache)
	}

	var captcha risk.Verifier
	if cfg.CaptchaSecret != "" {
		captcha = risk.NewRecaptcha(cfg.CaptchaURL, cfg.CaptchaSecret, cfg.Timeout, breaker)
	}

	return risk.NewScreener(geo, captcha, cfg.MinScore, cfg.FailOpen, log)
}
