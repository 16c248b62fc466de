package config

import (
	"time"

	"github.com/ardanlabs/conf/v3"
)

type Config struct {
	conf.Version
	Web      Web
	DB       DB
	Session  Session
	Email    Email
	Site     Site
	Stripe   Stripe
	Paypal   Paypal
	BTCPay   BTCPay
	Redis    Redis
	Risk     Risk
	Checkout Checkout
	Fees     Fees
	Sweep    Sweep
	Rate     Rate
}

type Web struct {
	Address         string        `conf:"default:0.0.0.0:8000"`
	ReadTimeout     time.Duration `conf:"default:5s"`
	WriteTimeout    time.Duration `conf:"default:10s"`
	IdleTimeout     time.Duration `conf:"default:120s"`
	ShutdownTimeout time.Duration `conf:"default:20s"`
	CorsOrigin      string
	TrustProxy      bool   `conf:"default:false"`
	AdminToken      string `conf:"mask"`
}

type DB struct {
	User         string `conf:"default:postgres"`
	Password     string `conf:"default:postgres,mask"`
	Host         string `conf:"default:localhost:5432"`
	Name         string `conf:"default:storefront"`
	MaxIdleConns int    `conf:"default:5"`
	MaxOpenConns int    `conf:"default:20"`
	DisableTLS   bool   `conf:"default:true"`
}

type Session struct {
	CookieName string        `conf:"default:_enfront_cid"`
	Lifetime   time.Duration `conf:"default:168h"`
	Secure     bool          `conf:"default:false"`
}

type Email struct {
	Host     string `conf:"default:localhost"`
	Port     int    `conf:"default:587"`
	User     string
	Password string `conf:"mask"`
	From     string `conf:"default:orders@enfront.local"`
}

type Site struct {
	BaseURL     string `conf:"default:http://localhost:3000"`
	FailurePath string `conf:"default:/404"`
}

type Stripe struct {
	APISecret            string `conf:"mask"`
	WebhookSecret        string `conf:"mask"`
	ConnectWebhookSecret string `conf:"mask"`
	URL                  string
}

type Paypal struct {
	ClientID  string
	Secret    string `conf:"mask"`
	URL       string `conf:"default:https://api-m.sandbox.paypal.com"`
	WebhookID string
}

type BTCPay struct {
	URL           string
	APIKey        string `conf:"mask"`
	StoreID       string
	WebhookSecret string `conf:"mask"`
}

type Redis struct {
	Address  string
	Password string `conf:"mask"`
	DB       int    `conf:"default:0"`
}

type Risk struct {
	GeoURL           string        `conf:"default:https://ipgeolocation.abstractapi.com/v1/"`
	GeoKey           string        `conf:"mask"`
	CaptchaURL       string        `conf:"default:https://www.google.com/recaptcha/api/siteverify"`
	CaptchaSecret    string        `conf:"mask"`
	MinScore         float64       `conf:"default:0.5"`
	FailOpen         bool          `conf:"default:false"`
	CacheTTL         time.Duration `conf:"default:24h"`
	Timeout          time.Duration `conf:"default:3s"`
	BreakerFailures  uint32        `conf:"default:5"`
	BreakerOpenDelay time.Duration `conf:"default:30s"`
}

type Checkout struct {
	MinTotal    int64         `conf:"default:50"`
	OrderTTL    time.Duration `conf:"default:24h"`
	CartItemTTL time.Duration `conf:"default:168h"`
}

type Fees struct {
	RestrictedCountries []string `conf:"default:BR"`
}

type Sweep struct {
	Interval  time.Duration `conf:"default:1m"`
	BatchSize int           `conf:"default:100"`
}

type Rate struct {
	RPS    float64 `conf:"default:2"`
	Burst  int     `conf:"default:10"`
	Expiry int     `conf:"default:10"`
}
