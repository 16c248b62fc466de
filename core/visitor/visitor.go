// Package visitor carries what the storefront knows about the anonymous
// buyer behind a request: the cart token held in their session cookie and
// the network details used by risk checks.
package visitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/alexedwards/scs/v2"
	"github.com/irsalhamdi/storefront/api/web"
	"github.com/irsalhamdi/storefront/random"
)

const (
	tokenKey    = "cart_token"
	tokenLength = 32
)

type Visitor struct {
	Token     string
	IP        string
	UserAgent string
}

type ctxKey int

const visitorKey ctxKey = 1

func Set(ctx context.Context, v Visitor) context.Context {
	return context.WithValue(ctx, visitorKey, v)
}

func Get(ctx context.Context) (Visitor, error) {
	v, ok := ctx.Value(visitorKey).(Visitor)
	if !ok {
		return Visitor{}, errors.New("visitor value missing from context")
	}
	return v, nil
}

// LoadAndSave loads the visitor session, hands out a cart token on first
// contact and stores the Visitor in the request context. The cookie is
// written before the handler runs since the token is the only value the
// session ever holds.
func LoadAndSave(sm *scs.SessionManager, trustProxy bool) web.Middleware {
	m := func(handler web.Handler) web.Handler {
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			var token string
			if c, err := r.Cookie(sm.Cookie.Name); err == nil {
				token = c.Value
			}

			ctx, err := sm.Load(ctx, token)
			if err != nil {
				return fmt.Errorf("loading visitor session: %w", err)
			}

			cart := sm.GetString(ctx, tokenKey)
			if cart == "" {
				cart, err = random.StringSecure(tokenLength)
				if err != nil {
					return fmt.Errorf("generating cart token: %w", err)
				}
				sm.Put(ctx, tokenKey, cart)
			}

			if sm.Status(ctx) == scs.Modified {
				tok, expiry, err := sm.Commit(ctx)
				if err != nil {
					return fmt.Errorf("saving visitor session: %w", err)
				}
				sm.WriteSessionCookie(ctx, w, tok, expiry)
			}

			v := Visitor{
				Token:     cart,
				IP:        ClientIP(r, trustProxy),
				UserAgent: r.UserAgent(),
			}

			r = r.WithContext(Set(ctx, v))
			return handler(r.Context(), w, r)
		}
		return h
	}
	return m
}

// ClientIP returns the address of the requester. Forwarding headers are
// only honoured behind a trusted proxy.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			ip, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(ip)
		}
		if ip := r.Header.Get("X-Real-Ip"); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
