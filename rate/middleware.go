package rate

import (
	"context"
	"errors"
	"net/http"

	"github.com/irsalhamdi/storefront/api/web"
	"github.com/irsalhamdi/storefront/api/weberr"
)

// Middleware rejects requests whose key ran out of tokens with a 429.
func Middleware(l *Limiter, key func(ctx context.Context, r *http.Request) string) web.Middleware {
	m := func(handler web.Handler) web.Handler {
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			if !l.Check(key(ctx, r)) {
				w.Header().Set("Retry-After", "1")
				return weberr.NewError(errors.New("rate limit exceeded"), "too many requests", http.StatusTooManyRequests)
			}

			return handler(ctx, w, r)
		}
		return h
	}
	return m
}
