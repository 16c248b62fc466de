package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/irsalhamdi/storefront/api/web"
	"github.com/irsalhamdi/storefront/api/weberr"
)

// Admin guards dashboard routes with a static bearer token. An empty token
// disables the routes altogether.
func Admin(token string) web.Middleware {
	m := func(handler web.Handler) web.Handler {
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				return weberr.NotAuthorized(errors.New("missing or invalid admin token"))
			}

			return handler(ctx, w, r)
		}
		return h
	}
	return m
}
