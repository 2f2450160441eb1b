// Package middlewarectx содержит HTTP middleware фасада: проверку статического
// токена доступа и ограничение частоты запросов.
package middlewarectx

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/vpn-entitlements/internal/http/response"
)

// BearerMiddleware пропускает запрос, только если заголовок Authorization
// содержит точно token. Иначе отвечает 401 с WWW-Authenticate: Bearer.
func BearerMiddleware(token string, log *slog.Logger) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const op = "middlewarectx.Bearer"

			authHeader := r.Header.Get("Authorization")
			got, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || len(expected) == 0 || subtle.ConstantTimeCompare([]byte(got), expected) != 1 {
				log.Warn("unauthorized request",
					slog.String("op", op),
					slog.String("request_id", middleware.GetReqID(r.Context())),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", "Bearer")
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, response.Error("missing or invalid access token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
