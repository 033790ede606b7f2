package internal

import (
	"context"
	"net/http"
	"os"
	"strings"

	"meetchat/internal/auth"
)

// Middleware validates the client's JWT and binds the caller identity to the
// request context. Tokens arrive as a Bearer header or, for browser websocket
// upgrades that cannot set headers, a jwt cookie or access_token query param.
func Middleware(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			if cookie, err := r.Cookie("jwt"); err == nil {
				token = cookie.Value
			}
		}
		if token == "" {
			token = r.URL.Query().Get("access_token")
		}

		if token == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		user, err := auth.ValidateJWT(token, os.Getenv("JWT_SECRET"))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		r = r.WithContext(context.WithValue(r.Context(), auth.UserKey, user))
		next.ServeHTTP(w, r)
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}
