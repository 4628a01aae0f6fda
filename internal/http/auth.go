package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// User returns user_id when present, otherwise the registered subject.
func (c *Claims) User() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

type ctxKey struct{}

type queryTokenKey struct{}

// Authenticator validates HS256 bearer tokens issued by the user service.
// Tokens are never minted here.
type Authenticator struct {
	Secret []byte
}

func (a Authenticator) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		return a.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.User() == "" {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// Middleware requires "Authorization: Bearer <jwt>".
func (a Authenticator) Middleware(next http.Handler) http.Handler {
	return a.authenticate(next, false)
}

// StreamMiddleware also accepts the token query parameter, for websocket
// clients that cannot set headers. It relies on stripQueryToken having run.
func (a Authenticator) StreamMiddleware(next http.Handler) http.Handler {
	return a.authenticate(next, true)
}

func (a Authenticator) authenticate(next http.Handler, allowQuery bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var tokenString string
		if allowQuery {
			tokenString, _ = r.Context().Value(queryTokenKey{}).(string)
		}
		if auth := r.Header.Get("Authorization"); auth != "" {
			parts := strings.Fields(auth)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}
			tokenString = parts[1]
		}
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}
		claims, err := a.Parse(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// stripQueryToken moves a token query parameter into the request context so
// it never reaches the access log.
func stripQueryToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if !q.Has("token") {
			next.ServeHTTP(w, r)
			return
		}
		token := q.Get("token")
		q.Del("token")
		u := *r.URL
		u.RawQuery = q.Encode()

		r = r.WithContext(context.WithValue(r.Context(), queryTokenKey{}, token))
		r.URL = &u
		r.RequestURI = u.RequestURI()
		next.ServeHTTP(w, r)
	})
}

func UserID(ctx context.Context) string {
	claims, ok := ctx.Value(ctxKey{}).(*Claims)
	if !ok {
		return ""
	}
	return claims.User()
}
