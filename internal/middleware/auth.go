// Package middleware содержит HTTP middleware движка прав доступа.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mmeshcher/entitlement-engine/internal/model"
	"github.com/mmeshcher/entitlement-engine/internal/validation"
)

type contextKey string

const principalKey contextKey = "principal"

const (
	authCookieName = "auth_token"
	bearerPrefix   = "Bearer "
)

// Claims описывает утверждения токена провайдера идентификации.
type Claims struct {
	IsAdmin bool `json:"is_admin"`
	jwt.RegisteredClaims
}

// AuthMiddleware проверяет токен провайдера идентификации и кладёт Principal в контекст запроса.
type AuthMiddleware struct {
	secretKey []byte
	parser    *jwt.Parser
}

// NewAuthMiddleware создаёт AuthMiddleware с общим секретом HS256.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	return &AuthMiddleware{
		secretKey: []byte(secret),
		parser:    jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Middleware пропускает запрос дальше только с действительным токеном в заголовке Authorization или cookie.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := tokenFromRequest(r)
		if raw == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		p, err := a.parse(raw)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireAdmin отклоняет запросы пользователей без роли администратора.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok || !p.IsAdmin() {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix))
	}
	if c, err := r.Cookie(authCookieName); err == nil {
		return c.Value
	}
	return ""
}

func (a *AuthMiddleware) parse(raw string) (model.Principal, error) {
	var claims Claims
	_, err := a.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secretKey, nil
	})
	if err != nil {
		return model.Principal{}, err
	}

	if !validation.IsValidID(claims.Subject) {
		return model.Principal{}, errors.New("token subject is not a valid user id")
	}

	return model.Principal{
		UserID: claims.Subject,
		Role:   model.RoleFromClaim(claims.IsAdmin),
	}, nil
}

// SignToken выпускает токен в формате провайдера идентификации. Используется в тестах и локальной отладке.
func (a *AuthMiddleware) SignToken(userID string, isAdmin bool, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		IsAdmin: isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secretKey)
}

// PrincipalFromContext извлекает проверенного пользователя из контекста запроса.
func PrincipalFromContext(ctx context.Context) (model.Principal, bool) {
	p, ok := ctx.Value(principalKey).(model.Principal)
	return p, ok
}

// WithPrincipal кладёт пользователя в контекст.
func WithPrincipal(ctx context.Context, p model.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}
