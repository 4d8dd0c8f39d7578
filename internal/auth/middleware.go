// Package auth guards the operator endpoints with HMAC-signed bearer tokens
// that carry an operator scope.
package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultScope grants read access to stored identifications and metrics.
const DefaultScope = "faceid:operator"

type contextKey string

const operatorKey contextKey = "authOperator"

// OperatorClaims are the claims accepted on operator tokens. Scope is a
// space-separated list in the OAuth style.
type OperatorClaims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Scopes splits the scope claim.
func (c *OperatorClaims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// Operator is the authenticated caller of an operator endpoint.
type Operator struct {
	Subject string
	Scopes  []string
}

// GetOperator retrieves the authenticated operator from context.
func GetOperator(ctx context.Context) (Operator, bool) {
	if ctx == nil {
		return Operator{}, false
	}
	op, ok := ctx.Value(operatorKey).(Operator)
	return op, ok && op.Subject != ""
}

// GetSubject retrieves the authenticated operator's subject from context.
func GetSubject(ctx context.Context) (string, bool) {
	op, ok := GetOperator(ctx)
	return op.Subject, ok
}

// Protect returns OperatorMiddleware when a secret is configured and a
// pass-through handler otherwise.
func Protect(secret, audience, scope string) gin.HandlerFunc {
	if strings.TrimSpace(secret) == "" {
		return func(c *gin.Context) { c.Next() }
	}
	return OperatorMiddleware(secret, audience, scope)
}

// OperatorMiddleware validates bearer tokens, requires scope when it is
// non-empty and injects the operator. Missing or invalid tokens get 401,
// valid tokens without the scope get 403.
func OperatorMiddleware(secret, audience, scope string) gin.HandlerFunc {
	key := []byte(strings.TrimSpace(secret))
	audience = strings.TrimSpace(audience)
	scope = strings.TrimSpace(scope)

	var opts []jwt.ParserOption
	opts = append(opts, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	parser := jwt.NewParser(opts...)

	return func(c *gin.Context) {
		tokenString, err := extractBearerToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			abort(c, http.StatusUnauthorized, err.Error())
			return
		}

		claims := &OperatorClaims{}
		_, err = parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		})
		switch {
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			abort(c, http.StatusUnauthorized, "invalid audience")
			return
		case err != nil:
			abort(c, http.StatusUnauthorized, "invalid token")
			return
		}

		if claims.Subject == "" {
			abort(c, http.StatusUnauthorized, "missing subject")
			return
		}
		scopes := claims.Scopes()
		if scope != "" && !slices.Contains(scopes, scope) {
			abort(c, http.StatusForbidden, "missing scope "+scope)
			return
		}

		op := Operator{Subject: claims.Subject, Scopes: scopes}
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), operatorKey, op))
		c.Set(string(operatorKey), op)

		c.Next()
	}
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}
