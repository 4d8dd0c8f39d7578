package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims OperatorClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func newRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/private", mw, func(c *gin.Context) {
		op, _ := GetOperator(c.Request.Context())
		c.String(http.StatusOK, op.Subject+"|"+strings.Join(op.Scopes, ","))
	})
	return router
}

func TestOperatorMiddleware(t *testing.T) {
	valid := OperatorClaims{
		Scope: "faceid:train " + DefaultScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator-1",
			Audience:  jwt.ClaimStrings{"faceid"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	noSubject := valid
	noSubject.Subject = ""
	wrongAudience := valid
	wrongAudience.Audience = jwt.ClaimStrings{"elsewhere"}
	noScope := valid
	noScope.Scope = "faceid:train"

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, valid).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + signToken(t, testSecret, valid), http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + signToken(t, "other", valid), http.StatusUnauthorized},
		{"unsigned", "Bearer " + none, http.StatusUnauthorized},
		{"expired", "Bearer " + signToken(t, testSecret, expired), http.StatusUnauthorized},
		{"missing subject", "Bearer " + signToken(t, testSecret, noSubject), http.StatusUnauthorized},
		{"wrong audience", "Bearer " + signToken(t, testSecret, wrongAudience), http.StatusUnauthorized},
		{"missing scope", "Bearer " + signToken(t, testSecret, noScope), http.StatusForbidden},
	}

	router := newRouter(OperatorMiddleware(testSecret, "faceid", DefaultScope))
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/private", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, req)
			if resp.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", resp.Code, tc.want, resp.Body.String())
			}
			if tc.want == http.StatusOK && resp.Body.String() != "operator-1|faceid:train,"+DefaultScope {
				t.Fatalf("operator = %q", resp.Body.String())
			}
		})
	}
}

func TestOperatorMiddlewareWithoutScopeRequirement(t *testing.T) {
	token := signToken(t, testSecret, OperatorClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "op"}})
	router := newRouter(OperatorMiddleware(testSecret, "", ""))

	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK || resp.Body.String() != "op|" {
		t.Fatalf("status = %d body = %q", resp.Code, resp.Body.String())
	}
}

func TestProtectWithoutSecretIsOpen(t *testing.T) {
	router := newRouter(Protect("  ", "", DefaultScope))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/private", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}
}

func TestGetSubject(t *testing.T) {
	if _, ok := GetSubject(context.Background()); ok {
		t.Fatal("unauthenticated context has no subject")
	}
}
