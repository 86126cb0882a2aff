package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGuardedEcho(secret string) *echo.Echo {
	e := echo.New()
	e.Use(JWTMiddleware(secret, func(c echo.Context) bool {
		return c.Request().URL.Path == "/ping"
	}))
	e.GET("/ping", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/whoami", func(c echo.Context) error {
		info, err := ServiceTokenFromContext(c)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]string{"sub": info.Subject, "scope": info.ScopeID})
	})
	return e
}

func TestServiceTokenRoundTrip(t *testing.T) {
	t.Parallel()

	secret := "test-secret"
	token, expiresAt, err := GenerateServiceToken(ServiceToken{Subject: "crm-backend", ScopeID: "org-1"}, secret, time.Hour)
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now()))

	e := newGuardedEcho(secret)
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sub":"crm-backend","scope":"org-1"}`, rec.Body.String())
}

func TestMiddlewareRejectsMissingOrForeignTokens(t *testing.T) {
	t.Parallel()

	e := newGuardedEcho("test-secret")

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	assert.NotEqual(t, http.StatusOK, rec.Code)

	foreign, _, err := GenerateServiceToken(ServiceToken{Subject: "x"}, "other-secret", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+foreign)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGenerateServiceTokenValidation(t *testing.T) {
	t.Parallel()

	_, _, err := GenerateServiceToken(ServiceToken{}, "s", time.Hour)
	assert.Error(t, err)
	_, _, err = GenerateServiceToken(ServiceToken{Subject: "a"}, "", time.Hour)
	assert.Error(t, err)
	_, _, err = GenerateServiceToken(ServiceToken{Subject: "a"}, "s", 0)
	assert.Error(t, err)
}
