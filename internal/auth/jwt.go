// Package auth guards the admin HTTP API with HS256 service tokens.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	claimSubject = "sub"
	claimScopeID = "scope_id"
	claimType    = "typ"
	serviceType  = "service"
)

// JWTMiddleware returns a JWT auth middleware configured for HS256 tokens.
func JWTMiddleware(secret string, skipper middleware.Skipper) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(secret),
		SigningMethod: "HS256",
		TokenLookup:   "header:Authorization:Bearer ",
		Skipper:       skipper,
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return jwt.MapClaims{}
		},
	})
}

// ServiceToken identifies the caller of the admin API. An empty ScopeID
// grants every scope.
type ServiceToken struct {
	Subject string
	ScopeID string
}

// GenerateServiceToken creates a signed service token.
func GenerateServiceToken(info ServiceToken, secret string, expiresIn time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(info.Subject) == "" {
		return "", time.Time{}, fmt.Errorf("subject is required")
	}
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is required")
	}
	if expiresIn <= 0 {
		return "", time.Time{}, fmt.Errorf("jwt expires in must be positive")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)
	claims := jwt.MapClaims{
		claimType:    serviceType,
		claimSubject: strings.TrimSpace(info.Subject),
		"iat":        now.Unix(),
		"exp":        expiresAt.Unix(),
	}
	if scope := strings.TrimSpace(info.ScopeID); scope != "" {
		claims[claimScopeID] = scope
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ServiceTokenFromContext extracts the service token claims set by
// JWTMiddleware.
func ServiceTokenFromContext(c echo.Context) (ServiceToken, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok || token == nil || !token.Valid {
		return ServiceToken{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ServiceToken{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
	}
	if claimString(claims, claimType) != serviceType {
		return ServiceToken{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid service token")
	}
	info := ServiceToken{
		Subject: claimString(claims, claimSubject),
		ScopeID: claimString(claims, claimScopeID),
	}
	if strings.TrimSpace(info.Subject) == "" {
		return ServiceToken{}, echo.NewHTTPError(http.StatusUnauthorized, "subject missing")
	}
	return info, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	raw, ok := claims[key]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(raw)
	}
}
