package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/jordanlanch/rewardsledger/pkg/auth"
	"github.com/jordanlanch/rewardsledger/pkg/models"
)

// ServiceTokenHeader carries the shared secret of internal callers
const ServiceTokenHeader = "X-Service-Token"

// JWTMiddleware authenticates end users with a bearer token
func JWTMiddleware(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
					Error:   "missing_token",
					Message: "Authorization header is required",
				})
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
					Error:   "invalid_token_format",
					Message: "Authorization header must be 'Bearer {token}'",
				})
			}

			claims, err := auth.ValidateJWT(parts[1], secret)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
					Error:   "invalid_token",
					Message: "Token is invalid or expired",
				})
			}

			c.Set("user_id", claims.UserID)
			c.Set("user_role", claims.Role)

			return next(c)
		}
	}
}

// ServiceTokenMiddleware authenticates internal services that publish events
func ServiceTokenMiddleware(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !auth.ValidServiceToken(c.Request().Header.Get(ServiceTokenHeader), token) {
				return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
					Error:   "invalid_service_token",
					Message: "A valid service token is required",
				})
			}
			c.Set("caller", "service")
			return next(c)
		}
	}
}
