package middleware

import (
	"github.com/labstack/echo/v4"

	apierrors "github.com/jordanlanch/rewardsledger/pkg/api/errors"
	"github.com/jordanlanch/rewardsledger/pkg/auth"
)

// RequireAdmin ensures the authenticated user carries the admin role claim.
// It must run after the JWT middleware.
func RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if _, ok := c.Get("user_id").(string); !ok {
				return apierrors.UnauthorizedError(c, "authentication required")
			}

			if role, _ := c.Get("user_role").(string); role != auth.RoleAdmin {
				return apierrors.ForbiddenError(c, "admin role required")
			}

			return next(c)
		}
	}
}
