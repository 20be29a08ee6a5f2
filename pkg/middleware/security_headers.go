package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeadersConfig holds configuration for the security headers middleware.
// Empty fields fall back to the JSON API defaults.
type SecurityHeadersConfig struct {
	ContentSecurityPolicy string
	ReferrerPolicy        string
	PermissionsPolicy     string
}

// DefaultSecurityHeadersConfig returns headers suited to an API that never serves HTML
func DefaultSecurityHeadersConfig() SecurityHeadersConfig {
	return SecurityHeadersConfig{
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:        "no-referrer",
		PermissionsPolicy:     "camera=(), microphone=(), geolocation=(), payment=()",
	}
}

// SecurityHeaders returns an Echo middleware that sets Content-Security-Policy,
// Referrer-Policy, Permissions-Policy and X-Content-Type-Options on every response.
func SecurityHeaders(config SecurityHeadersConfig) echo.MiddlewareFunc {
	defaults := DefaultSecurityHeadersConfig()

	if config.ContentSecurityPolicy == "" {
		config.ContentSecurityPolicy = defaults.ContentSecurityPolicy
	}
	if config.ReferrerPolicy == "" {
		config.ReferrerPolicy = defaults.ReferrerPolicy
	}
	if config.PermissionsPolicy == "" {
		config.PermissionsPolicy = defaults.PermissionsPolicy
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("Content-Security-Policy", config.ContentSecurityPolicy)
			h.Set("Referrer-Policy", config.ReferrerPolicy)
			h.Set("Permissions-Policy", config.PermissionsPolicy)
			h.Set("X-Content-Type-Options", "nosniff")
			return next(c)
		}
	}
}
