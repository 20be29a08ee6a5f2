package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4/middleware"
)

// AllowedMethods are the methods the rewards API serves
var AllowedMethods = []string{
	http.MethodGet,
	http.MethodPost,
}

// CORSConfig returns the CORS configuration for the given origins.
// Shared by main.go and tests.
func CORSConfig(origins []string) middleware.CORSConfig {
	return middleware.CORSConfig{
		AllowOrigins:     origins,
		AllowMethods:     AllowedMethods,
		AllowCredentials: true,
		AllowHeaders: []string{
			"Origin",
			"Content-Type",
			"Accept",
			"Authorization",
		},
	}
}
