package middleware

import (
	"slices"

	"github.com/go-chi/cors"
)

// exposedHeaders lets browser callers read the rate-limit state and retry
// hint that admission responses carry.
var exposedHeaders = []string{
	RequestIDHeader,
	"Retry-After",
	"X-RateLimit-Limit-Minute",
	"X-RateLimit-Remaining-Minute",
	"X-RateLimit-Limit-Hour",
	"X-RateLimit-Remaining-Hour",
}

// CORS returns cors.Options for the given allowed origins. A "*" entry
// disables credentials, which browsers refuse alongside a wildcard origin.
func CORS(allowedOrigins []string) cors.Options {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000"}
	}

	allowCreds := !slices.Contains(allowedOrigins, "*")

	return cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", RequestIDHeader},
		ExposedHeaders:   exposedHeaders,
		AllowCredentials: allowCreds,
		MaxAge:           300,
	}
}
