package httpapi

import (
	"crypto/subtle"
	"net/http"
)

// APIKeyEnv names the variable holding the status API key
const APIKeyEnv = "BULK_STATUS_API_KEY"

// AuthMiddleware checks the X-API-Key header against apiKey
func AuthMiddleware(apiKey string, next http.Handler) http.Handler {
	// No key configured: auth disabled
	if apiKey == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		providedKey := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
