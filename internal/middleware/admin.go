package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/spf13/viper"
)

// AdminAuth gates operator endpoints behind a shared admin secret carried in
// X-Admin-Secret. An unset secret disables the endpoints entirely.
func AdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := viper.GetString("admin.secret")
		if secret == "" {
			http.Error(w, "Admin endpoints disabled", http.StatusForbidden)
			return
		}

		provided := r.Header.Get("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			http.Error(w, "Invalid admin secret", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
