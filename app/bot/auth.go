package bot

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// bearer returns the token of an "Authorization: Bearer" header.
func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

// ValidateToken accepts the static ADMIN_TOKEN, or an HS256 JWT signed with JWT_SECRET whose
// role claim is "admin".
func (a *App) ValidateToken(r *http.Request) bool {
	token := bearer(r)
	if token == "" {
		return false
	}
	if a.Config.AdminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.Config.AdminToken)) == 1 {
		return true
	}
	if a.Config.JWTSecret == "" {
		return false
	}

	tok, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return []byte(a.Config.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !tok.Valid {
		return false
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return false
	}
	role, _ := claims["role"].(string)
	return role == "admin"
}

// RequireAdmin middleware
func (a *App) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.Config.AdminToken == "" && a.Config.JWTSecret == "" {
			writeError(w, http.StatusNotFound, "admin api disabled")
			return
		}
		if !a.ValidateToken(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
