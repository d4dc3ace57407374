package upstream

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenPresent reports whether token can still be sent upstream. Opaque
// tokens count while non-blank; JWTs additionally need an exp claim that has
// not passed. The signature is not checked here, the API does that.
func TokenPresent(token string, now time.Time) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	if strings.Count(token, ".") != 2 {
		return true
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return now.Before(exp.Time)
}
