package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims is the subset of access token claims the client reads. The
// signature is the server's concern; the client only needs expiry and subject.
type tokenClaims struct {
	jwt.RegisteredClaims
}

var parser = jwt.NewParser()

// inspectToken returns the subject and expiry of a JWT access token. Opaque
// tokens report no expiry and are treated as valid until the server says otherwise.
func inspectToken(token string) (subject string, expiresAt time.Time, ok bool) {
	var claims tokenClaims
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return "", time.Time{}, false
	}
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return claims.Subject, expiresAt, true
}

func tokenExpired(token string, now time.Time) bool {
	_, exp, ok := inspectToken(token)
	if !ok || exp.IsZero() {
		return false
	}
	return !now.Before(exp)
}
