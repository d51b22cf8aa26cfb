package tokens

import (
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Expiry reads the exp claim without signature verification. Verifying
// is the resource server's job; the client only schedules refreshes.
// Zero time for opaque (non-JWT) tokens.
func Expiry(raw string) time.Time {
	tok, err := jwt.ParseInsecure([]byte(raw))
	if err != nil {
		return time.Time{}
	}
	return tok.Expiration()
}

// Claim reads a single string claim without verification.
func Claim(raw, name string) string {
	tok, err := jwt.ParseInsecure([]byte(raw))
	if err != nil {
		return ""
	}
	if v, ok := tok.Get(name); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
