// Package revocation stores revoked token and session identities until they
// would have expired anyway.
package revocation

import (
	"errors"
	"strings"
	"time"
)

var ErrUnavailable = errors.New("revocation: list unavailable")

// Revocation is a single blacklist entry.
type Revocation struct {
	Key       string
	Reason    string
	TenantID  string
	ExpiresAt time.Time
}

// TokenKey identifies a single issued token by its jti.
func TokenKey(jti string) string {
	return "jti#" + strings.TrimSpace(jti)
}

// SessionKey identifies every token issued for a session.
func SessionKey(sessionID string) string {
	return "session#" + strings.TrimSpace(sessionID)
}

func validate(r Revocation, now time.Time) error {
	switch {
	case strings.TrimSpace(r.Key) == "" || strings.HasSuffix(r.Key, "#"):
		return errors.New("revocation: key is required")
	case r.ExpiresAt.IsZero():
		return errors.New("revocation: expiry is required")
	case !r.ExpiresAt.After(now):
		return errors.New("revocation: expiry must be in the future")
	}
	return nil
}
