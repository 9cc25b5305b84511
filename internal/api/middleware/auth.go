package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/imthatdev/swush/internal/api/response"
)

// triggerHeader is the shared-secret alternative to a Bearer token for
// schedule-invoked callers (cron containers that only set one header).
const triggerHeader = "X-Trigger-Token"

// TriggerAuth guards the operator job-trigger and job-history routes with a
// single shared secret, accepted as either a Bearer token or the
// X-Trigger-Token header.
type TriggerAuth struct {
	tokenHash [32]byte
}

// NewTriggerAuth creates the middleware for the configured secret.
func NewTriggerAuth(token string) *TriggerAuth {
	return &TriggerAuth{tokenHash: sha256.Sum256([]byte(token))}
}

// Authenticate rejects requests whose presented secret does not match.
// Comparison is constant time over fixed-length digests, so neither the
// secret's length nor its prefix leaks through timing.
func (a *TriggerAuth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get(triggerHeader)
		if presented == "" {
			presented = extractBearerToken(r)
		}
		if presented == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing trigger token", nil)
			return
		}

		presentedHash := sha256.Sum256([]byte(presented))
		if subtle.ConstantTimeCompare(presentedHash[:], a.tokenHash[:]) != 1 {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid trigger token", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
