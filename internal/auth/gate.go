// Package auth evaluates whether the current caller holds valid identity
// material before any push channel may be opened. The gate is a pure
// predicate: it reads the identity provider fresh on every call so a
// logout between two calls is observed immediately, and it never fails
// loudly — absent or malformed material simply yields false.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthRequired is surfaced by callers when the gate denies a
// transport-open decision. Terminal: no retry, no poll fallback.
var ErrAuthRequired = errors.New("auth: authentication required")

// Identity is the ambient identity material for the current caller.
// A caller is authenticated when it has a user id and at least one of a
// verifiable token or a verifiable session marker.
type Identity struct {
	UserID        int64
	Token         string // JWT, HMAC-signed
	SessionMarker string // "<uid>.<hex hmac-sha256 of uid>"
}

// IdentityProvider supplies identity material. Implementations must return
// the current material on every call rather than caching it, so that
// logout is observed without delay.
type IdentityProvider interface {
	Identity() Identity
}

// Gate validates identity material against a shared HMAC secret.
type Gate struct {
	provider IdentityProvider
	secret   []byte
}

// NewGate creates a Gate over the given provider and secret.
func NewGate(provider IdentityProvider, secret []byte) *Gate {
	return &Gate{provider: provider, secret: secret}
}

// Valid reports whether the caller currently holds verifiable identity
// material. It has no side effects and swallows malformed material: the
// caller uniformly treats "no/bad auth" as "do not connect".
func (g *Gate) Valid() bool {
	if g.provider == nil || len(g.secret) == 0 {
		return false
	}
	id := g.provider.Identity()
	if id.UserID <= 0 {
		return false
	}
	return g.tokenValid(id) || g.markerValid(id)
}

// UserID returns the current caller's user id, or 0 when absent.
func (g *Gate) UserID() int64 {
	if g.provider == nil {
		return 0
	}
	return g.provider.Identity().UserID
}

// tokenValid verifies the JWT signature, expiry, and subject. Only the
// HMAC family is accepted; anything else is treated as malformed.
func (g *Gate) tokenValid(id Identity) bool {
	if id.Token == "" {
		return false
	}
	parsed, err := jwt.Parse(id.Token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil || !parsed.Valid {
		return false
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil {
		return false
	}
	return sub == strconv.FormatInt(id.UserID, 10)
}

// markerValid verifies the session marker: "<uid>.<hex hmac>" where the
// HMAC-SHA256 is computed over the uid string with the shared secret.
func (g *Gate) markerValid(id Identity) bool {
	uid, sig, ok := strings.Cut(id.SessionMarker, ".")
	if !ok || uid != strconv.FormatInt(id.UserID, 10) {
		return false
	}
	given, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(uid))
	return hmac.Equal(given, mac.Sum(nil))
}

// SignMarker produces a session marker for the given user id. Used when a
// host issues session material instead of a token.
func SignMarker(secret []byte, userID int64) string {
	uid := strconv.FormatInt(userID, 10)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(uid))
	return uid + "." + hex.EncodeToString(mac.Sum(nil))
}

// StaticProvider returns fixed identity material. Useful for tests and for
// hosts that manage material themselves.
type StaticProvider struct {
	ID     int64
	Token  string
	Marker string
}

// Identity implements IdentityProvider.
func (p StaticProvider) Identity() Identity {
	return Identity{UserID: p.ID, Token: p.Token, SessionMarker: p.Marker}
}

// EnvProvider reads identity material from the environment on every call
// (CHAT_USER_ID, CHAT_TOKEN, CHAT_SESSION). Clearing the variables acts as
// a logout that the gate observes on its next evaluation.
type EnvProvider struct{}

// Identity implements IdentityProvider.
func (EnvProvider) Identity() Identity {
	uid, _ := strconv.ParseInt(os.Getenv("CHAT_USER_ID"), 10, 64)
	return Identity{
		UserID:        uid,
		Token:         os.Getenv("CHAT_TOKEN"),
		SessionMarker: os.Getenv("CHAT_SESSION"),
	}
}
