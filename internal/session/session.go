// Package session implements admin-cookie issuance and verification for
// C5's trusted endpoints, grounded on matchbox.py's session-cookie scheme
// and generate_admin_hash.py's password-hash format.
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// CookieName is the admin session cookie's name.
	CookieName = "mb_session"
	// TTL is how long an issued cookie remains valid.
	TTL = 24 * time.Hour

	secretLabel = "matchbox-session"
)

var (
	ErrMalformed = errors.New("session: malformed cookie")
	ErrExpired   = errors.New("session: cookie expired")
	ErrBadMAC    = errors.New("session: cookie signature mismatch")
)

// DeriveSecret computes the HMAC key used to sign session cookies from the
// tunnel password (or a fallback when no tunnel password is configured),
// fixed under the label "matchbox-session" so the secret never collides
// with the password's other uses.
func DeriveSecret(tunnelPasswordOrFallback string) []byte {
	mac := hmac.New(sha256.New, []byte(tunnelPasswordOrFallback))
	mac.Write([]byte(secretLabel))
	return mac.Sum(nil)
}

// Issue produces a cookie value "{instanceID}:{expiryUnix}:{hmacHex}" valid
// for TTL from now.
func Issue(secret []byte, instanceID string, now time.Time) string {
	expiry := now.Add(TTL).Unix()
	return sign(secret, instanceID, expiry)
}

func sign(secret []byte, instanceID string, expiry int64) string {
	payload := fmt.Sprintf("%s:%d", instanceID, expiry)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return fmt.Sprintf("%s:%d:%s", instanceID, expiry, hex.EncodeToString(mac.Sum(nil)))
}

// Verify checks a cookie value against secret, rejecting malformed,
// expired, or tampered values (a single flipped bit in the HMAC fails the
// constant-time comparison).
func Verify(secret []byte, cookie string, now time.Time) (instanceID string, err error) {
	parts := strings.SplitN(cookie, ":", 3)
	if len(parts) != 3 {
		return "", ErrMalformed
	}
	instanceID, expiryStr, macHex := parts[0], parts[1], parts[2]

	expiry, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil {
		return "", ErrMalformed
	}

	want := sign(secret, instanceID, expiry)
	wantParts := strings.SplitN(want, ":", 3)
	if subtle.ConstantTimeCompare([]byte(macHex), []byte(wantParts[2])) != 1 {
		return "", ErrBadMAC
	}

	if now.Unix() > expiry {
		return "", ErrExpired
	}
	return instanceID, nil
}

// HashPassword reproduces generate_admin_hash.py's scheme:
// sha256(salt || password), with the digest returned hex-encoded so it
// round-trips through JSON config untouched.
func HashPassword(password string, salt []byte) string {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(password))
	return hex.EncodeToString(h.Sum(nil))
}

// CheckPassword verifies password against a stored hex salt/hash pair in
// constant time.
func CheckPassword(password, saltHex, hashHex string) bool {
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	got := HashPassword(password, salt)
	return subtle.ConstantTimeCompare([]byte(got), []byte(hashHex)) == 1
}
