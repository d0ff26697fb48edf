package wire

import (
	"crypto/sha1" //nolint:gosec // mandated by the protocol
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// SaltedDigest computes the PASS proof hex(SHA1(username ++ salt ++ hash))
// from hash, the raw SHA1 of the password.
func SaltedDigest(username, salt string, passwordHash []byte) string {
	h := sha1.New() //nolint:gosec
	h.Write([]byte(username))
	h.Write([]byte(salt))
	h.Write(passwordHash)

	return hex.EncodeToString(h.Sum(nil))
}

// DigestEqual compares two hex digests in constant time, ignoring case.
func DigestEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(a)), []byte(strings.ToLower(b))) == 1
}
