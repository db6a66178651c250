package protocol

import (
	"crypto/sha1"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"strings"
)

// Thumbprint returns cert's SHA-1 fingerprint as uppercase hex with no
// separators, the form pinned in every ServiceEndpoint.
func Thumbprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// SameThumbprint reports whether got matches pinned, compared
// constant-time and case-insensitively.
func SameThumbprint(got, pinned string) bool {
	a := strings.ToUpper(got)
	b := strings.ToUpper(pinned)
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
