// Package credentials derives tenant database secrets from the tenant slug.
// Derived values are never stored; they are recomputed whenever needed.
package credentials

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// Alphabet is the output character set. Visually ambiguous characters
// (l, o, 0) are excluded.
const Alphabet = "abcdefghijkmnpqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ123456789!@#$%=-+*"

// PasswordLength is the length of tenant database passwords.
const PasswordLength = 24

// ErrInvalidLength is returned for a requested length below 1.
var ErrInvalidLength = errors.New("length must be at least 1")

// Derive returns a length-character string that depends only on seed.
//
// Each round computes HMAC-SHA256(key=seed, msg=uint32 big-endian counter),
// starting at counter 0, and maps every output byte to Alphabet[b%len].
func Derive(seed string, length int) (string, error) {
	if length < 1 {
		return "", fmt.Errorf("%w: got %d", ErrInvalidLength, length)
	}

	out := make([]byte, 0, length)
	var counter [4]byte
	mac := hmac.New(sha256.New, []byte(seed))

	for i := uint32(0); len(out) < length; i++ {
		binary.BigEndian.PutUint32(counter[:], i)
		mac.Reset()
		mac.Write(counter[:])
		for _, b := range mac.Sum(nil) {
			if len(out) == length {
				break
			}
			out = append(out, Alphabet[int(b)%len(Alphabet)])
		}
	}

	return string(out), nil
}

// TenantPassword returns the database password for a tenant.
func TenantPassword(slug string) string {
	// PasswordLength is a valid length, so Derive cannot fail here.
	pw, _ := Derive(slug, PasswordLength)
	return pw
}
